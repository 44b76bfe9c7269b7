package queue

import "testing"

func TestCoalesceMatrix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		existing    *Entry
		incoming    Method
		wantMethod  Method
		wantOutcome coalesceOutcome
		wantTouch   bool
	}{
		{"nil+Put->Post", nil, MethodPut, MethodPost, outcomeWrite, false},
		{"nil+Post->Post", nil, MethodPost, MethodPost, outcomeWrite, false},
		{"nil+Delete->Delete", nil, MethodDelete, MethodDelete, outcomeWrite, false},

		{"Post+Put->Post(touch)", &Entry{Method: MethodPost}, MethodPut, MethodPost, outcomeWrite, true},
		{"Post+Post->Post(touch)", &Entry{Method: MethodPost}, MethodPost, MethodPost, outcomeWrite, true},
		{"Post+Delete->remove", &Entry{Method: MethodPost}, MethodDelete, 0, outcomeRemove, false},

		{"Put+Put->Post", &Entry{Method: MethodPut}, MethodPut, MethodPost, outcomeWrite, false},
		{"Put+Post->Put(touch)", &Entry{Method: MethodPut}, MethodPost, MethodPut, outcomeWrite, true},
		{"Put+Delete->Delete", &Entry{Method: MethodPut}, MethodDelete, MethodDelete, outcomeWrite, false},

		{"Delete+Put->Post", &Entry{Method: MethodDelete}, MethodPut, MethodPost, outcomeWrite, false},
		{"Delete+Post->Post", &Entry{Method: MethodDelete}, MethodPost, MethodPost, outcomeWrite, false},
		{"Delete+Delete->Delete(touch)", &Entry{Method: MethodDelete}, MethodDelete, MethodDelete, outcomeWrite, true},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			gotMethod, gotOutcome, gotTouch := coalesce(tc.existing, tc.incoming)

			if gotOutcome != tc.wantOutcome {
				t.Fatalf("outcome = %v, want %v", gotOutcome, tc.wantOutcome)
			}

			if gotOutcome == outcomeWrite && gotMethod != tc.wantMethod {
				t.Errorf("method = %v, want %v", gotMethod, tc.wantMethod)
			}

			if gotTouch != tc.wantTouch {
				t.Errorf("touch = %v, want %v", gotTouch, tc.wantTouch)
			}
		})
	}
}
