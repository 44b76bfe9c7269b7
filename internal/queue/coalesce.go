package queue

// coalesceOutcome is the effect of running the coalescing matrix against
// an existing entry and an incoming method.
type coalesceOutcome int

const (
	// outcomeWrite means: write an entry with the resulting method. touch
	// reports whether the resulting method equals the prior one (a pure
	// readyAt/enqueuedAt touch, which does not emit itemUpdated).
	outcomeWrite coalesceOutcome = iota
	// outcomeRemove means: the existing entry is dropped and no entry is
	// written — the Post-then-Delete cancellation case, since the item
	// never existed remotely.
	outcomeRemove
)

// coalesce implements the coalescing matrix. existing is nil for the "∅"
// row. Returns the resulting method (meaningless when outcome is
// outcomeRemove) and whether this is a pure touch of an unchanged method.
func coalesce(existing *Entry, incoming Method) (result Method, outcome coalesceOutcome, touch bool) {
	if existing == nil {
		switch incoming {
		case MethodPut:
			return MethodPost, outcomeWrite, false
		case MethodPost:
			return MethodPost, outcomeWrite, false
		case MethodDelete:
			return MethodDelete, outcomeWrite, false
		}
	}

	switch existing.Method {
	case MethodPost:
		switch incoming {
		case MethodPut:
			return MethodPost, outcomeWrite, true
		case MethodPost:
			return MethodPost, outcomeWrite, true
		case MethodDelete:
			// The file was just created and never reached the remote;
			// deleting it locally cancels the pending creation outright.
			return 0, outcomeRemove, false
		}

	case MethodPut:
		switch incoming {
		case MethodPut:
			return MethodPost, outcomeWrite, false
		case MethodPost:
			return MethodPut, outcomeWrite, true
		case MethodDelete:
			return MethodDelete, outcomeWrite, false
		}

	case MethodDelete:
		switch incoming {
		case MethodPut:
			// Recreate-after-delete: the remote resource still exists, so
			// this becomes a plain creation request, not an update.
			return MethodPost, outcomeWrite, false
		case MethodPost:
			return MethodPost, outcomeWrite, false
		case MethodDelete:
			return MethodDelete, outcomeWrite, true
		}
	}

	return incoming, outcomeWrite, false
}
