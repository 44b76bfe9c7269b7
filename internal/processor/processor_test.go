package processor

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paladugu82/hybridshare/internal/binarycache"
	"github.com/paladugu82/hybridshare/internal/bus"
	"github.com/paladugu82/hybridshare/internal/contentcache"
	"github.com/paladugu82/hybridshare/internal/errs"
	"github.com/paladugu82/hybridshare/internal/localstore"
	"github.com/paladugu82/hybridshare/internal/pathkey"
	"github.com/paladugu82/hybridshare/internal/queue"
	"github.com/paladugu82/hybridshare/internal/remoteshare"
	"github.com/paladugu82/hybridshare/internal/transport"
)

type fakeTransport struct {
	submit func(req transport.Request) (*transport.Response, error)
}

func (f *fakeTransport) Submit(_ context.Context, req transport.Request) (*transport.Response, error) {
	return f.submit(req)
}

func newShareAlwaysExists(t *testing.T, exists bool) *remoteshare.Share {
	t.Helper()

	ft := &fakeTransport{submit: func(transport.Request) (*transport.Response, error) {
		if !exists {
			return nil, errs.New(errs.KindNotFound, "no such entity")
		}

		return &transport.Response{
			StatusCode: http.StatusOK,
			Headers:    http.Header{},
			Body:       io.NopCloser(strings.NewReader(`{"class":"asset","properties":{"name":"x"}}`)),
		}, nil
	}}

	content := contentcache.New(time.Minute, time.Minute, nil)

	binary, err := binarycache.Open(context.Background(), t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("binarycache.Open: %v", err)
	}
	t.Cleanup(func() { binary.Close() })

	return remoteshare.New("https://asset.example.com", remoteshare.BasicCredentials{User: "u", Pass: "p"}, ft, content, binary, 0, nil)
}

func newTestProcessor(t *testing.T, remote *remoteshare.Share) *Processor {
	t.Helper()

	b := bus.New(nil, nil)

	q, err := queue.Open(context.Background(), t.TempDir()+"/queue.db", b, nil)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	p := New(q, nil, remote, b, pathkey.NFC, nil, Config{MaxRetries: 3, RetryDelay: time.Second, Frequency: time.Second})
	t.Cleanup(p.Stop)

	return p
}

func TestReconcilePutAgainstMissingBecomesPost(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, newShareAlwaysExists(t, false))

	method, err := p.reconcileMethod(context.Background(), pathkey.New(pathkey.NFC, "/a/new.txt"), queue.MethodPut)
	if err != nil {
		t.Fatalf("reconcileMethod: %v", err)
	}

	if method != reconciledPost {
		t.Fatalf("method = %v, want reconciledPost", method)
	}
}

func TestReconcilePostAgainstExistingBecomesPut(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, newShareAlwaysExists(t, true))

	method, err := p.reconcileMethod(context.Background(), pathkey.New(pathkey.NFC, "/a/existing.txt"), queue.MethodPost)
	if err != nil {
		t.Fatalf("reconcileMethod: %v", err)
	}

	if method != reconciledPut {
		t.Fatalf("method = %v, want reconciledPut", method)
	}
}

func TestReconcileDeleteAgainstMissingBecomesNoop(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, newShareAlwaysExists(t, false))

	method, err := p.reconcileMethod(context.Background(), pathkey.New(pathkey.NFC, "/a/gone.txt"), queue.MethodDelete)
	if err != nil {
		t.Fatalf("reconcileMethod: %v", err)
	}

	if method != reconciledNoop {
		t.Fatalf("method = %v, want reconciledNoop", method)
	}
}

// abortingTransport answers the existence GET with a 404 (the remote never
// has the file) and blocks the first upload POST on ctx so the test can
// trigger a mid-upload abort; every later upload POST succeeds immediately.
type abortingTransport struct {
	mu      sync.Mutex
	uploads int

	started chan struct{}
	once    sync.Once
}

func (f *abortingTransport) Submit(ctx context.Context, req transport.Request) (*transport.Response, error) {
	if req.Method == http.MethodGet {
		return nil, errs.New(errs.KindNotFound, "no such entity")
	}

	f.mu.Lock()
	f.uploads++
	first := f.uploads == 1
	f.mu.Unlock()

	if !first {
		return &transport.Response{
			StatusCode: http.StatusOK,
			Headers:    http.Header{},
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	}

	f.once.Do(func() { close(f.started) })

	<-ctx.Done()

	return nil, errs.Wrap(errs.KindAborted, req.URL, "upload cancelled", ctx.Err())
}

func TestProcessAbortsMidUploadOnMutationAndRetriesWithNewBytes(t *testing.T) {
	t.Parallel()

	ft := &abortingTransport{started: make(chan struct{})}

	content := contentcache.New(time.Minute, time.Minute, nil)
	binary, err := binarycache.Open(context.Background(), t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("binarycache.Open: %v", err)
	}
	t.Cleanup(func() { binary.Close() })

	remote := remoteshare.New("https://asset.example.com", remoteshare.BasicCredentials{User: "u", Pass: "p"}, ft, content, binary, 0, nil)

	local, err := localstore.NewDiskStore(t.TempDir(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("localstore.NewDiskStore: %v", err)
	}

	ctx := context.Background()
	remotePath := pathkey.New(pathkey.NFC, "/e.bin")

	if err := local.CreateFile(ctx, remotePath); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	if err := writeLocalFile(ctx, local, remotePath, "original bytes"); err != nil {
		t.Fatalf("writing initial bytes: %v", err)
	}

	var evMu sync.Mutex
	var events []bus.Event

	b := bus.New(nil, nil)
	b.Subscribe(func(ev bus.Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})

	q, err := queue.Open(ctx, t.TempDir()+"/queue.db", b, nil)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	if err := q.Enqueue(ctx, queue.Mutation{
		Method: queue.MethodPost, ParentPath: "/", Name: "e.bin",
		LocalPrefix: "/", RemotePrefix: "/",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	entry, err := q.Lookup(ctx, "/", "e.bin")
	if err != nil || entry == nil {
		t.Fatalf("Lookup: entry=%+v err=%v", entry, err)
	}

	p := New(q, local, remote, b, pathkey.NFC, nil, Config{MaxRetries: 3, RetryDelay: time.Millisecond, Frequency: time.Second})
	t.Cleanup(p.Stop)

	done := make(chan struct{})
	go func() {
		p.process(ctx, *entry)
		close(done)
	}()

	select {
	case <-ft.started:
	case <-time.After(2 * time.Second):
		t.Fatal("upload never started")
	}

	b.ItemUpdated("/", "e.bin")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process did not return after the aborting mutation")
	}

	evMu.Lock()
	sawAbort := false
	for _, ev := range events {
		if ev.Name == bus.SyncFileAbort && ev.Path == "/e.bin" {
			sawAbort = true
		}
	}
	evMu.Unlock()

	if !sawAbort {
		t.Fatal("expected a syncFileAbort event for /e.bin")
	}

	retained, err := q.Lookup(ctx, "/", "e.bin")
	if err != nil || retained == nil {
		t.Fatalf("Lookup after abort: entry=%+v err=%v; entry must be retained, not dropped", retained, err)
	}

	if retained.Retries != 1 {
		t.Fatalf("Retries = %d, want 1", retained.Retries)
	}

	if !retained.ReadyAt.After(entry.ReadyAt) {
		t.Fatalf("ReadyAt = %v, want later than original %v", retained.ReadyAt, entry.ReadyAt)
	}

	if err := writeLocalFile(ctx, local, remotePath, "new bytes after retry"); err != nil {
		t.Fatalf("writing retry bytes: %v", err)
	}

	p.process(ctx, *retained)

	evMu.Lock()
	sawEnd := false
	for _, ev := range events {
		if ev.Name == bus.SyncFileEnd && ev.Path == "/e.bin" {
			sawEnd = true
		}
	}
	evMu.Unlock()

	if !sawEnd {
		t.Fatal("expected a syncFileEnd event for /e.bin after the retried upload")
	}

	if completed, err := q.Lookup(ctx, "/", "e.bin"); err != nil || completed != nil {
		t.Fatalf("Lookup after retry: entry=%+v err=%v; entry must be completed", completed, err)
	}

	if ft.uploads != 2 {
		t.Fatalf("uploads = %d, want 2 (abort attempt + retried attempt)", ft.uploads)
	}
}

func writeLocalFile(ctx context.Context, local localstore.Store, path pathkey.Key, contents string) error {
	f, err := local.Open(ctx, path, localstore.Truncate)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write([]byte(contents))
	return err
}

func TestPathUnder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path, prefix string
		want         bool
	}{
		{"/a/b.txt", "/a/b.txt", true},
		{"/a/b.txt", "/a", true},
		{"/a/b.txt", "/", true},
		{"/ab.txt", "/a", false},
		{"/a/b.txt", "/c", false},
	}

	for _, c := range cases {
		if got := pathUnder(c.path, c.prefix); got != c.want {
			t.Errorf("pathUnder(%q, %q) = %v, want %v", c.path, c.prefix, got, c.want)
		}
	}
}
