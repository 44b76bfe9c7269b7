package remoteshare

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/paladugu82/hybridshare/internal/binarycache"
	"github.com/paladugu82/hybridshare/internal/contentcache"
	"github.com/paladugu82/hybridshare/internal/errs"
	"github.com/paladugu82/hybridshare/internal/pathkey"
	"github.com/paladugu82/hybridshare/internal/transport"
)

// fakeTransport answers every Submit call from a caller-supplied function,
// letting each test script the wire response without a real HTTP server.
type fakeTransport struct {
	submit func(req transport.Request) (*transport.Response, error)
}

func (f *fakeTransport) Submit(_ context.Context, req transport.Request) (*transport.Response, error) {
	return f.submit(req)
}

func jsonResponse(body string) *transport.Response {
	return &transport.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestShare(t *testing.T, ft *fakeTransport) *Share {
	t.Helper()

	content := contentcache.New(time.Minute, time.Minute, nil)

	binary, err := binarycache.Open(context.Background(), t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("binarycache.Open: %v", err)
	}
	t.Cleanup(func() { binary.Close() })

	return New("https://asset.example.com", BasicCredentials{User: "u", Pass: "p"}, ft, content, binary, 0, nil)
}

func TestExistsTrueForAsset(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{submit: func(transport.Request) (*transport.Response, error) {
		return jsonResponse(`{"class":"asset","properties":{"name":"report.pdf","asset:size":42}}`), nil
	}}

	s := newTestShare(t, ft)

	exists, err := s.Exists(context.Background(), pathkey.New(pathkey.NFC, "/docs/report.pdf"))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if !exists {
		t.Fatalf("Exists = false, want true")
	}
}

func TestExistsFalseOnNotFound(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{submit: func(transport.Request) (*transport.Response, error) {
		return nil, errs.New(errs.KindNotFound, "no such entity")
	}}

	s := newTestShare(t, ft)

	exists, err := s.Exists(context.Background(), pathkey.New(pathkey.NFC, "/docs/missing.pdf"))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if exists {
		t.Fatalf("Exists = true, want false")
	}
}

func TestRenameIssuesMoveWithDestinationDepthAndOverwriteHeaders(t *testing.T) {
	t.Parallel()

	var req transport.Request
	ft := &fakeTransport{submit: func(r transport.Request) (*transport.Response, error) {
		req = r
		return jsonResponse(""), nil
	}}

	s := newTestShare(t, ft)

	oldPath := pathkey.New(pathkey.NFC, "/docs/old")
	newPath := pathkey.New(pathkey.NFC, "/docs/new")

	if err := s.Rename(context.Background(), oldPath, newPath, true); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if req.Method != "MOVE" {
		t.Fatalf("Method = %q, want MOVE", req.Method)
	}
	if req.URL != "https://asset.example.com/docs/old" {
		t.Fatalf("URL = %q, want https://asset.example.com/docs/old", req.URL)
	}
	if dest := req.Headers.Get("X-Destination"); dest != "/docs/new" {
		t.Fatalf("X-Destination = %q, want /docs/new", dest)
	}
	if depth := req.Headers.Get("X-Depth"); depth != "infinity" {
		t.Fatalf("X-Depth = %q, want infinity", depth)
	}
	if overwrite := req.Headers.Get("X-Overwrite"); overwrite != "T" {
		t.Fatalf("X-Overwrite = %q, want T", overwrite)
	}
}

func TestRenameWithoutOverwriteSetsXOverwriteFalse(t *testing.T) {
	t.Parallel()

	var req transport.Request
	ft := &fakeTransport{submit: func(r transport.Request) (*transport.Response, error) {
		req = r
		return jsonResponse(""), nil
	}}

	s := newTestShare(t, ft)

	err := s.Rename(context.Background(),
		pathkey.New(pathkey.NFC, "/docs/old"), pathkey.New(pathkey.NFC, "/docs/new"), false)
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if overwrite := req.Headers.Get("X-Overwrite"); overwrite != "F" {
		t.Fatalf("X-Overwrite = %q, want F", overwrite)
	}
}

func TestRenameRejectsDottedSegment(t *testing.T) {
	t.Parallel()

	s := newTestShare(t, &fakeTransport{submit: func(transport.Request) (*transport.Response, error) {
		t.Fatal("transport should not be called for a rejected dotted path")
		return nil, nil
	}})

	err := s.Rename(context.Background(),
		pathkey.New(pathkey.NFC, "/docs/.hidden"), pathkey.New(pathkey.NFC, "/docs/visible"), false)
	if !errs.Is(err, errs.KindNotSupported) {
		t.Fatalf("err = %v, want KindNotSupported", err)
	}
}

func TestGetContentPopulatesCacheOnDeepFetch(t *testing.T) {
	t.Parallel()

	calls := 0
	ft := &fakeTransport{submit: func(transport.Request) (*transport.Response, error) {
		calls++
		return jsonResponse(`{"class":"folder","properties":{"name":"docs"},"entities":[{"class":"asset","properties":{"name":"a.txt"}}]}`), nil
	}}

	s := newTestShare(t, ft)
	path := pathkey.New(pathkey.NFC, "/docs")

	_, listing, absent, err := s.GetContent(context.Background(), path, true)
	if err != nil || absent {
		t.Fatalf("GetContent: listing=%v absent=%v err=%v", listing, absent, err)
	}

	if len(listing.Names()) != 1 {
		t.Fatalf("listing has %d entries, want 1", len(listing.Names()))
	}

	// Second call must be served from the content cache, not the transport.
	if _, _, _, err := s.GetContent(context.Background(), path, true); err != nil {
		t.Fatalf("second GetContent: %v", err)
	}

	if calls != 1 {
		t.Fatalf("transport invoked %d times, want 1 (second call should hit cache)", calls)
	}
}
