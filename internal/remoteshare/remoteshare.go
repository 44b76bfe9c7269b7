package remoteshare

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paladugu82/hybridshare/internal/binarycache"
	"github.com/paladugu82/hybridshare/internal/contentcache"
	"github.com/paladugu82/hybridshare/internal/errs"
	"github.com/paladugu82/hybridshare/internal/model"
	"github.com/paladugu82/hybridshare/internal/pathkey"
	"github.com/paladugu82/hybridshare/internal/transport"
)

// Credentials supplies the Authorization header value for every request:
// either a basic {user,pass} pair or a bearer token. The Share holds the
// value given at construction and calls AuthHeader for each request.
type Credentials interface {
	AuthHeader() string
}

// BasicCredentials implements HTTP basic auth.
type BasicCredentials struct {
	User, Pass string
}

func (c BasicCredentials) AuthHeader() string {
	raw := c.User + ":" + c.Pass
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// BearerCredentials implements bearer-token auth.
type BearerCredentials struct {
	Token string
}

func (c BearerCredentials) AuthHeader() string {
	return "Bearer " + c.Token
}

// Notifier receives mutation-driven sync events. HybridTree's processor
// wraps bus.Bus to satisfy this without remoteshare depending on the bus
// package directly.
type Notifier interface {
	SyncFileStart(path, method string)
	SyncFileProgress(path string, read, total int64, rate float64, elapsed time.Duration)
	SyncFileEnd(path, method string)
	SyncFileErr(path string, err error, immediateFail bool)
	SyncFileAbort(path string)
	DownloadStart(path string)
	DownloadProgress(path string, read, total int64, rate float64, elapsed time.Duration)
	DownloadEnd(path string)
	DownloadErr(path string, err error)
}

type noopNotifier struct{}

func (noopNotifier) SyncFileStart(string, string)                             {}
func (noopNotifier) SyncFileProgress(string, int64, int64, float64, time.Duration) {}
func (noopNotifier) SyncFileEnd(string, string)                              {}
func (noopNotifier) SyncFileErr(string, error, bool)                         {}
func (noopNotifier) SyncFileAbort(string)                                    {}
func (noopNotifier) DownloadStart(string)                                    {}
func (noopNotifier) DownloadProgress(string, int64, int64, float64, time.Duration) {}
func (noopNotifier) DownloadEnd(string)                                      {}
func (noopNotifier) DownloadErr(string, error)                               {}

// Share is the RemoteShare (C7): metadata/entity/binary operations against
// the remote asset API, composing Transport (C3), ContentCache (C4), and
// BinaryCache (C5).
type Share struct {
	baseURL     string
	creds       Credentials
	transport   transport.Transport
	content     *contentcache.Cache
	binary      *binarycache.Cache
	chunkSize   int64
	logger      *slog.Logger
	notifier    Notifier
}

// Option configures a Share.
type Option func(*Share)

func WithNotifier(n Notifier) Option {
	return func(s *Share) { s.notifier = n }
}

// New creates a Share against baseURL, chunking uploads larger than
// chunkUploadSize (default 10 MiB).
func New(
	baseURL string, creds Credentials, t transport.Transport,
	content *contentcache.Cache, binary *binarycache.Cache,
	chunkUploadSize int64, logger *slog.Logger, opts ...Option,
) *Share {
	if logger == nil {
		logger = slog.Default()
	}

	if chunkUploadSize <= 0 {
		chunkUploadSize = 10 * 1024 * 1024
	}

	s := &Share{
		baseURL:   strings.TrimRight(baseURL, "/"),
		creds:     creds,
		transport: t,
		content:   content,
		binary:    binary,
		chunkSize: chunkUploadSize,
		logger:    logger,
		notifier:  noopNotifier{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Share) url(path pathkey.Key, suffix string, query url.Values) string {
	u := s.baseURL + path.String() + suffix
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return u
}

func (s *Share) authHeaders() http.Header {
	h := http.Header{}
	if s.creds != nil {
		h.Set("Authorization", s.creds.AuthHeader())
	}

	return h
}

// GetContent consults ContentCache; on miss issues a depth-1 (deep) or
// depth-0 metadata fetch. A 404 returns absent=true rather than an error.
func (s *Share) GetContent(ctx context.Context, path pathkey.Key, deep bool) (meta model.EntityMetadata, listing model.DirectoryListing, absent bool, err error) {
	if deep {
		if l, ok := s.content.GetListing(path); ok {
			return model.EntityMetadata{}, l, false, nil
		}
	} else {
		if m, ok := s.content.GetMetadata(path); ok {
			return m, model.DirectoryListing{}, false, nil
		}
	}

	intent := intentEntityInfo
	if deep {
		intent = intentFolderList
	}

	q := url.Values{"limit": {"9999"}, "showProperty": {"*"}}
	headers := s.authHeaders()
	headers.Set("X-Intent", intent)

	resp, err := s.transport.Submit(ctx, transport.Request{
		URL:             s.url(path, ".json", q),
		Method:          http.MethodGet,
		Headers:         headers,
		FollowRedirects: true,
	})
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return model.EntityMetadata{}, model.DirectoryListing{}, true, nil
		}

		return model.EntityMetadata{}, model.DirectoryListing{}, false, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return model.EntityMetadata{}, model.DirectoryListing{}, false, errs.Wrap(errs.KindIO, path.String(), "reading metadata response", readErr)
	}

	entity, decodeErr := decodeEntity(body)
	if decodeErr != nil {
		return model.EntityMetadata{}, model.DirectoryListing{}, false, errs.Wrap(errs.KindRemoteError, path.String(), "decoding metadata response", decodeErr)
	}

	if deep {
		listing = entity.toListing()
		s.content.PutListing(path, listing)

		return model.EntityMetadata{}, listing, false, nil
	}

	meta = entity.toMetadata()
	s.content.PutMetadata(path, meta)

	return meta, model.DirectoryListing{}, false, nil
}

// Exists reports whether path exists remotely, for callers
// (HybridTree.exists) that only need a boolean. It goes through GetContent's
// depth-0 entityInfo fetch, so a fetched result is stored in the content
// cache.
func (s *Share) Exists(ctx context.Context, path pathkey.Key) (bool, error) {
	_, _, absent, err := s.GetContent(ctx, path, false)
	if err != nil {
		return false, err
	}

	return !absent, nil
}

// FetchBinary checks out the binary cache entry for path, streaming the
// body on a miss.
func (s *Share) FetchBinary(ctx context.Context, path pathkey.Key, remoteLastModified time.Time) (string, error) {
	return s.binary.Checkout(ctx, path.String(), remoteLastModified, func(ctx context.Context) (io.ReadCloser, time.Time, error) {
		s.notifier.DownloadStart(path.String())

		start := time.Now()
		resp, err := s.transport.Submit(ctx, transport.Request{
			URL:     s.url(path, "", nil),
			Method:  http.MethodGet,
			Headers: s.authHeaders(),
			OnProgress: func(read, total int64, elapsed time.Duration) {
				rate := float64(read) / elapsed.Seconds()
				s.notifier.DownloadProgress(path.String(), read, total, rate, elapsed)
			},
			FollowRedirects: true,
		})
		if err != nil {
			s.notifier.DownloadErr(path.String(), err)
			return nil, time.Time{}, err
		}

		lastModified := remoteLastModified
		if lm := resp.Headers.Get("Last-Modified"); lm != "" {
			if t, parseErr := time.Parse(http.TimeFormat, lm); parseErr == nil {
				lastModified = t
			}
		}

		_ = start

		return &downloadEndReporter{ReadCloser: resp.Body, path: path.String(), notifier: s.notifier}, lastModified, nil
	})
}

type downloadEndReporter struct {
	io.ReadCloser
	path     string
	notifier Notifier
}

func (r *downloadEndReporter) Close() error {
	err := r.ReadCloser.Close()
	r.notifier.DownloadEnd(r.path)

	return err
}

// TouchBinary updates the BinaryCache entry for path without
// re-downloading. Called by the processor after a successful upload.
func (s *Share) TouchBinary(ctx context.Context, path pathkey.Key, newLastModified time.Time) error {
	return s.binary.Touch(ctx, path.String(), newLastModified)
}

// CreateFolder issues an MKCOL request to create a remote folder.
func (s *Share) CreateFolder(ctx context.Context, path pathkey.Key) error {
	if path.HasDottedSegment() {
		return errs.Newf(errs.KindNotSupported, "dotted path segment in %s", path.String())
	}

	body := fmt.Sprintf(`{"properties":{"title":%q}}`, path.Name())

	headers := s.authHeaders()
	headers.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.transport.Submit(ctx, transport.Request{
		URL:     s.url(path, "", nil),
		Method:  "MKCOL",
		Headers: headers,
		Body:    transport.NewBytesSource([]byte(body)),
	})
	if err != nil {
		return err
	}
	resp.Body.Close()

	s.content.Invalidate(path.Parent(), false)

	return nil
}

// uploadChunk is one ordered piece of a createasset.html POST.
type uploadChunk struct {
	data       []byte
	offset     int64
	totalSize  int64
	isFirst    bool
	isLast     bool
}

// CreateOrUpdateFile creates or replaces a remote file. Uploads larger than
// chunkSize are split into ordered chunks delivered sequentially; only the
// first chunk carries the session-establishing x-chunked-* headers.
// replace=true sets replaceAsset=true (update semantics).
func (s *Share) CreateOrUpdateFile(ctx context.Context, path pathkey.Key, r io.Reader, size int64, replace bool) error {
	if path.HasDottedSegment() {
		return errs.Newf(errs.KindNotSupported, "dotted path segment in %s", path.String())
	}

	s.notifier.SyncFileStart(path.String(), chooseMethod(replace))

	var sent int64

	for sent < size || (size == 0 && sent == 0) {
		remaining := size - sent
		chunkLen := s.chunkSize
		if remaining > 0 && chunkLen > remaining {
			chunkLen = remaining
		}

		buf := make([]byte, chunkLen)
		n, readErr := io.ReadFull(r, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			s.notifier.SyncFileErr(path.String(), readErr, false)
			return errs.Wrap(errs.KindIO, path.String(), "reading upload source", readErr)
		}

		chunk := uploadChunk{
			data:      buf[:n],
			offset:    sent,
			totalSize: size,
			isFirst:   sent == 0,
			isLast:    sent+int64(n) >= size,
		}

		if err := s.submitChunk(ctx, path, chunk, replace); err != nil {
			s.notifier.SyncFileErr(path.String(), err, false)
			return err
		}

		sent += int64(n)

		s.notifier.SyncFileProgress(path.String(), sent, size, 0, 0)

		if n == 0 {
			break
		}
	}

	s.content.Invalidate(path.Parent(), false)
	s.notifier.SyncFileEnd(path.String(), chooseMethod(replace))

	return nil
}

func chooseMethod(replace bool) string {
	if replace {
		return "PUT"
	}

	return "POST"
}

func (s *Share) submitChunk(ctx context.Context, path pathkey.Key, chunk uploadChunk, replace bool) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("file@Length", strconv.FormatInt(int64(len(chunk.data)), 10)); err != nil {
		return fmt.Errorf("remoteshare: writing form field: %w", err)
	}

	if err := w.WriteField("chunk@Length", strconv.FormatInt(chunk.totalSize, 10)); err != nil {
		return fmt.Errorf("remoteshare: writing form field: %w", err)
	}

	if !chunk.isFirst || !chunk.isLast {
		if err := w.WriteField("file@Offset", strconv.FormatInt(chunk.offset, 10)); err != nil {
			return fmt.Errorf("remoteshare: writing form field: %w", err)
		}
	}

	if chunk.isLast {
		if err := w.WriteField("file@Completed", "true"); err != nil {
			return fmt.Errorf("remoteshare: writing form field: %w", err)
		}
	}

	if replace {
		if err := w.WriteField("replaceAsset", "true"); err != nil {
			return fmt.Errorf("remoteshare: writing form field: %w", err)
		}
	}

	part, err := w.CreateFormFile("file", path.Name())
	if err != nil {
		return fmt.Errorf("remoteshare: creating form file part: %w", err)
	}

	if _, err := part.Write(chunk.data); err != nil {
		return fmt.Errorf("remoteshare: writing chunk body: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("remoteshare: closing multipart writer: %w", err)
	}

	headers := s.authHeaders()
	headers.Set("Content-Type", w.FormDataContentType())

	if chunk.isFirst {
		headers.Set("x-chunked-content-type", "application/octet-stream")
		headers.Set("x-chunked-total-size", strconv.FormatInt(chunk.totalSize, 10))
	}

	resp, err := s.transport.Submit(ctx, transport.Request{
		URL:     s.url(path.Parent(), ".createasset.html", nil),
		Method:  http.MethodPost,
		Headers: headers,
		Body:    transport.NewBytesSource(buf.Bytes()),
	})
	if err != nil {
		return err
	}
	resp.Body.Close()

	return nil
}

// Delete issues a POST to bin/wcmcommand to remove path.
func (s *Share) Delete(ctx context.Context, path pathkey.Key) error {
	if path.HasDottedSegment() {
		return errs.Newf(errs.KindNotSupported, "dotted path segment in %s", path.String())
	}

	form := url.Values{
		"cmd":       {"deletePage"},
		"path":      {path.String()},
		"force":     {"true"},
		"_charset_": {"utf-8"},
	}

	headers := s.authHeaders()
	headers.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.transport.Submit(ctx, transport.Request{
		URL:     s.baseURL + "/bin/wcmcommand",
		Method:  http.MethodPost,
		Headers: headers,
		Body:    transport.NewBytesSource([]byte(form.Encode())),
	})
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			// Already gone remotely; deletion is idempotent.
			s.content.Invalidate(path.Parent(), false)
			return nil
		}

		return err
	}
	resp.Body.Close()

	s.content.Invalidate(path, true)
	s.content.Invalidate(path.Parent(), false)

	return nil
}

// Rename issues a MOVE with X-Destination/X-Depth/X-Overwrite headers.
func (s *Share) Rename(ctx context.Context, oldPath, newPath pathkey.Key, overwrite bool) error {
	if oldPath.HasDottedSegment() || newPath.HasDottedSegment() {
		return errs.Newf(errs.KindNotSupported, "dotted path segment in rename %s -> %s", oldPath.String(), newPath.String())
	}

	headers := s.authHeaders()
	headers.Set("X-Destination", newPath.String())
	headers.Set("X-Depth", "infinity")

	overwriteFlag := "F"
	if overwrite {
		overwriteFlag = "T"
	}

	headers.Set("X-Overwrite", overwriteFlag)

	resp, err := s.transport.Submit(ctx, transport.Request{
		URL:     s.url(oldPath, "", nil),
		Method:  "MOVE",
		Headers: headers,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()

	s.content.Invalidate(oldPath, true)
	s.content.Invalidate(oldPath.Parent(), false)
	s.content.Invalidate(newPath.Parent(), false)

	return nil
}
