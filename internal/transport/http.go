package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/paladugu82/hybridshare/internal/errs"
)

// Retry tuning: base 1s, factor 2x, max 60s, ±25% jitter.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// NetworkObserver receives edge-triggered connectivity transitions. ShareBus
// implements this; transport depends only on the interface to avoid an
// import cycle.
type NetworkObserver interface {
	NetworkLoss()
	NetworkRestored()
}

type noopObserver struct{}

func (noopObserver) NetworkLoss()     {}
func (noopObserver) NetworkRestored() {}

// HTTPTransport is the production Transport implementation.
type HTTPTransport struct {
	client   *http.Client
	logger   *slog.Logger
	observer NetworkObserver

	sockets  chan struct{}  // semaphore bounding concurrent in-flight requests (maxSockets)
	limiter  *rate.Limiter  // optional requests-per-second ceiling

	mu              sync.Mutex
	lossed          bool // true once NetworkLoss has fired and no NetworkRestored since
	lastRestoredAt  time.Time
	restoreInterval time.Duration // minimum spacing between NetworkRestored emissions
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithObserver attaches a NetworkObserver for loss/restored events.
func WithObserver(o NetworkObserver) Option {
	return func(t *HTTPTransport) { t.observer = o }
}

// WithRequestsPerSecond caps outbound request rate; rps <= 0 disables the
// limiter.
func WithRequestsPerSecond(rps int) Option {
	return func(t *HTTPTransport) {
		if rps > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}

// WithRestoreInterval sets the minimum spacing between NetworkRestored
// emissions (edge-triggered, rate-limited).
func WithRestoreInterval(d time.Duration) Option {
	return func(t *HTTPTransport) { t.restoreInterval = d }
}

// NewHTTPTransport creates an HTTPTransport. maxSockets bounds concurrent
// in-flight requests.
func NewHTTPTransport(maxSockets int, logger *slog.Logger, opts ...Option) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}

	if maxSockets <= 0 {
		maxSockets = 32
	}

	t := &HTTPTransport{
		client:          &http.Client{},
		logger:          logger,
		observer:        noopObserver{},
		sockets:         make(chan struct{}, maxSockets),
		restoreInterval: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Submit executes req with retry on 5xx (except 500) and transport errors.
// ctx cancellation aborts the in-flight attempt.
func (t *HTTPTransport) Submit(ctx context.Context, req Request) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, errs.Wrap(errs.KindAborted, req.URL, "rate limiter wait", err)
		}
	}

	select {
	case t.sockets <- struct{}{}:
		defer func() { <-t.sockets }()
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindAborted, req.URL, "waiting for free socket", ctx.Err())
	}

	var lastErr error

	resettable, bodyIsResettable := req.Body.(Resettable)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if req.Body != nil && !bodyIsResettable {
				// Already sent a non-replayable body once; further retries
				// would transmit a truncated or empty payload.
				return nil, errs.Wrap(errs.KindNetwork, req.URL, "cannot retry: request body already consumed", lastErr)
			}

			if bodyIsResettable {
				resettable.Reset()
			}

			backoff := computeBackoff(attempt - 1)

			t.logger.Warn("retrying request",
				slog.String("method", req.Method),
				slog.String("url", req.URL),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
			)

			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, errs.Wrap(errs.KindAborted, req.URL, "cancelled during backoff", err)
			}
		}

		resp, err := t.doOnce(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errs.Wrap(errs.KindAborted, req.URL, "request cancelled", ctx.Err())
			}

			lastErr = err
			t.signalLoss()

			if attempt < maxRetries {
				continue
			}

			return nil, errs.Wrap(errs.KindNetwork, req.URL, "transport error after retries", lastErr)
		}

		classified := classify(resp.StatusCode)
		if classified == nil {
			t.signalRestored()
			return resp, nil
		}

		if errs.Is(classified, errs.KindNetwork) {
			resp.Body.Close()
			t.signalLoss()
			lastErr = classified

			if attempt < maxRetries {
				continue
			}

			return nil, classified
		}

		t.signalRestored() // any non-network terminal response (even 4xx) means the wire is up
		resp.Body.Close()

		return nil, classified
	}

	return nil, errs.Wrap(errs.KindNetwork, req.URL, "exhausted retries", lastErr)
}

func (t *HTTPTransport) doOnce(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: building request: %w", err)
	}

	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	if req.Body != nil && req.Body.Len() > 0 {
		httpReq.ContentLength = req.Body.Len()
	}

	client := t.client
	if req.Timeout > 0 {
		c := *t.client
		c.Timeout = req.Timeout
		client = &c
	}

	if !req.FollowRedirects {
		client2 := *client
		client2.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &client2
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	body := resp.Body
	if req.OnProgress != nil {
		total := resp.ContentLength
		body = &progressReader{inner: resp.Body, total: total, onProgress: req.OnProgress, start: time.Now()}
	}

	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

// classify maps a status code to an *errs.Error, or nil for success
// (2xx/3xx). 500 is RemoteError (non-recoverable); other 5xx are Network
// (retryable).
func classify(status int) error {
	switch {
	case status >= 200 && status < 400:
		return nil
	case status == http.StatusLocked:
		return errs.Newf(errs.KindAccessDenied, "HTTP %d locked", status)
	case status == http.StatusNotFound:
		return errs.Newf(errs.KindNotFound, "HTTP %d", status)
	case status == http.StatusConflict:
		return errs.Newf(errs.KindConflict, "HTTP %d", status)
	case status == http.StatusInternalServerError:
		return errs.Newf(errs.KindRemoteError, "HTTP %d", status)
	case status >= 500:
		return errs.Newf(errs.KindNetwork, "HTTP %d", status)
	default:
		return errs.Newf(errs.KindRemoteError, "HTTP %d", status)
	}
}

func computeBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1)

	return time.Duration(backoff + jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *HTTPTransport) signalLoss() {
	t.mu.Lock()
	already := t.lossed
	t.lossed = true
	t.mu.Unlock()

	if !already {
		t.observer.NetworkLoss()
	}
}

func (t *HTTPTransport) signalRestored() {
	t.mu.Lock()
	wasLost := t.lossed
	due := time.Since(t.lastRestoredAt) >= t.restoreInterval

	if wasLost && due {
		t.lossed = false
		t.lastRestoredAt = time.Now()
	}

	shouldEmit := wasLost && due
	t.mu.Unlock()

	if shouldEmit {
		t.observer.NetworkRestored()
	}
}

// progressReader wraps a response body, invoking OnProgress as bytes are
// consumed by the caller.
type progressReader struct {
	inner      interface {
		Read([]byte) (int, error)
		Close() error
	}
	total      int64
	read       int64
	onProgress ProgressFunc
	start      time.Time
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.inner.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.onProgress(p.read, p.total, time.Since(p.start))
	}

	return n, err
}

func (p *progressReader) Close() error { return p.inner.Close() }
