// Package bus implements a process-scoped event emitter other components
// publish to and external consumers (a file-access front end, cmd/cachectl,
// an optional dashboard relay) subscribe to.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/paladugu82/hybridshare/internal/queue"
)

// Event is the common envelope for every bus event.
type Event struct {
	Name      string
	Path      string
	Method    string
	Read      int64
	Total     int64
	Rate      float64
	Elapsed   time.Duration
	Paths     []string
	Removed   bool
	Forced    bool
	Bytes     int64
	Timestamp time.Time
}

// Event names.
const (
	SyncFileStart    = "syncFileStart"
	SyncFileProgress = "syncFileProgress"
	SyncFileEnd      = "syncFileEnd"
	SyncFileErr      = "syncFileErr"
	SyncFileAbort    = "syncFileAbort"
	DownloadStart    = "downloadStart"
	DownloadProgress = "downloadProgress"
	DownloadEnd      = "downloadEnd"
	DownloadErr      = "downloadErr"
	DownloadAbort    = "downloadAbort"
	LongDownload     = "longDownload"
	SyncConflict     = "syncConflict"
	SyncPurged       = "syncPurged"
	QueueChanged     = "queueChanged"
	ItemUpdated      = "itemUpdated"
	RequestChanged   = "requestChanged"
	PathUpdated      = "pathUpdated"
	NetworkLoss      = "networkLoss"
	NetworkRestored  = "networkRestored"
	CacheSize        = "cacheSize"
)

// Subscriber receives every event published on the Bus. Implementations
// must not block for long — Publish calls subscribers synchronously and
// holds no lock while doing so, but a slow subscriber still delays the
// publisher.
type Subscriber func(Event)

// Bus is the ShareBus: a simple synchronous pub/sub with per-(name,path)
// rate limiting for high-frequency events (progress, longDownload).
type Bus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers []Subscriber

	limiter *EventRateLimiter
}

// New creates a Bus. limiter may be nil to disable rate limiting.
func New(logger *slog.Logger, limiter *EventRateLimiter) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{logger: logger, limiter: limiter}
}

// Subscribe registers s to receive all future events. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(s Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := len(b.subscribers)
	b.subscribers = append(b.subscribers, s)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if idx < len(b.subscribers) {
			b.subscribers[idx] = nil
		}
	}
}

// Publish emits ev to every subscriber, subject to rate limiting keyed on
// (ev.Name, ev.Path).
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if b.limiter != nil && !b.limiter.Allow(ev.Name, ev.Path) {
		return
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		if s != nil {
			s(ev)
		}
	}
}

// --- queue.Notifier adapter ---

// ItemUpdated implements queue.Notifier.
func (b *Bus) ItemUpdated(parentPath, name string) {
	b.Publish(Event{Name: ItemUpdated, Path: joinPath(parentPath, name)})
}

// QueueChanged implements queue.Notifier.
func (b *Bus) QueueChanged() {
	b.Publish(Event{Name: QueueChanged})
}

// RequestChanged implements queue.Notifier.
func (b *Bus) RequestChanged(parentPath, name string, removed bool) {
	b.Publish(Event{Name: RequestChanged, Path: joinPath(parentPath, name), Removed: removed})
}

// Purged implements queue.Notifier.
func (b *Bus) Purged(entries []queue.Entry) {
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = joinPath(e.ParentPath, e.Name)
	}

	b.Publish(Event{Name: SyncPurged, Paths: paths})
}

// --- hybridtree.Notifier adapter ---

// SyncConflict implements hybridtree.Notifier.
func (b *Bus) SyncConflict(path string) {
	b.Publish(Event{Name: SyncConflict, Path: path})
}

// PathUpdated implements hybridtree.Notifier and processor.Notifier.
func (b *Bus) PathUpdated(prefix string) {
	b.Publish(Event{Name: PathUpdated, Path: prefix})
}

// --- remoteshare.Notifier adapter ---

// SyncFileStart implements remoteshare.Notifier.
func (b *Bus) SyncFileStart(path, method string) {
	b.Publish(Event{Name: SyncFileStart, Path: path, Method: method})
}

// SyncFileProgress implements remoteshare.Notifier.
func (b *Bus) SyncFileProgress(path string, read, total int64, rate float64, elapsed time.Duration) {
	b.Publish(Event{Name: SyncFileProgress, Path: path, Read: read, Total: total, Rate: rate, Elapsed: elapsed})
}

// SyncFileEnd implements remoteshare.Notifier.
func (b *Bus) SyncFileEnd(path, method string) {
	b.Publish(Event{Name: SyncFileEnd, Path: path, Method: method})
}

// SyncFileErr implements remoteshare.Notifier.
func (b *Bus) SyncFileErr(path string, _ error, immediateFail bool) {
	b.Publish(Event{Name: SyncFileErr, Path: path, Forced: immediateFail})
}

// SyncFileAbort implements remoteshare.Notifier.
func (b *Bus) SyncFileAbort(path string) {
	b.Publish(Event{Name: SyncFileAbort, Path: path})
}

// DownloadStart implements remoteshare.Notifier.
func (b *Bus) DownloadStart(path string) {
	b.Publish(Event{Name: DownloadStart, Path: path})
}

// DownloadProgress implements remoteshare.Notifier. Events past the
// longDownload threshold (3s elapsed) are additionally published under
// LongDownload, rate-limited to once per 30s by the configured limiter.
func (b *Bus) DownloadProgress(path string, read, total int64, rate float64, elapsed time.Duration) {
	b.Publish(Event{Name: DownloadProgress, Path: path, Read: read, Total: total, Rate: rate, Elapsed: elapsed})

	if elapsed >= 3*time.Second {
		b.logger.Debug("long download", slog.String("path", path), slog.String("progress", FormatProgress(read, total, rate)))
		b.Publish(Event{Name: LongDownload, Path: path, Read: read, Total: total, Rate: rate, Elapsed: elapsed})
	}
}

// DownloadEnd implements remoteshare.Notifier.
func (b *Bus) DownloadEnd(path string) {
	b.Publish(Event{Name: DownloadEnd, Path: path})
}

// DownloadErr implements remoteshare.Notifier.
func (b *Bus) DownloadErr(path string, _ error) {
	b.Publish(Event{Name: DownloadErr, Path: path})
}

// --- transport.NetworkObserver adapter ---

// NetworkLoss implements transport.NetworkObserver.
func (b *Bus) NetworkLoss() {
	b.Publish(Event{Name: NetworkLoss})
}

// NetworkRestored implements transport.NetworkObserver.
func (b *Bus) NetworkRestored() {
	b.Publish(Event{Name: NetworkRestored})
}

func joinPath(parentPath, name string) string {
	if parentPath == "" || parentPath == "/" {
		return "/" + name
	}

	return parentPath + "/" + name
}
