// Package processor implements the long-running loop that drains the
// request queue against the remote share, with abort-on-mutation, retry,
// and purge semantics.
package processor

import (
	"context"
	"log/slog"
	"mime"
	"path/filepath"
	"sync"
	"time"

	"github.com/paladugu82/hybridshare/internal/bus"
	"github.com/paladugu82/hybridshare/internal/errs"
	"github.com/paladugu82/hybridshare/internal/localstore"
	"github.com/paladugu82/hybridshare/internal/pathkey"
	"github.com/paladugu82/hybridshare/internal/queue"
	"github.com/paladugu82/hybridshare/internal/remoteshare"
)

// Config controls the processor loop.
type Config struct {
	Expiration time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Frequency  time.Duration
}

// Processor is the C9 component.
type Processor struct {
	q      *queue.Queue
	local  localstore.Store
	remote *remoteshare.Share
	bus    *bus.Bus
	logger *slog.Logger
	form   pathkey.Form
	cfg    Config

	mu            sync.Mutex
	activeUploads map[string]context.CancelFunc

	unsubscribe func()
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// New creates a Processor. bus is used both to publish sync events and to
// subscribe to itemUpdated/pathUpdated so an in-flight upload can be
// aborted when its source changes.
func New(q *queue.Queue, local localstore.Store, remote *remoteshare.Share, b *bus.Bus, form pathkey.Form, logger *slog.Logger, cfg Config) *Processor {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Processor{
		q:             q,
		local:         local,
		remote:        remote,
		bus:           b,
		logger:        logger,
		form:          form,
		cfg:           cfg,
		activeUploads: make(map[string]context.CancelFunc),
		stopCh:        make(chan struct{}),
	}

	p.unsubscribe = b.Subscribe(p.onEvent)

	return p
}

func (p *Processor) onEvent(ev bus.Event) {
	if ev.Name != bus.ItemUpdated && ev.Name != bus.PathUpdated {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for remotePath, cancel := range p.activeUploads {
		if remotePath == ev.Path || (ev.Name == bus.PathUpdated && pathUnder(remotePath, ev.Path)) {
			cancel()
		}
	}
}

func pathUnder(path, prefix string) bool {
	if path == prefix {
		return true
	}

	if prefix == "/" {
		return true
	}

	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

// Stop halts Run and aborts every active upload.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		for _, cancel := range p.activeUploads {
			cancel()
		}
		p.mu.Unlock()

		p.unsubscribe()
	})
}

// Run drains the queue until ctx is cancelled or Stop is called.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTimer(0)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		processed := p.tick(ctx)

		p.purge(ctx)

		if !processed {
			ticker.Reset(p.cfg.Frequency)
		} else {
			ticker.Reset(0)
		}
	}
}

// tick runs one pass: pull the next ready entry (if any) and process it.
// Returns true if an entry was processed.
func (p *Processor) tick(ctx context.Context) bool {
	entry, err := p.q.NextReady(ctx, time.Now(), p.cfg.MaxRetries)
	if err != nil {
		p.logger.Error("processor: nextReady failed", slog.Any("err", err))
		return false
	}

	if entry == nil {
		return false
	}

	if p.cfg.Expiration > 0 && time.Since(entry.EnqueuedAt) < p.cfg.Expiration {
		return false
	}

	p.process(ctx, *entry)

	return true
}

func (p *Processor) purge(ctx context.Context) {
	purged, err := p.q.PurgeExceeded(ctx, p.cfg.MaxRetries)
	if err != nil {
		p.logger.Error("processor: purgeExceeded failed", slog.Any("err", err))
		return
	}

	if len(purged) == 0 {
		return
	}

	paths := make([]string, len(purged))
	for i, e := range purged {
		paths[i] = e.FullRemotePath()
	}

	p.bus.Publish(bus.Event{Name: bus.SyncPurged, Paths: paths})
}

func (p *Processor) process(ctx context.Context, entry queue.Entry) {
	remotePath := pathkey.New(p.form, entry.FullRemotePath())

	uploadCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.activeUploads[remotePath.String()] = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.activeUploads, remotePath.String())
		p.mu.Unlock()

		cancel()
	}()

	method, err := p.reconcileMethod(uploadCtx, remotePath, entry.Method)
	if err != nil {
		p.handleErr(ctx, entry, err)
		return
	}

	if method == reconciledNoop {
		if err := p.q.Complete(ctx, entry.ID); err != nil {
			p.logger.Error("processor: complete failed", slog.Any("err", err))
		}

		return
	}

	switch method {
	case reconciledDelete:
		p.runDelete(ctx, uploadCtx, entry, remotePath)
	default:
		p.runUpload(ctx, uploadCtx, entry, remotePath, method == reconciledPut)
	}
}

type reconciledMethod int

const (
	reconciledPost reconciledMethod = iota
	reconciledPut
	reconciledDelete
	reconciledNoop
)

// reconcileMethod verifies remote state before applying a queued mutation:
// Put against a missing remote becomes Post; Post against an existing
// remote becomes Put; Delete against a missing remote completes without a
// call.
func (p *Processor) reconcileMethod(ctx context.Context, remotePath pathkey.Key, method queue.Method) (reconciledMethod, error) {
	exists, err := p.remote.Exists(ctx, remotePath)
	if err != nil {
		return 0, err
	}

	switch method {
	case queue.MethodPut:
		if !exists {
			return reconciledPost, nil
		}

		return reconciledPut, nil
	case queue.MethodPost:
		if exists {
			return reconciledPut, nil
		}

		return reconciledPost, nil
	case queue.MethodDelete:
		if !exists {
			return reconciledNoop, nil
		}

		return reconciledDelete, nil
	default:
		return reconciledPost, nil
	}
}

func (p *Processor) runDelete(ctx, uploadCtx context.Context, entry queue.Entry, remotePath pathkey.Key) {
	p.bus.Publish(bus.Event{Name: bus.SyncFileStart, Path: remotePath.String(), Method: "DELETE"})

	if err := p.remote.Delete(uploadCtx, remotePath); err != nil {
		p.handleErr(ctx, entry, err)
		return
	}

	if err := p.q.Complete(ctx, entry.ID); err != nil {
		p.logger.Error("processor: complete failed", slog.Any("err", err))
	}

	p.bus.Publish(bus.Event{Name: bus.SyncFileEnd, Path: remotePath.String(), Method: "DELETE"})
}

func (p *Processor) runUpload(ctx, uploadCtx context.Context, entry queue.Entry, remotePath pathkey.Key, replace bool) {
	localPath := pathkey.New(p.form, entry.FullLocalPath())

	f, err := p.local.Open(uploadCtx, localPath, localstore.ReadOnly)
	if err != nil {
		p.handleErr(ctx, entry, err)
		return
	}
	defer f.Close()

	st, err := p.local.Stat(uploadCtx, localPath)
	if err != nil {
		p.handleErr(ctx, entry, err)
		return
	}

	_ = mime.TypeByExtension(filepath.Ext(localPath.Name())) // wire format carries it via the multipart part, not a header here

	if err := p.remote.CreateOrUpdateFile(uploadCtx, remotePath, f, st.Size, replace); err != nil {
		p.handleErr(ctx, entry, err)
		return
	}

	if err := p.remote.TouchBinary(ctx, remotePath, time.Now()); err != nil {
		p.logger.Warn("processor: binary cache touch failed", slog.Any("err", err))
	}

	if err := p.q.Complete(ctx, entry.ID); err != nil {
		p.logger.Error("processor: complete failed", slog.Any("err", err))
		return
	}

	method := "POST"
	if replace {
		method = "PUT"
	}

	p.bus.Publish(bus.Event{Name: bus.SyncFileEnd, Path: remotePath.String(), Method: method})
}

// handleErr classifies err and applies the corresponding
// retry/immediate-fail/abort policy.
func (p *Processor) handleErr(ctx context.Context, entry queue.Entry, err error) {
	remotePath := entry.FullRemotePath()

	if errs.Is(err, errs.KindAborted) {
		if incErr := p.q.IncrementRetries(ctx, entry.ID, p.cfg.RetryDelay); incErr != nil {
			p.logger.Error("processor: incrementRetries after abort failed", slog.Any("err", incErr))
		}

		p.bus.Publish(bus.Event{Name: bus.SyncFileAbort, Path: remotePath})

		return
	}

	if errs.Retryable(err) {
		if incErr := p.q.IncrementRetries(ctx, entry.ID, p.cfg.RetryDelay); incErr != nil {
			p.logger.Error("processor: incrementRetries failed", slog.Any("err", incErr))
		}

		p.bus.Publish(bus.Event{Name: bus.SyncFileErr, Path: remotePath})

		return
	}

	// Immediate fail: AccessDenied, NotSupported, NotFound-on-non-delete,
	// or any other non-recoverable remote error.
	if compErr := p.q.Complete(ctx, entry.ID); compErr != nil {
		p.logger.Error("processor: complete after immediate-fail failed", slog.Any("err", compErr))
	}

	p.bus.Publish(bus.Event{Name: bus.SyncFileErr, Path: remotePath, Forced: true})
}

// SyncPath runs the drain steps for exactly the queue entry at path, or, if
// none is queued, performs a direct best-effort upload/delete without
// touching the queue.
func (p *Processor) SyncPath(ctx context.Context, parentPath, name string) error {
	entry, err := p.q.Lookup(ctx, parentPath, name)
	if err != nil {
		return err
	}

	if entry != nil {
		p.process(ctx, *entry)
		return nil
	}

	remotePath := pathkey.New(p.form, filepath.ToSlash(filepath.Join(parentPath, name)))

	localPath := remotePath

	exists, err := p.local.Exists(ctx, localPath)
	if err != nil {
		return err
	}

	if !exists {
		return p.remote.Delete(ctx, remotePath)
	}

	f, err := p.local.Open(ctx, localPath, localstore.ReadOnly)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := p.local.Stat(ctx, localPath)
	if err != nil {
		return err
	}

	remoteExists, err := p.remote.Exists(ctx, remotePath)
	if err != nil {
		return err
	}

	return p.remote.CreateOrUpdateFile(ctx, remotePath, f, st.Size, remoteExists)
}
