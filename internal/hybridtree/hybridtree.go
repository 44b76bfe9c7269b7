// Package hybridtree implements the merged tree that routes every client
// operation against LocalStore first, falling back to RemoteShare, and
// enqueues remote mutations into the request queue.
package hybridtree

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/paladugu82/hybridshare/internal/conflict"
	"github.com/paladugu82/hybridshare/internal/errs"
	"github.com/paladugu82/hybridshare/internal/localstore"
	"github.com/paladugu82/hybridshare/internal/model"
	"github.com/paladugu82/hybridshare/internal/pathkey"
	"github.com/paladugu82/hybridshare/internal/queue"
	"github.com/paladugu82/hybridshare/internal/remoteshare"
)

// Notifier receives the list/clear-cache conflict event and the cache
// invalidation event HybridTree's own mutations trigger. bus.Bus satisfies
// this.
type Notifier interface {
	SyncConflict(path string)
	PathUpdated(prefix string)
}

type noopNotifier struct{}

func (noopNotifier) SyncConflict(string) {}
func (noopNotifier) PathUpdated(string)  {}

// Tree is the external interface a file-access front end (or any other
// consumer) drives. It is deliberately small — wire-protocol commands and
// session handling live outside this package, in the front end itself.
type Tree interface {
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (model.EntityMetadata, error)
	List(ctx context.Context, dir string) (model.DirectoryListing, error)
	Open(ctx context.Context, path string, mode localstore.OpenMode) (localstore.File, error)
	WriteFile(ctx context.Context, path string, r io.Reader) error
	CreateFile(ctx context.Context, path string) error
	CreateDirectory(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	DeleteDirectory(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string, replace bool) error
	ClearCache(ctx context.Context) error
}

// listingCacheEntry is the short-lived merged-listing cache, keyed by
// parent directory. Distinct from RemoteShare's own ContentCache: this one
// caches the post-merge result, not the raw remote fetch.
type listingCacheEntry struct {
	listing model.DirectoryListing
	at      time.Time
}

// Config bundles the tunables HybridTree needs beyond its collaborators.
type Config struct {
	Form                 pathkey.Form
	TempPredicate        pathkey.TempPredicate
	MtimeDrift           time.Duration
	MergedListingTTL     time.Duration
	AllowNonEmptyDelete  bool
}

// HybridTree implements Tree.
type HybridTree struct {
	local    localstore.Store
	remote   *remoteshare.Share
	q        *queue.Queue
	ledger   *conflict.Ledger
	notifier Notifier
	logger   *slog.Logger
	cfg      Config

	mu           sync.Mutex
	mergedCache  map[string]listingCacheEntry
}

// New creates a HybridTree.
func New(local localstore.Store, remote *remoteshare.Share, q *queue.Queue, ledger *conflict.Ledger, notifier Notifier, logger *slog.Logger, cfg Config) *HybridTree {
	if logger == nil {
		logger = slog.Default()
	}

	if notifier == nil {
		notifier = noopNotifier{}
	}

	if cfg.TempPredicate == nil {
		cfg.TempPredicate = pathkey.NoTempFiles
	}

	return &HybridTree{
		local:       local,
		remote:      remote,
		q:           q,
		ledger:      ledger,
		notifier:    notifier,
		logger:      logger,
		cfg:         cfg,
		mergedCache: make(map[string]listingCacheEntry),
	}
}

func (t *HybridTree) key(path string) pathkey.Key {
	return pathkey.New(t.cfg.Form, path)
}

// Exists reports true if local exists; else false if a Delete is queued;
// else remote existence.
func (t *HybridTree) Exists(ctx context.Context, path string) (bool, error) {
	k := t.key(path)

	localExists, err := t.local.Exists(ctx, k)
	if err != nil {
		return false, err
	}

	if localExists {
		return true, nil
	}

	if t.deleteQueued(ctx, k) {
		return false, nil
	}

	return t.remote.Exists(ctx, k)
}

func (t *HybridTree) deleteQueued(ctx context.Context, k pathkey.Key) bool {
	entry, err := t.q.Lookup(ctx, k.Parent().String(), k.Name())
	if err != nil || entry == nil {
		return false
	}

	return entry.Method == queue.MethodDelete
}

// Stat returns metadata for path, preferring the local view.
func (t *HybridTree) Stat(ctx context.Context, path string) (model.EntityMetadata, error) {
	k := t.key(path)

	if localExists, err := t.local.Exists(ctx, k); err == nil && localExists {
		st, err := t.local.Stat(ctx, k)
		if err != nil {
			return model.EntityMetadata{}, err
		}

		return localStatToMetadata(k, st), nil
	}

	if t.deleteQueued(ctx, k) {
		return model.EntityMetadata{}, errs.Newf(errs.KindNotFound, "%s", path)
	}

	meta, _, absent, err := t.remote.GetContent(ctx, k, false)
	if err != nil {
		return model.EntityMetadata{}, err
	}

	if absent {
		return model.EntityMetadata{}, errs.Newf(errs.KindNotFound, "%s", path)
	}

	return meta, nil
}

func localStatToMetadata(k pathkey.Key, st localstore.Stat) model.EntityMetadata {
	kind := model.KindFile
	if st.Kind == localstore.KindFolder {
		kind = model.KindFolder
	}

	return model.EntityMetadata{
		Name:         k.Name(),
		Kind:         kind,
		Size:         st.Size,
		Created:      st.Created,
		LastModified: st.LastModified,
		ReadOnly:     st.ReadOnly,
	}
}

// Open returns the local copy if present and not mid-download, else the
// remote copy (which may trigger a download via BinaryCache on first byte
// access through RemoteShare.FetchBinary).
func (t *HybridTree) Open(ctx context.Context, path string, mode localstore.OpenMode) (localstore.File, error) {
	k := t.key(path)

	if localExists, err := t.local.Exists(ctx, k); err != nil {
		return nil, err
	} else if localExists {
		return t.local.Open(ctx, k, mode)
	}

	if mode != localstore.ReadOnly {
		// Writers must go through CreateFile/WriteFile so the queue learns
		// about the mutation; opening a nonexistent path for write directly
		// would silently bypass the enqueue step.
		return nil, errs.Newf(errs.KindNotFound, "%s: use CreateFile to open for write", path)
	}

	meta, _, absent, err := t.remote.GetContent(ctx, k, false)
	if err != nil {
		return nil, err
	}

	if absent {
		return nil, errs.Newf(errs.KindNotFound, "%s", path)
	}

	localPath, err := t.remote.FetchBinary(ctx, k, meta.LastModified)
	if err != nil {
		return nil, err
	}

	return openDownloadedFile(localPath)
}

// WriteFile persists data locally then enqueues a Put; the coalescing
// matrix records it as a Post whatever is already queued for the file, and
// the processor switches it to a Put when the file exists remotely.
func (t *HybridTree) WriteFile(ctx context.Context, path string, r io.Reader) error {
	k := t.key(path)

	if exists, err := t.local.Exists(ctx, k); err != nil {
		return err
	} else if !exists {
		if err := t.local.CreateFile(ctx, k); err != nil {
			return err
		}
	}

	f, err := t.local.Open(ctx, k, localstore.Truncate)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errs.Wrap(errs.KindIO, path, "writing local cache file", err)
	}

	if err := f.Close(); err != nil {
		return errs.Wrap(errs.KindIO, path, "closing local cache file", err)
	}

	t.invalidateMerged(k.Parent())

	return t.q.Enqueue(ctx, queue.Mutation{
		Method: queue.MethodPut, ParentPath: k.Parent().String(), Name: k.Name(),
		LocalPrefix: k.Parent().String(), RemotePrefix: k.Parent().String(),
	})
}

// CreateFile creates an empty local file. It is marked created-locally
// until the first successful upload gives it a CacheInfo.
func (t *HybridTree) CreateFile(ctx context.Context, path string) error {
	k := t.key(path)

	if exists, err := t.local.Exists(ctx, k); err != nil {
		return err
	} else if exists {
		return errs.Newf(errs.KindAlreadyExists, "%s", path)
	}

	if err := t.local.CreateFile(ctx, k); err != nil {
		return err
	}

	t.invalidateMerged(k.Parent())

	return t.q.Enqueue(ctx, queue.Mutation{
		Method: queue.MethodPost, ParentPath: k.Parent().String(), Name: k.Name(),
		LocalPrefix: k.Parent().String(), RemotePrefix: k.Parent().String(),
	})
}

// CreateDirectory creates a folder locally and on the remote immediately.
func (t *HybridTree) CreateDirectory(ctx context.Context, path string) error {
	k := t.key(path)

	if err := t.local.CreateDirectory(ctx, k); err != nil {
		return err
	}

	if err := t.remote.CreateFolder(ctx, k); err != nil {
		return err
	}

	t.invalidateMerged(k.Parent())

	return nil
}

// Delete removes a file locally and enqueues a remote Delete.
func (t *HybridTree) Delete(ctx context.Context, path string) error {
	k := t.key(path)

	if err := t.local.Delete(ctx, k); err != nil {
		return err
	}

	t.invalidateMerged(k.Parent())

	return t.q.Enqueue(ctx, queue.Mutation{
		Method: queue.MethodDelete, ParentPath: k.Parent().String(), Name: k.Name(),
		LocalPrefix: k.Parent().String(), RemotePrefix: k.Parent().String(),
	})
}

// DeleteDirectory removes a folder locally and synchronously on the
// remote (directories must be empty), then removes every queue entry
// under the deleted path.
func (t *HybridTree) DeleteDirectory(ctx context.Context, path string) error {
	k := t.key(path)

	if err := t.local.DeleteDirectory(ctx, k, t.cfg.AllowNonEmptyDelete); err != nil {
		return err
	}

	if err := t.remote.Delete(ctx, k); err != nil && !errs.Is(err, errs.KindNotFound) {
		return err
	}

	if err := t.q.RemovePath(ctx, k.String()); err != nil {
		return err
	}

	t.invalidateMerged(k.Parent())

	return nil
}

// Rename routes a directory rename through a single synchronous remote
// MOVE (mirroring CreateDirectory/DeleteDirectory's synchronous remote
// calls) and decomposes a file rename into queue operations. Renames that
// straddle the temp-file boundary are handled as a special case in both
// cases rather than a generic Move.
func (t *HybridTree) Rename(ctx context.Context, oldPathStr, newPathStr string, replace bool) error {
	oldPath := t.key(oldPathStr)
	newPath := t.key(newPathStr)

	if !replace {
		if exists, err := t.Exists(ctx, newPathStr); err != nil {
			return err
		} else if exists {
			return errs.Newf(errs.KindAlreadyExists, "%s", newPathStr)
		}
	}

	isDir := false
	if st, err := t.local.Stat(ctx, oldPath); err == nil {
		isDir = st.Kind == localstore.KindFolder
	}

	if err := t.local.Rename(ctx, oldPath, newPath); err != nil {
		return err
	}

	t.invalidateMerged(oldPath.Parent())
	t.invalidateMerged(newPath.Parent())

	oldIsTemp := oldPath.IsTemp(t.cfg.TempPredicate)
	newIsTemp := newPath.IsTemp(t.cfg.TempPredicate)

	if isDir {
		if oldIsTemp != newIsTemp {
			// Temp-boundary directory rename: deliberately left out of
			// sync with the remote rather than decomposed into a
			// per-child enumeration (spec.md §9 open question).
			return nil
		}

		// Ordinary directory rename: a single atomic MOVE, never
		// decomposed into per-child queue entries.
		return t.remote.Rename(ctx, oldPath, newPath, replace)
	}

	switch {
	case oldIsTemp && !newIsTemp:
		// Temp -> non-temp: the source never existed remotely, so this is
		// a plain creation at the destination, not a move.
		return t.q.Enqueue(ctx, queue.Mutation{
			Method: queue.MethodPost, ParentPath: newPath.Parent().String(), Name: newPath.Name(),
			LocalPrefix: newPath.Parent().String(), RemotePrefix: newPath.Parent().String(),
		})
	case !oldIsTemp && newIsTemp:
		// Non-temp -> temp: the destination is considered non-remote, so
		// this degrades to a delete at the source.
		return t.q.Enqueue(ctx, queue.Mutation{
			Method: queue.MethodDelete, ParentPath: oldPath.Parent().String(), Name: oldPath.Name(),
			LocalPrefix: oldPath.Parent().String(), RemotePrefix: oldPath.Parent().String(),
		})
	default:
		return t.q.Move(ctx,
			oldPath.Parent().String(), oldPath.Name(),
			newPath.Parent().String(), newPath.Name(),
			newPath.Parent().String(), newPath.Parent().String(),
			replace,
		)
	}
}

// ClearCache walks the local cache recursively and deletes every file that
// passes canDelete; files failing canDelete are retained and a conflict is
// recorded per file, and files created locally are retained silently.
// Directories are not removed, including those the walk leaves empty.
func (t *HybridTree) ClearCache(ctx context.Context) error {
	return t.clearCacheDir(ctx, pathkey.Root(t.cfg.Form))
}

func (t *HybridTree) clearCacheDir(ctx context.Context, dir pathkey.Key) error {
	entries, err := t.local.List(ctx, dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		child := dir.Child(e.Name)

		if e.Stat.Kind == localstore.KindFolder {
			if err := t.clearCacheDir(ctx, child); err != nil {
				return err
			}

			continue
		}

		createdLocally, err := t.local.CacheInfo().IsCreatedLocally(ctx, child)
		if err != nil {
			return err
		}

		if createdLocally {
			// Never uploaded: the local file is the only copy.
			continue
		}

		canDelete, err := t.local.CacheInfo().CanDelete(ctx, child, e.Stat.LastModified, t.cfg.MtimeDrift)
		if err != nil {
			return err
		}

		if !canDelete {
			t.ledger.Record(child.String(), "unsynced local modification")
			t.notifier.SyncConflict(child.String())

			continue
		}

		t.ledger.Clear(child.String())

		if err := t.local.Delete(ctx, child); err != nil {
			return err
		}
	}

	t.invalidateMerged(dir)

	return nil
}

func (t *HybridTree) invalidateMerged(dir pathkey.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.mergedCache, dir.String())
	t.notifier.PathUpdated(dir.String())
}
