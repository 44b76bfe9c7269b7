package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/paladugu82/hybridshare/internal/errs"
	"github.com/paladugu82/hybridshare/internal/pathkey"
)

// DiskStore is the production Store implementation. Cached files live
// directly under root; their CacheInfo sidecars live under a parallel
// ".work/" subtree, per spec.md §6 "Local on-disk layout".
type DiskStore struct {
	root     string
	workRoot string
	logger   *slog.Logger

	mu sync.Mutex // serializes sidecar read-modify-write, per §5 resource table
}

// NewDiskStore creates a DiskStore rooted at root, with sidecars under
// workRoot/.work. Both directories are created if missing.
func NewDiskStore(root, workRoot string, logger *slog.Logger) (*DiskStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: creating cache root: %w", err)
	}

	sidecarDir := filepath.Join(workRoot, ".work")
	if err := os.MkdirAll(sidecarDir, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: creating sidecar root: %w", err)
	}

	return &DiskStore{root: root, workRoot: sidecarDir, logger: logger}, nil
}

func (d *DiskStore) abs(path pathkey.Key) string {
	return filepath.Join(d.root, filepath.FromSlash(path.String()))
}

func (d *DiskStore) sidecarPath(path pathkey.Key) string {
	return filepath.Join(d.workRoot, filepath.FromSlash(path.String())+".cacheinfo.json")
}

// Exists reports whether path exists locally.
func (d *DiskStore) Exists(_ context.Context, path pathkey.Key) (bool, error) {
	_, err := os.Stat(d.abs(path))
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, errs.Wrap(errs.KindIO, path.String(), "stat", err)
}

// Stat returns local filesystem metadata for path.
func (d *DiskStore) Stat(_ context.Context, path pathkey.Key) (Stat, error) {
	fi, err := os.Stat(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return Stat{}, errs.Wrap(errs.KindNotFound, path.String(), "stat", err)
		}

		return Stat{}, errs.Wrap(errs.KindIO, path.String(), "stat", err)
	}

	kind := KindFile
	if fi.IsDir() {
		kind = KindFolder
	}

	size := fi.Size()
	if kind == KindFolder {
		size = 0
	}

	return Stat{
		Kind:         kind,
		Size:         size,
		LastModified: fi.ModTime(),
		ReadOnly:     fi.Mode().Perm()&0o200 == 0,
	}, nil
}

// List returns the immediate children of dir.
func (d *DiskStore) List(ctx context.Context, dir pathkey.Key) ([]ListEntry, error) {
	entries, err := os.ReadDir(d.abs(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KindNotFound, dir.String(), "list", err)
		}

		return nil, errs.Wrap(errs.KindIO, dir.String(), "list", err)
	}

	out := make([]ListEntry, 0, len(entries))

	for _, e := range entries {
		st, err := d.Stat(ctx, dir.Child(e.Name()))
		if err != nil {
			continue // entry vanished between readdir and stat; skip
		}

		out = append(out, ListEntry{Name: e.Name(), Stat: st})
	}

	return out, nil
}

// Open opens path for reading, writing, or truncating.
func (d *DiskStore) Open(_ context.Context, path pathkey.Key, mode OpenMode) (File, error) {
	var flag int

	switch mode {
	case ReadOnly:
		flag = os.O_RDONLY
	case ReadWrite:
		flag = os.O_RDWR
	case Truncate:
		flag = os.O_RDWR | os.O_TRUNC
	}

	f, err := os.OpenFile(d.abs(path), flag, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KindNotFound, path.String(), "open", err)
		}

		return nil, errs.Wrap(errs.KindIO, path.String(), "open", err)
	}

	return f, nil
}

// CreateFile creates an empty file at path, including parent directories.
func (d *DiskStore) CreateFile(_ context.Context, path pathkey.Key) error {
	abs := d.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, path.String(), "create parent dirs", err)
	}

	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errs.Wrap(errs.KindAlreadyExists, path.String(), "create file", err)
		}

		return errs.Wrap(errs.KindIO, path.String(), "create file", err)
	}

	return f.Close()
}

// CreateDirectory creates path as a directory, including parents.
func (d *DiskStore) CreateDirectory(_ context.Context, path pathkey.Key) error {
	if err := os.MkdirAll(d.abs(path), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, path.String(), "create directory", err)
	}

	return nil
}

// Delete removes a single file.
func (d *DiskStore) Delete(_ context.Context, path pathkey.Key) error {
	if err := os.Remove(d.abs(path)); err != nil {
		if os.IsNotExist(err) {
			return errs.Wrap(errs.KindNotFound, path.String(), "delete", err)
		}

		return errs.Wrap(errs.KindIO, path.String(), "delete", err)
	}

	_ = os.Remove(d.sidecarPath(path))

	return nil
}

// DeleteDirectory removes path. allowNonEmpty permits recursive removal;
// HybridTree.DeleteDirectory passes its AllowNonEmptyDelete setting here
// (spec.md §4.1, §4.7).
func (d *DiskStore) DeleteDirectory(_ context.Context, path pathkey.Key, allowNonEmpty bool) error {
	abs := d.abs(path)

	if allowNonEmpty {
		if err := os.RemoveAll(abs); err != nil {
			return errs.Wrap(errs.KindIO, path.String(), "delete directory (recursive)", err)
		}

		return nil
	}

	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return errs.Wrap(errs.KindNotFound, path.String(), "delete directory", err)
		}

		if isDirNotEmpty(err) {
			return errs.Wrap(errs.KindConflict, path.String(), "directory not empty", err)
		}

		return errs.Wrap(errs.KindIO, path.String(), "delete directory", err)
	}

	return nil
}

func isDirNotEmpty(err error) bool {
	return strings.Contains(err.Error(), "directory not empty") || strings.Contains(err.Error(), "not empty")
}

// Rename moves oldPath to newPath, atomically replacing any existing file
// at newPath, per spec.md §4.1.
func (d *DiskStore) Rename(_ context.Context, oldPath, newPath pathkey.Key) error {
	newAbs := d.abs(newPath)
	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, newPath.String(), "create parent dirs", err)
	}

	if err := os.Rename(d.abs(oldPath), newAbs); err != nil {
		if os.IsNotExist(err) {
			return errs.Wrap(errs.KindNotFound, oldPath.String(), "rename", err)
		}

		return errs.Wrap(errs.KindIO, oldPath.String(), "rename", err)
	}

	oldSidecar := d.sidecarPath(oldPath)
	if _, statErr := os.Stat(oldSidecar); statErr == nil {
		newSidecar := d.sidecarPath(newPath)
		_ = os.MkdirAll(filepath.Dir(newSidecar), 0o755)
		_ = os.Rename(oldSidecar, newSidecar)
	}

	return nil
}

// CacheInfo returns the sidecar namespace.
func (d *DiskStore) CacheInfo() CacheInfoStore {
	return (*sidecarStore)(d)
}

// sidecarStore implements CacheInfoStore against DiskStore's sidecar tree.
type sidecarStore DiskStore

type cacheInfoJSON struct {
	RemotePath         string     `json:"remotePath"`
	RemoteLastModified time.Time  `json:"remoteLastModified"`
	DownloadedAt       time.Time  `json:"downloadedAt"`
	CreatedLocally     bool       `json:"createdLocally"`
	LastSyncAt         *time.Time `json:"lastSyncAt,omitempty"`
}

func (s *sidecarStore) d() *DiskStore { return (*DiskStore)(s) }

func (s *sidecarStore) Get(_ context.Context, path pathkey.Key) (CacheInfo, bool, error) {
	d := s.d()
	d.mu.Lock()
	defer d.mu.Unlock()

	raw, err := os.ReadFile(d.sidecarPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return CacheInfo{}, false, nil
		}

		return CacheInfo{}, false, errs.Wrap(errs.KindIO, path.String(), "read cache-info", err)
	}

	var j cacheInfoJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return CacheInfo{}, false, errs.Wrap(errs.KindCorruption, path.String(), "decode cache-info", err)
	}

	return CacheInfo{
		RemotePath:         j.RemotePath,
		RemoteLastModified: j.RemoteLastModified,
		DownloadedAt:       j.DownloadedAt,
		CreatedLocally:     j.CreatedLocally,
		LastSyncAt:         j.LastSyncAt,
	}, true, nil
}

func (s *sidecarStore) Set(_ context.Context, path pathkey.Key, info CacheInfo) error {
	d := s.d()
	d.mu.Lock()
	defer d.mu.Unlock()

	sidecarPath := d.sidecarPath(path)
	if err := os.MkdirAll(filepath.Dir(sidecarPath), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, path.String(), "create sidecar parent", err)
	}

	j := cacheInfoJSON{
		RemotePath:         info.RemotePath,
		RemoteLastModified: info.RemoteLastModified,
		DownloadedAt:       info.DownloadedAt,
		CreatedLocally:     info.CreatedLocally,
		LastSyncAt:         info.LastSyncAt,
	}

	raw, err := json.Marshal(j)
	if err != nil {
		return errs.Wrap(errs.KindIO, path.String(), "encode cache-info", err)
	}

	if err := os.WriteFile(sidecarPath, raw, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, path.String(), "write cache-info", err)
	}

	return nil
}

func (s *sidecarStore) Delete(_ context.Context, path pathkey.Key) error {
	d := s.d()
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.Remove(d.sidecarPath(path)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIO, path.String(), "delete cache-info", err)
	}

	return nil
}

func (s *sidecarStore) IsCreatedLocally(ctx context.Context, path pathkey.Key) (bool, error) {
	info, ok, err := s.Get(ctx, path)
	if err != nil {
		return false, err
	}

	if !ok {
		// No sidecar at all: a local-only file that has never been
		// uploaded is, by definition, created locally (spec.md §3 lifecycles).
		return true, nil
	}

	return info.CreatedLocally, nil
}

func (s *sidecarStore) CanDelete(
	ctx context.Context, path pathkey.Key, localMtime time.Time, drift time.Duration,
) (bool, error) {
	info, ok, err := s.Get(ctx, path)
	if err != nil {
		return false, err
	}

	if !ok {
		// No cache-info: either never cached, or created locally and never
		// synced — the caller is responsible for routing that case; from
		// the sidecar's point of view there is nothing pinning it remotely.
		return true, nil
	}

	if info.CreatedLocally {
		return false, nil
	}

	// Safe to delete only if local mtime does not exceed the last known
	// remote mtime by more than the configured drift.
	return !localMtime.After(info.RemoteLastModified.Add(drift)), nil
}
