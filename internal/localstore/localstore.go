// Package localstore implements the LocalStore port (spec.md §4.1): byte
// level local filesystem operations plus a parallel cache-info sidecar per
// cached file. It is the only component that touches the real disk; every
// other component depends on the Store interface, not this package,
// following the teacher's "accept interfaces, return structs" convention.
package localstore

import (
	"context"
	"io"
	"time"

	"github.com/paladugu82/hybridshare/internal/pathkey"
)

// EntityKind distinguishes files from folders, mirrored from the data model
// (spec.md §3 EntityMetadata).
type EntityKind int

const (
	KindFile EntityKind = iota
	KindFolder
)

// Stat is the subset of EntityMetadata the local filesystem can report
// about one of its own entries.
type Stat struct {
	Kind         EntityKind
	Size         int64
	Created      time.Time
	LastModified time.Time
	ReadOnly     bool
}

// OpenMode selects read or write access for Open.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
	Truncate
)

// File is the handle returned by Open; it composes the usual I/O
// interfaces a cached file needs.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// CacheInfo is the sidecar metadata describing a cached local file's
// relation to the remote (spec.md §3).
type CacheInfo struct {
	RemotePath         string
	RemoteLastModified time.Time
	DownloadedAt        time.Time
	CreatedLocally      bool
	LastSyncAt          *time.Time
}

// Store is the LocalStore port. Every path parameter is a canonical
// pathkey.Key relative to the cache root.
type Store interface {
	Exists(ctx context.Context, path pathkey.Key) (bool, error)
	Stat(ctx context.Context, path pathkey.Key) (Stat, error)
	List(ctx context.Context, dir pathkey.Key) ([]ListEntry, error)
	Open(ctx context.Context, path pathkey.Key, mode OpenMode) (File, error)
	CreateFile(ctx context.Context, path pathkey.Key) error
	CreateDirectory(ctx context.Context, path pathkey.Key) error
	Delete(ctx context.Context, path pathkey.Key) error
	DeleteDirectory(ctx context.Context, path pathkey.Key, allowNonEmpty bool) error
	Rename(ctx context.Context, oldPath, newPath pathkey.Key) error

	CacheInfo() CacheInfoStore
}

// ListEntry is one child reported by Store.List.
type ListEntry struct {
	Name string
	Stat Stat
}

// CacheInfoStore is the companion namespace for sidecar bookkeeping
// (spec.md §4.1).
type CacheInfoStore interface {
	Get(ctx context.Context, path pathkey.Key) (CacheInfo, bool, error)
	Set(ctx context.Context, path pathkey.Key, info CacheInfo) error
	Delete(ctx context.Context, path pathkey.Key) error
	IsCreatedLocally(ctx context.Context, path pathkey.Key) (bool, error)

	// CanDelete returns false iff the file is cached and has local
	// modifications not yet persisted remotely, detected by comparing the
	// local mtime to CacheInfo.RemoteLastModified plus drift.
	CanDelete(ctx context.Context, path pathkey.Key, localMtime time.Time, drift time.Duration) (bool, error)
}
