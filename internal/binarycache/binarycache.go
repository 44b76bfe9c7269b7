// Package binarycache implements an on-disk, TTL-bounded store of
// downloaded file bodies, keyed by remote path, with an at-most-once-per-path
// download guarantee. The index is SQLite; download coordination uses
// golang.org/x/sync/singleflight.
package binarycache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// FetchFunc streams the current remote body for a path. It returns the
// remote's current last-modified time alongside the stream so Cache can
// record it without an extra round trip.
type FetchFunc func(ctx context.Context) (body io.ReadCloser, remoteLastModified time.Time, err error)

// Cache is the BinaryCache.
type Cache struct {
	blobDir string
	ttl     time.Duration
	logger  *slog.Logger

	index *indexStore
	group singleflight.Group
}

// Open creates or opens a Cache rooted at dir, with its SQLite index at
// dir/index.db and blob bodies under dir/blobs.
func Open(ctx context.Context, dir string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("binarycache: creating blob dir: %w", err)
	}

	index, err := openIndex(ctx, filepath.Join(dir, "index.db"), logger)
	if err != nil {
		return nil, err
	}

	return &Cache{blobDir: blobDir, ttl: ttl, logger: logger, index: index}, nil
}

// Close releases the underlying index database.
func (c *Cache) Close() error {
	return c.index.close()
}

// Checkout returns a usable local file path for remotePath. On a cache hit
// (fresh within ttl and remoteLastModified <= the cached entry's), it
// returns immediately without invoking fetch. On a miss, it evicts any
// stale entry and calls fetch exactly once even under concurrent callers
// for the same remotePath, streaming the body into a new file and
// atomically publishing the entry before returning.
func (c *Cache) Checkout(
	ctx context.Context, remotePath string, remoteLastModified time.Time, fetch FetchFunc,
) (string, error) {
	if local, hit, err := c.checkHit(ctx, remotePath, remoteLastModified); err != nil {
		return "", err
	} else if hit {
		return local, nil
	}

	v, err, _ := c.group.Do(remotePath, func() (any, error) {
		// Re-check inside the singleflight group: another caller may have
		// completed the fetch while this one waited to enter.
		if local, hit, err := c.checkHit(ctx, remotePath, remoteLastModified); err != nil {
			return "", err
		} else if hit {
			return local, nil
		}

		return c.fetchAndPublish(ctx, remotePath, fetch)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (c *Cache) checkHit(ctx context.Context, remotePath string, remoteLastModified time.Time) (string, bool, error) {
	e, ok, err := c.index.get_(ctx, remotePath)
	if err != nil {
		return "", false, err
	}

	if !ok {
		return "", false, nil
	}

	fresh := time.Since(e.fetchedAt) <= c.ttl
	notStale := !remoteLastModified.After(e.remoteLastModified)

	if !fresh || !notStale {
		return "", false, nil
	}

	if _, statErr := os.Stat(e.localFilePath); statErr != nil {
		// Index points at a missing file; treat as a miss rather than
		// surfacing corruption here — the caller re-fetches.
		return "", false, nil
	}

	return e.localFilePath, true, nil
}

func (c *Cache) fetchAndPublish(ctx context.Context, remotePath string, fetch FetchFunc) (string, error) {
	body, remoteLastModified, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(c.blobDir, "download-*.tmp")
	if err != nil {
		return "", fmt.Errorf("binarycache: creating temp file: %w", err)
	}

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return "", fmt.Errorf("binarycache: streaming body: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("binarycache: closing temp file: %w", err)
	}

	finalPath := filepath.Join(c.blobDir, uuid.NewString())
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("binarycache: publishing blob: %w", err)
	}

	now := time.Now()
	if err := c.index.put(ctx, remotePath, indexEntry{
		localFilePath:      finalPath,
		remoteLastModified: remoteLastModified,
		fetchedAt:          now,
	}); err != nil {
		os.Remove(finalPath)
		return "", err
	}

	c.logger.Debug("binarycache: published blob", slog.String("path", remotePath))

	return finalPath, nil
}

// Touch updates an existing entry's remoteLastModified and fetchedAt without
// re-downloading, used by the processor after a successful upload.
func (c *Cache) Touch(ctx context.Context, remotePath string, newLastModified time.Time) error {
	e, ok, err := c.index.get_(ctx, remotePath)
	if err != nil {
		return err
	}

	if !ok {
		return nil // nothing cached yet; the next Checkout will fetch fresh.
	}

	e.remoteLastModified = newLastModified
	e.fetchedAt = time.Now()

	return c.index.put(ctx, remotePath, e)
}

// Evict drops a cached entry and removes its blob file, used when the
// processor learns a remote path no longer exists.
func (c *Cache) Evict(ctx context.Context, remotePath string) error {
	e, ok, err := c.index.get_(ctx, remotePath)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	if err := c.index.remove(ctx, remotePath); err != nil {
		return err
	}

	_ = os.Remove(e.localFilePath)

	return nil
}
