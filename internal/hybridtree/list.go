package hybridtree

import (
	"context"
	"time"

	"github.com/paladugu82/hybridshare/internal/localstore"
	"github.com/paladugu82/hybridshare/internal/model"
	"github.com/paladugu82/hybridshare/internal/pathkey"
)

// List runs a three-phase merge: fetch remote, filter out temp/queued-delete
// entries, then overlay local entries on top.
func (t *HybridTree) List(ctx context.Context, path string) (model.DirectoryListing, error) {
	dir := t.key(path)

	if cached, ok := t.cachedMerged(dir); ok {
		return cached, nil
	}

	merged, err := t.mergeList(ctx, dir)
	if err != nil {
		return model.DirectoryListing{}, err
	}

	t.putCachedMerged(dir, merged)

	return merged, nil
}

func (t *HybridTree) cachedMerged(dir pathkey.Key) (model.DirectoryListing, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.mergedCache[dir.String()]
	if !ok {
		return model.DirectoryListing{}, false
	}

	if t.cfg.MergedListingTTL > 0 && time.Since(e.at) > t.cfg.MergedListingTTL {
		delete(t.mergedCache, dir.String())
		return model.DirectoryListing{}, false
	}

	return e.listing, true
}

func (t *HybridTree) putCachedMerged(dir pathkey.Key, listing model.DirectoryListing) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mergedCache[dir.String()] = listingCacheEntry{listing: listing, at: time.Now()}
}

// mergeList runs the uncached three-phase merge.
func (t *HybridTree) mergeList(ctx context.Context, dir pathkey.Key) (model.DirectoryListing, error) {
	// Phase 1: fetch remote listing; on failure degrade to localOnly.
	remoteListing, localOnly := t.fetchRemoteListing(ctx, dir)

	// Phase 2: filter remote temp entries and entries with a queued Delete.
	merged := make(map[string]model.EntityMetadata, len(remoteListing.Children))

	for name, meta := range remoteListing.Children {
		child := dir.Child(name)
		if child.IsTemp(t.cfg.TempPredicate) {
			continue
		}

		if t.deleteQueued(ctx, child) {
			continue
		}

		merged[name] = meta
	}

	// Phase 3: overlay local entries.
	localEntries, err := t.local.List(ctx, dir)
	if err != nil {
		return model.DirectoryListing{}, err
	}

	for _, le := range localEntries {
		child := dir.Child(le.Name)

		_, inRemote := merged[le.Name]

		if inRemote {
			merged[le.Name] = localStatToMetadata(child, le.Stat)
			continue
		}

		createdLocally, err := t.local.CacheInfo().IsCreatedLocally(ctx, child)
		if err != nil {
			return model.DirectoryListing{}, err
		}

		if createdLocally || localOnly {
			merged[le.Name] = localStatToMetadata(child, le.Stat)
			continue
		}

		// Local-only, not created-locally, remote reachable: this is a
		// stale copy of something no longer on the remote. Delete it
		// unless it has unsynced modifications (canDelete == false), in
		// which case retain it and record a conflict.
		canDelete, err := t.local.CacheInfo().CanDelete(ctx, child, le.Stat.LastModified, t.cfg.MtimeDrift)
		if err != nil {
			return model.DirectoryListing{}, err
		}

		if !canDelete {
			merged[le.Name] = localStatToMetadata(child, le.Stat)
			t.ledger.Record(child.String(), "stale local copy with unsynced modification")
			t.notifier.SyncConflict(child.String())

			continue
		}

		t.ledger.Clear(child.String())

		if le.Stat.Kind == localstore.KindFolder {
			_ = t.local.DeleteDirectory(ctx, child, true)
		} else {
			_ = t.local.Delete(ctx, child)
		}
	}

	entries := make([]model.EntityMetadata, 0, len(merged))
	for _, m := range merged {
		entries = append(entries, m)
	}

	return model.NewDirectoryListing(entries), nil
}

func (t *HybridTree) fetchRemoteListing(ctx context.Context, dir pathkey.Key) (model.DirectoryListing, bool) {
	_, listing, absent, err := t.remote.GetContent(ctx, dir, true)
	if err != nil {
		t.logger.Warn("hybridtree: remote listing failed, degrading to local-only view", "path", dir.String(), "err", err)
		return model.DirectoryListing{}, true
	}

	if absent {
		return model.DirectoryListing{}, false
	}

	return listing, false
}
