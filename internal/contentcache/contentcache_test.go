package contentcache

import (
	"testing"
	"time"

	"github.com/paladugu82/hybridshare/internal/model"
	"github.com/paladugu82/hybridshare/internal/pathkey"
)

func key(p string) pathkey.Key { return pathkey.New(pathkey.NFC, p) }

func TestMetadataMissThenHitThenExpiry(t *testing.T) {
	t.Parallel()

	c := New(50*time.Millisecond, time.Hour, nil)
	p := key("/a.txt")

	if _, ok := c.GetMetadata(p); ok {
		t.Fatalf("expected miss before any Put")
	}

	c.PutMetadata(p, model.EntityMetadata{Name: "a.txt", Size: 3})

	got, ok := c.GetMetadata(p)
	if !ok || got.Size != 3 {
		t.Fatalf("GetMetadata = %+v, %v, want hit with Size 3", got, ok)
	}

	time.Sleep(80 * time.Millisecond)

	if _, ok := c.GetMetadata(p); ok {
		t.Fatalf("expected expiry after TTL elapsed")
	}
}

func TestRootListingPinnedNeverExpires(t *testing.T) {
	t.Parallel()

	c := New(time.Nanosecond, time.Hour, nil)

	root := pathkey.Root(pathkey.NFC)
	c.PutListing(root, model.NewDirectoryListing(nil))

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.GetListing(root); !ok {
		t.Fatalf("pinned root listing should never expire")
	}
}

func TestPutListingPopulatesChildMetadata(t *testing.T) {
	t.Parallel()

	c := New(time.Hour, time.Hour, nil)
	dir := key("/dir")

	listing := model.NewDirectoryListing([]model.EntityMetadata{
		{Name: "a.txt", Size: 1},
		{Name: "b.txt", Size: 2},
	})

	c.PutListing(dir, listing)

	got, ok := c.GetMetadata(dir.Child("a.txt"))
	if !ok || got.Size != 1 {
		t.Fatalf("child metadata = %+v, %v, want Size 1 hit", got, ok)
	}
}

func TestInvalidateDropsEntryAndParentListing(t *testing.T) {
	t.Parallel()

	c := New(time.Hour, time.Hour, nil)
	dir := key("/dir")
	child := dir.Child("a.txt")

	c.PutListing(dir, model.NewDirectoryListing([]model.EntityMetadata{{Name: "a.txt"}}))
	c.PutMetadata(child, model.EntityMetadata{Name: "a.txt"})

	c.Invalidate(child, false)

	if _, ok := c.GetMetadata(child); ok {
		t.Errorf("expected child metadata dropped")
	}

	if _, ok := c.GetListing(dir); ok {
		t.Errorf("expected parent listing dropped on child invalidation")
	}
}

func TestInvalidateDeepDropsDescendants(t *testing.T) {
	t.Parallel()

	c := New(time.Hour, time.Hour, nil)
	dir := key("/dir")
	nested := key("/dir/sub")

	c.PutListing(nested, model.NewDirectoryListing([]model.EntityMetadata{{Name: "x.txt"}}))
	c.PutMetadata(nested.Child("x.txt"), model.EntityMetadata{Name: "x.txt"})

	c.Invalidate(dir, true)

	if _, ok := c.GetListing(nested); ok {
		t.Errorf("expected nested listing dropped on deep invalidation")
	}

	if _, ok := c.GetMetadata(nested.Child("x.txt")); ok {
		t.Errorf("expected nested metadata dropped on deep invalidation")
	}
}

func TestGlobalEpochClearsEverythingExceptPinned(t *testing.T) {
	t.Parallel()

	c := New(time.Hour, 30*time.Millisecond, nil)

	c.PutMetadata(key("/a.txt"), model.EntityMetadata{Name: "a.txt"})

	time.Sleep(60 * time.Millisecond)

	if _, ok := c.GetMetadata(key("/a.txt")); ok {
		t.Fatalf("expected global epoch sweep to drop entry")
	}

	if _, ok := c.GetListing(pathkey.Root(pathkey.NFC)); !ok {
		t.Fatalf("pinned root listing must survive a global sweep")
	}
}

func TestClearAllIsManuallyInvocable(t *testing.T) {
	t.Parallel()

	c := New(time.Hour, time.Hour, nil)
	c.PutMetadata(key("/a.txt"), model.EntityMetadata{Name: "a.txt"})

	c.ClearAll()

	if _, ok := c.GetMetadata(key("/a.txt")); ok {
		t.Fatalf("ClearAll should drop non-pinned entries")
	}
}
