package localstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paladugu82/hybridshare/internal/errs"
	"github.com/paladugu82/hybridshare/internal/pathkey"
)

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()

	root := t.TempDir()

	s, err := NewDiskStore(root, root, nil)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	return s
}

func key(p string) pathkey.Key { return pathkey.New(pathkey.NFC, p) }

func TestCreateFileAndReadWrite(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	p := key("/a/b.txt")
	if err := s.CreateFile(ctx, p); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	f, err := s.Open(ctx, p, ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err := s.Stat(ctx, p)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if st.Size != 5 {
		t.Errorf("Size = %d, want 5", st.Size)
	}
}

func TestCreateFileTwiceFails(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	p := key("/dup.txt")

	if err := s.CreateFile(ctx, p); err != nil {
		t.Fatalf("first CreateFile: %v", err)
	}

	err := s.CreateFile(ctx, p)
	if !errs.Is(err, errs.KindAlreadyExists) {
		t.Fatalf("second CreateFile err = %v, want KindAlreadyExists", err)
	}
}

func TestDeleteMissingIsNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	err := s.Delete(context.Background(), key("/nope.txt"))
	if !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("err = %v, want KindNotFound", err)
	}
}

func TestRenameReplacesTargetAndMovesSidecar(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	src := key("/src.txt")
	dst := key("/dst.txt")

	if err := s.CreateFile(ctx, src); err != nil {
		t.Fatalf("CreateFile src: %v", err)
	}

	if err := s.CreateFile(ctx, dst); err != nil {
		t.Fatalf("CreateFile dst: %v", err)
	}

	info := CacheInfo{RemotePath: "/src.txt", RemoteLastModified: time.Now()}
	if err := s.CacheInfo().Set(ctx, src, info); err != nil {
		t.Fatalf("Set cache-info: %v", err)
	}

	if err := s.Rename(ctx, src, dst); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if exists, _ := s.Exists(ctx, src); exists {
		t.Errorf("src should no longer exist after rename")
	}

	got, ok, err := s.CacheInfo().Get(ctx, dst)
	if err != nil {
		t.Fatalf("Get cache-info at dst: %v", err)
	}

	if !ok {
		t.Fatalf("expected cache-info to follow the rename to dst")
	}

	if got.RemotePath != "/src.txt" {
		t.Errorf("RemotePath = %q, want %q", got.RemotePath, "/src.txt")
	}
}

func TestCanDeleteRespectsDrift(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	p := key("/cached.txt")

	remoteMtime := time.Now().Add(-time.Hour)
	if err := s.CacheInfo().Set(ctx, p, CacheInfo{RemotePath: "/cached.txt", RemoteLastModified: remoteMtime}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ok, err := s.CacheInfo().CanDelete(ctx, p, remoteMtime, 2*time.Second)
	if err != nil {
		t.Fatalf("CanDelete: %v", err)
	}

	if !ok {
		t.Errorf("mtime equal to remote mtime should be deletable")
	}

	ok, err = s.CacheInfo().CanDelete(ctx, p, remoteMtime.Add(time.Hour), 2*time.Second)
	if err != nil {
		t.Fatalf("CanDelete: %v", err)
	}

	if ok {
		t.Errorf("local mtime far ahead of remote mtime should block delete")
	}
}

func TestCanDeleteFalseForCreatedLocally(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	p := key("/new.txt")

	if err := s.CacheInfo().Set(ctx, p, CacheInfo{CreatedLocally: true}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ok, err := s.CacheInfo().CanDelete(ctx, p, time.Now(), time.Second)
	if err != nil {
		t.Fatalf("CanDelete: %v", err)
	}

	if ok {
		t.Errorf("a createdLocally file never confirmed on remote should not be silently deletable")
	}
}

func TestIsCreatedLocallyDefaultsTrueWithoutSidecar(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	ok, err := s.CacheInfo().IsCreatedLocally(context.Background(), key("/untracked.txt"))
	if err != nil {
		t.Fatalf("IsCreatedLocally: %v", err)
	}

	if !ok {
		t.Errorf("a file with no cache-info at all should be treated as created locally")
	}
}

func TestDeleteDirectoryNonEmptyRequiresAllow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	dir := key("/folder")
	if err := s.CreateDirectory(ctx, dir); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}

	if err := s.CreateFile(ctx, dir.Child("file.txt")); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	if err := s.DeleteDirectory(ctx, dir, false); err == nil {
		t.Fatalf("DeleteDirectory(allowNonEmpty=false) on non-empty dir should fail")
	}

	if err := s.DeleteDirectory(ctx, dir, true); err != nil {
		t.Fatalf("DeleteDirectory(allowNonEmpty=true): %v", err)
	}

	exists, err := s.Exists(ctx, dir)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if exists {
		t.Errorf("directory should be gone after recursive delete")
	}
}

func TestListReportsChildren(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateDirectory(ctx, key("/dir")); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}

	if err := s.CreateFile(ctx, key("/dir/a.txt")); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	entries, err := s.List(ctx, key("/dir"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if len(entries) != 1 || entries[0].Name != "a.txt" {
		t.Fatalf("List = %+v, want single entry a.txt", entries)
	}
}

func TestStatNotFoundIsClassified(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	_, err := s.Stat(context.Background(), key("/missing"))
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
