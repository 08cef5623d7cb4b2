package sync

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
)

func newTestMaterializer(t *testing.T, client *fakeClient) (*Materializer, *MetadataCache, string) {
	t.Helper()

	root := t.TempDir()
	cache := NewMetadataCache(client)
	mat := NewMaterializer(cache, "root", root)
	return mat, cache, root
}

func TestPathsOf_RootAndSingleParent(t *testing.T) {
	client := newFakeClient()
	folder := client.addFolder("F", "F", "root")
	file := client.addFile("f1", "a.txt", []byte("abc"), "F")

	mat, cache, root := newTestMaterializer(t, client)
	cache.Store(folder)
	cache.Store(file)

	paths, err := mat.PathsOf(context.Background(), file)
	if err != nil {
		t.Fatalf("pathsOf: %v", err)
	}
	want := filepath.Join(root, "F", "a.txt")
	if len(paths) != 1 || paths[0] != want {
		t.Fatalf("got %v, want [%s]", paths, want)
	}
}

func TestPathsOf_NoParentsMeansNoPaths(t *testing.T) {
	client := newFakeClient()
	mat, _, _ := newTestMaterializer(t, client)

	paths, err := mat.PathsOf(context.Background(), &FileRecord{ID: "orphan", Name: "x"})
	if err != nil {
		t.Fatalf("pathsOf: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected no paths, got %v", paths)
	}
}

func TestPathsOf_MultiParentFanOut(t *testing.T) {
	client := newFakeClient()
	folder := client.addFolder("F", "F", "root")
	file := client.addFile("s1", "s.txt", []byte("hi"), "F", "root")

	mat, cache, root := newTestMaterializer(t, client)
	cache.Store(folder)
	cache.Store(file)

	paths, err := mat.PathsOf(context.Background(), file)
	if err != nil {
		t.Fatalf("pathsOf: %v", err)
	}

	// One path per parent chain reaching the root.
	sort.Strings(paths)
	want := []string{
		filepath.Join(root, "F", "s.txt"),
		filepath.Join(root, "s.txt"),
	}
	sort.Strings(want)
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Fatalf("got %v, want %v", paths, want)
	}
}

func TestPrefetch_MakesWalkCacheOnly(t *testing.T) {
	client := newFakeClient()
	client.addFolder("A", "A", "root")
	client.addFolder("B", "B", "A")
	file := client.addFile("f1", "deep.txt", []byte("x"), "B")

	mat, cache, _ := newTestMaterializer(t, client)
	cache.Store(file)

	mat.Prefetch(context.Background(), []*FileRecord{file})

	// The full parent chain is resolved; the walk fires no fetches.
	before := client.getCalls
	paths, err := mat.PathsOf(context.Background(), file)
	if err != nil {
		t.Fatalf("pathsOf: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected one path, got %v", paths)
	}
	if client.getCalls != before {
		t.Fatalf("walk fetched %d records after prefetch", client.getCalls-before)
	}
}

func TestUpdateIndex_LastWriterWinsOnCollision(t *testing.T) {
	client := newFakeClient()
	mat, cache, root := newTestMaterializer(t, client)

	older := &FileRecord{ID: "old", Name: "dup.txt", ModifiedTime: "2024-01-01T00:00:01Z", Parents: []string{"root"}}
	newer := &FileRecord{ID: "new", Name: "dup.txt", ModifiedTime: "2024-01-01T00:00:02Z", Parents: []string{"root"}}
	cache.Store(older)
	cache.Store(newer)

	path := filepath.Join(root, "dup.txt")

	mat.UpdateIndex(newer, []string{path})
	mat.UpdateIndex(older, []string{path})

	if id, _ := mat.IDForPath(path); id != "new" {
		t.Fatalf("expected newer record to win the path, got %s", id)
	}

	// The newer record always takes over from an older one.
	mat.DropPath(path)
	mat.UpdateIndex(older, []string{path})
	mat.UpdateIndex(newer, []string{path})
	if id, _ := mat.IDForPath(path); id != "new" {
		t.Fatalf("expected new to hold the path, got %s", id)
	}
}

func TestMaterializedSet_SnapshotRestore(t *testing.T) {
	client := newFakeClient()
	file := client.addFile("f1", "a.txt", []byte("abc"), "root")

	mat, cache, root := newTestMaterializer(t, client)
	cache.Store(file)

	path := filepath.Join(root, "a.txt")
	mat.MarkMaterialized(path)

	snap := mat.MaterializedSnapshot()
	if !snap[path] {
		t.Fatal("snapshot should carry the materialized path")
	}

	mat2 := NewMaterializer(cache, "root", root)
	if err := mat2.RestoreMaterialized(context.Background(), snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !mat2.IsMaterialized(path) {
		t.Fatal("restore lost the materialized path")
	}
	// The path index is rebuilt from the cache on restore.
	if id, ok := mat2.IDForPath(path); !ok || id != "f1" {
		t.Fatalf("index not rebuilt: id=%s ok=%t", id, ok)
	}
}
