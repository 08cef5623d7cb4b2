package sync

import (
	"context"
	"testing"
)

func TestCache_GetFetchesOnMiss(t *testing.T) {
	client := newFakeClient()
	client.addFile("f1", "a.txt", []byte("abc"), "root")

	cache := NewMetadataCache(client)

	rec, err := cache.Get(context.Background(), "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.Name != "a.txt" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// Second get is answered from the cache.
	before := client.getCalls
	if _, err := cache.Get(context.Background(), "f1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if client.getCalls != before {
		t.Fatalf("expected cached hit, got %d extra fetches", client.getCalls-before)
	}
}

func TestCache_GetManyPartitionsAndNilsFailures(t *testing.T) {
	client := newFakeClient()
	client.addFile("f1", "a.txt", []byte("abc"), "root")
	client.addFile("f2", "b.txt", []byte("de"), "root")

	cache := NewMetadataCache(client)
	cache.Store(client.records["f1"])

	out := cache.GetMany(context.Background(), []string{"f1", "f2", "missing"})

	if out["f1"] == nil || out["f1"].Name != "a.txt" {
		t.Fatalf("f1 should resolve from cache: %+v", out["f1"])
	}
	if out["f2"] == nil || out["f2"].Name != "b.txt" {
		t.Fatalf("f2 should resolve from remote: %+v", out["f2"])
	}
	if out["missing"] != nil {
		t.Fatalf("missing id should yield nil, got %+v", out["missing"])
	}

	// The fetched record is now cached.
	if cache.Lookup("f2") == nil {
		t.Fatal("f2 should be cached after GetMany")
	}
}

func TestCache_StoreInvalidatesParentSideCache(t *testing.T) {
	client := newFakeClient()
	folder := client.addFolder("F", "F", "root")
	client.addFile("f1", "a.txt", []byte("abc"), "F")

	cache := NewMetadataCache(client)
	cache.Store(folder)

	// Warm the side cache through a parent walk.
	if _, err := cache.parentInfo(context.Background(), "F"); err != nil {
		t.Fatalf("parentInfo: %v", err)
	}
	if _, ok := cache.parents["F"]; !ok {
		t.Fatal("expected side cache entry for F")
	}

	// Replacing a child of F drops the memoized parent.
	cache.Store(&FileRecord{ID: "f1", Name: "a2.txt", Parents: []string{"F"}})

	if _, ok := cache.parents["F"]; ok {
		t.Fatal("side cache entry for F should be invalidated")
	}
}

func TestCache_SnapshotRestoreRoundTrip(t *testing.T) {
	client := newFakeClient()
	cache := NewMetadataCache(client)
	cache.Store(client.addFile("f1", "a.txt", []byte("abc"), "root"))

	snap := cache.Snapshot()

	restored := NewMetadataCache(client)
	restored.Restore(snap)

	if restored.Len() != 1 || restored.Lookup("f1") == nil {
		t.Fatalf("restore lost records: len=%d", restored.Len())
	}
}
