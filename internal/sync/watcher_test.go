package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startTestWatcher(t *testing.T, reg *IgnoreRegistry) (*Watcher, string) {
	t.Helper()

	root := t.TempDir()
	w, err := NewWatcher(root, reg)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})

	return w, root
}

// waitEvent waits until an event for path with the given kind arrives,
// skipping unrelated events.
func waitEvent(t *testing.T, w *Watcher, kind EventKind, path string) {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == kind && ev.Path == path {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", kind, path)
		}
	}
}

// expectQuiet asserts that no event for path arrives within the window.
func expectQuiet(t *testing.T, w *Watcher, path string) {
	t.Helper()

	timeout := time.After(400 * time.Millisecond)
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == path {
				t.Fatalf("unexpected event %s for %s", ev.Kind, ev.Path)
			}
		case <-timeout:
			return
		}
	}
}

func TestWatcher_FileLifecycleEvents(t *testing.T) {
	w, root := startTestWatcher(t, NewIgnoreRegistry())
	w.Release()

	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitEvent(t, w, FileAdded, path)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitEvent(t, w, FileRemoved, path)
}

func TestWatcher_DirectoryEvents(t *testing.T) {
	w, root := startTestWatcher(t, NewIgnoreRegistry())
	w.Release()

	dir := filepath.Join(root, "sub")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	waitEvent(t, w, DirAdded, dir)

	// A new directory joins the watch set; files inside it are seen.
	inner := filepath.Join(dir, "inner.txt")
	if err := os.WriteFile(inner, []byte("x"), 0o644); err != nil {
		t.Fatalf("write inner: %v", err)
	}
	waitEvent(t, w, FileAdded, inner)

	if err := os.Remove(inner); err != nil {
		t.Fatalf("remove inner: %v", err)
	}
	if err := os.Remove(dir); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	waitEvent(t, w, DirRemoved, dir)
}

func TestWatcher_IgnoredEventsAreDropped(t *testing.T) {
	reg := NewIgnoreRegistry()
	w, root := startTestWatcher(t, reg)
	w.Release()

	// The engine declares the write before performing it.
	echoed := filepath.Join(root, "echo.txt")
	reg.Ignore(echoed)
	if err := os.WriteFile(echoed, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectQuiet(t, w, echoed)
}

func TestWatcher_TempDownloadFilesAreFiltered(t *testing.T) {
	w, root := startTestWatcher(t, NewIgnoreRegistry())
	w.Release()

	tmp := filepath.Join(root, ".a.txt.tmp")
	if err := os.WriteFile(tmp, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectQuiet(t, w, tmp)
}

func TestWatcher_BuffersUntilReleased(t *testing.T) {
	w, root := startTestWatcher(t, NewIgnoreRegistry())

	path := filepath.Join(root, "early.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Held: nothing is delivered yet.
	select {
	case ev := <-w.Events():
		t.Fatalf("event delivered while held: %+v", ev)
	case <-time.After(400 * time.Millisecond):
	}

	w.Release()
	waitEvent(t, w, FileAdded, path)
}
