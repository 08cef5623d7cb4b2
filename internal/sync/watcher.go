package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/fsnotify/fsnotify"
)

// EventKind classifies a local filesystem event.
type EventKind int

const (
	// FileAdded indicates a file appeared.
	FileAdded EventKind = iota
	// FileRemoved indicates a file disappeared.
	FileRemoved
	// FileChanged indicates a file's content was written.
	FileChanged
	// DirAdded indicates a directory appeared.
	DirAdded
	// DirRemoved indicates a directory disappeared.
	DirRemoved
)

// String returns a string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case FileAdded:
		return "file-added"
	case FileRemoved:
		return "file-removed"
	case FileChanged:
		return "file-changed"
	case DirAdded:
		return "dir-added"
	case DirRemoved:
		return "dir-removed"
	default:
		return "unknown"
	}
}

// Event is one local filesystem change, with an absolute path.
type Event struct {
	Kind EventKind
	Path string
}

// Watcher wraps a recursive fsnotify watcher rooted at the local sync
// folder. Events caused by the engine's own writes are dropped through
// the ignore registry; events on temporary download files never surface.
// Events are buffered until Release so that initialization does not race
// the event stream.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	ignores *IgnoreRegistry
	events  chan Event
	errors  chan error

	mu     gosync.Mutex
	dirs   map[string]bool
	held   bool
	buffer []Event
}

// NewWatcher creates a watcher rooted at root. Events are held until
// Release is called.
func NewWatcher(root string, ignores *IgnoreRegistry) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		root:    absRoot,
		watcher: fsWatcher,
		ignores: ignores,
		events:  make(chan Event, 256),
		errors:  make(chan error, 10),
		dirs:    make(map[string]bool),
		held:    true,
	}

	if err := w.addRecursive(absRoot); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("add recursive watches: %w", err)
	}

	return w, nil
}

// Events returns the channel of watch events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Release flushes buffered events and starts delivering directly.
func (w *Watcher) Release() {
	w.mu.Lock()
	buffered := w.buffer
	w.buffer = nil
	w.held = false
	w.mu.Unlock()

	for _, ev := range buffered {
		w.send(ev)
	}
}

// Start begins watching. Blocks until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			select {
			case w.errors <- err:
			default:
				// errors channel full, drop
			}
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// handleEvent classifies a raw fsnotify event into one of the five event
// kinds, applying the temp-file and ignore-registry filters.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	if isTempDownload(filepath.Base(path)) {
		return
	}

	var kind EventKind
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			// Gone before we could look; a remove event will follow if
			// anything was tracked.
			return
		}
		if info.IsDir() {
			kind = DirAdded
			w.mu.Lock()
			w.dirs[path] = true
			w.mu.Unlock()
			if err := w.addRecursive(path); err != nil {
				select {
				case w.errors <- fmt.Errorf("watch new dir %s: %w", path, err):
				default:
				}
			}
		} else {
			kind = FileAdded
		}

	case event.Has(fsnotify.Write):
		kind = FileChanged

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		wasDir := w.dirs[path]
		delete(w.dirs, path)
		w.mu.Unlock()
		if wasDir {
			kind = DirRemoved
		} else {
			kind = FileRemoved
		}

	default:
		// chmod or other event we don't care about
		return
	}

	if w.ignores.Consume(path) {
		return
	}

	w.emit(Event{Kind: kind, Path: path})
}

// emit buffers or delivers one event depending on the hold state.
func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	if w.held {
		w.buffer = append(w.buffer, ev)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.send(ev)
}

func (w *Watcher) send(ev Event) {
	select {
	case w.events <- ev:
	default:
		// Channel full: drop the oldest to keep per-path ordering of the
		// events that remain.
		select {
		case <-w.events:
		default:
		}
		select {
		case w.events <- ev:
		default:
		}
	}
}

// addRecursive adds a directory and all subdirectories to the watch set.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if err := w.watcher.Add(path); err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return fmt.Errorf("add watch for %s: %w", path, err)
		}

		w.mu.Lock()
		w.dirs[path] = true
		w.mu.Unlock()

		return nil
	})
}

// isTempDownload reports whether base names an in-flight download file.
func isTempDownload(base string) bool {
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, ".tmp")
}
