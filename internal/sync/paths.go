package sync

import (
	"context"
	"path/filepath"
	"sort"
	gosync "sync"
)

// Materializer maps the remote multi-parent DAG onto the local tree. A
// record with k parents materializes at k local paths, one per parent
// chain reaching the root; the first is canonical. It also owns the
// reverse path index (local path → remote id) and the materialized set
// (paths the engine believes it has written).
type Materializer struct {
	rootID   string
	rootPath string
	cache    *MetadataCache

	mu           gosync.Mutex
	index        map[string]string
	materialized map[string]bool
}

// NewMaterializer creates a materializer for the given remote root and
// local folder.
func NewMaterializer(cache *MetadataCache, rootID, rootPath string) *Materializer {
	return &Materializer{
		rootID:       rootID,
		rootPath:     rootPath,
		cache:        cache,
		index:        make(map[string]string),
		materialized: make(map[string]bool),
	}
}

// RootPath returns the configured local folder.
func (m *Materializer) RootPath() string { return m.rootPath }

// RootID returns the configured remote root id.
func (m *Materializer) RootID() string { return m.rootID }

// PathsOf computes every local path the record materializes at, one per
// parent chain reaching the root. Parents outside the synced tree
// contribute nothing. Callers that materialize many records should
// Prefetch first so the walk is cache-only.
func (m *Materializer) PathsOf(ctx context.Context, rec *FileRecord) ([]string, error) {
	if rec == nil {
		return nil, nil
	}
	if rec.ID == m.rootID {
		return []string{m.rootPath}, nil
	}
	if len(rec.Parents) == 0 {
		return nil, nil
	}

	var paths []string
	for _, parentID := range rec.Parents {
		if parentID == m.rootID {
			paths = append(paths, filepath.Join(m.rootPath, rec.Name))
			continue
		}

		parent, err := m.cache.parentInfo(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			continue
		}

		parentPaths, err := m.PathsOf(ctx, parent)
		if err != nil {
			return nil, err
		}
		for _, pp := range parentPaths {
			paths = append(paths, filepath.Join(pp, rec.Name))
		}
	}
	return paths, nil
}

// Prefetch resolves the transitive parent closure of recs in bulk so that
// subsequent PathsOf walks only touch the cache. Unresolvable parents are
// skipped; their chains simply do not reach the root.
func (m *Materializer) Prefetch(ctx context.Context, recs []*FileRecord) {
	pending := make(map[string]struct{})

	collect := func(rec *FileRecord) {
		for _, p := range rec.Parents {
			if p == m.rootID {
				continue
			}
			if m.cache.Lookup(p) == nil {
				pending[p] = struct{}{}
			}
		}
	}

	for _, rec := range recs {
		collect(rec)
	}

	for len(pending) > 0 {
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		pending = make(map[string]struct{})

		for _, rec := range m.cache.GetMany(ctx, ids) {
			if rec != nil {
				collect(rec)
			}
		}
	}
}

// UpdateIndex records path→id entries for every materialized path of rec.
// When two sibling records collide on the same path, the record with the
// greater modifiedTime wins the entry.
func (m *Materializer) UpdateIndex(rec *FileRecord, paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, path := range paths {
		current, ok := m.index[path]
		if ok && current != rec.ID {
			if existing := m.cache.Lookup(current); existing != nil && existing.NewerThan(rec) {
				continue
			}
		}
		m.index[path] = rec.ID
	}
}

// IDForPath looks up the remote id materialized at path.
func (m *Materializer) IDForPath(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.index[path]
	return id, ok
}

// DropPath removes a path from the index and the materialized set.
func (m *Materializer) DropPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.index, path)
	delete(m.materialized, path)
}

// MarkMaterialized records that the engine wrote path.
func (m *Materializer) MarkMaterialized(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.materialized[path] = true
}

// IsMaterialized reports whether the engine wrote path.
func (m *Materializer) IsMaterialized(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.materialized[path]
}

// MaterializedSnapshot copies the materialized set for checkpointing.
func (m *Materializer) MaterializedSnapshot() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]bool, len(m.materialized))
	for p := range m.materialized {
		out[p] = true
	}
	return out
}

// RestoreMaterialized replaces the materialized set from a checkpoint and
// rebuilds the path index from the metadata cache.
func (m *Materializer) RestoreMaterialized(ctx context.Context, paths map[string]bool) error {
	m.mu.Lock()
	m.materialized = make(map[string]bool, len(paths))
	for p := range paths {
		m.materialized[p] = true
	}
	m.mu.Unlock()

	for _, rec := range m.cache.Snapshot() {
		recPaths, err := m.PathsOf(ctx, rec)
		if err != nil {
			return err
		}
		m.UpdateIndex(rec, recPaths)
	}
	return nil
}
