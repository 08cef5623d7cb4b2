package sync

import (
	"context"
	gosync "sync"

	"golang.org/x/sync/errgroup"
)

// fetchConcurrency bounds the number of in-flight metadata fetches fired
// by a single GetMany call.
const fetchConcurrency = 10

// MetadataCache maps remote file id to its authoritative FileRecord and
// resolves misses through the remote client. A side cache memoizes parent
// records during path walks; Store invalidates side-cache entries for the
// stored record's parents because their children sets may have shifted.
type MetadataCache struct {
	client RemoteClient

	mu      gosync.RWMutex
	records map[string]*FileRecord
	parents map[string]*FileRecord
}

// NewMetadataCache creates an empty cache backed by client.
func NewMetadataCache(client RemoteClient) *MetadataCache {
	return &MetadataCache{
		client:  client,
		records: make(map[string]*FileRecord),
		parents: make(map[string]*FileRecord),
	}
}

// Lookup returns the cached record or nil. It never fetches.
func (c *MetadataCache) Lookup(id string) *FileRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.records[id]
}

// Get returns the record for id, fetching it on a cache miss. A remote
// not-found yields (nil, nil).
func (c *MetadataCache) Get(ctx context.Context, id string) (*FileRecord, error) {
	if rec := c.Lookup(id); rec != nil {
		return rec, nil
	}

	rec, err := c.client.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		c.Store(rec)
	}
	return rec, nil
}

// GetMany resolves a set of ids. Cached ids are answered locally; the rest
// are fetched concurrently. Individual failures and not-founds yield a nil
// entry without failing the batch.
func (c *MetadataCache) GetMany(ctx context.Context, ids []string) map[string]*FileRecord {
	out := make(map[string]*FileRecord, len(ids))

	var missing []string
	c.mu.RLock()
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		if rec, ok := c.records[id]; ok {
			out[id] = rec
		} else {
			out[id] = nil
			missing = append(missing, id)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out
	}

	var outMu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for _, id := range missing {
		g.Go(func() error {
			rec, err := c.client.GetRecord(gctx, id)
			if err != nil || rec == nil {
				return nil
			}
			c.Store(rec)
			outMu.Lock()
			out[id] = rec
			outMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// Store inserts or replaces a record and drops side-cache entries for each
// of its parents.
func (c *MetadataCache) Store(rec *FileRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records[rec.ID] = rec
	for _, p := range rec.Parents {
		delete(c.parents, p)
	}
}

// Remove forgets a record and its side-cache entry.
func (c *MetadataCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.records, id)
	delete(c.parents, id)
}

// Len returns the number of cached records.
func (c *MetadataCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.records)
}

// parentInfo resolves a parent record for a path walk: side cache first,
// then the main cache, then the remote. The result is memoized in the side
// cache for the remainder of the walk.
func (c *MetadataCache) parentInfo(ctx context.Context, id string) (*FileRecord, error) {
	c.mu.RLock()
	if rec, ok := c.parents[id]; ok {
		c.mu.RUnlock()
		return rec, nil
	}
	rec, ok := c.records[id]
	c.mu.RUnlock()

	if !ok {
		var err error
		rec, err = c.client.GetRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
		c.Store(rec)
	}

	c.mu.Lock()
	c.parents[id] = rec
	c.mu.Unlock()

	return rec, nil
}

// Snapshot copies the id→record mapping for checkpointing.
func (c *MetadataCache) Snapshot() map[string]*FileRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*FileRecord, len(c.records))
	for id, rec := range c.records {
		out[id] = rec
	}
	return out
}

// Restore replaces the cache contents from a checkpoint.
func (c *MetadataCache) Restore(records map[string]*FileRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = make(map[string]*FileRecord, len(records))
	for id, rec := range records {
		c.records[id] = rec
	}
	c.parents = make(map[string]*FileRecord)
}
