package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	// downloadConcurrency bounds one window of initial-sync downloads.
	downloadConcurrency = 10

	// checkpointInterval throttles checkpoint writes during heavy change
	// streams: a save happens when this much time passed and at least one
	// change was applied since the last save.
	checkpointInterval = 30 * time.Second
)

// ControllerOptions configures the sync controller.
type ControllerOptions struct {
	DB     *DB
	Client RemoteClient
	Config *SyncConfig
	Clock  clockwork.Clock

	// OnSyncing receives true when the engine enters any active handling
	// state and false when it returns to idle.
	OnSyncing func(bool)
	// OnFilesChanged receives a non-empty summary whenever the engine
	// leaves an active state having applied something.
	OnFilesChanged func(ChangeSummary)
	// OnError receives errors from the poller and queue.
	OnError func(error)
}

// Controller orchestrates the engine: initial bulk sync, the remote
// change poller, the local event queue, status transitions and the
// durable checkpoint.
type Controller struct {
	client  RemoteClient
	cache   *MetadataCache
	mat     *Materializer
	ignores *IgnoreRegistry
	rec     *Reconciler
	watcher *Watcher
	queue   *localQueue
	poller  *ChangePoller
	db      *DB
	cfg     *SyncConfig
	clock   clockwork.Clock

	onSyncing      func(bool)
	onFilesChanged func(ChangeSummary)
	onError        func(error)
	notify         func(string)

	mu              gosync.Mutex
	status          Status
	synced          bool
	token           string
	pending         []Change
	lastCheckpoint  time.Time
	sinceCheckpoint int

	closed    chan struct{}
	closeOnce gosync.Once
	wg        gosync.WaitGroup
}

// NewController wires the engine for one sync binding.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("nil sync config")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	c := &Controller{
		client:         opts.Client,
		db:             opts.DB,
		cfg:            opts.Config,
		clock:          opts.Clock,
		onSyncing:      opts.OnSyncing,
		onFilesChanged: opts.OnFilesChanged,
		onError:        opts.OnError,
		notify:         func(string) {},
		status:         StatusIdle,
		closed:         make(chan struct{}),
	}

	c.ignores = NewIgnoreRegistry()
	c.cache = NewMetadataCache(opts.Client)
	c.mat = NewMaterializer(c.cache, opts.Config.DriveFolderID, opts.Config.LocalPath)
	c.rec = NewReconciler(opts.Client, c.cache, c.mat, c.ignores, opts.Config.PermanentDelete, c.logEntry)

	watcher, err := NewWatcher(opts.Config.LocalPath, c.ignores)
	if err != nil {
		return nil, err
	}
	c.watcher = watcher

	c.queue = newLocalQueue(
		func() { c.setStatus(StatusLocalChange) },
		func() { c.setStatus(StatusIdle); c.maybeCheckpoint() },
		c.handleLocalError,
	)
	c.poller = NewChangePoller(c, c.clock)

	return c, nil
}

// Start runs the startup sequence and returns once the initial download
// completes. The poller, watcher and queue keep running until Close.
// notify receives human-readable progress messages.
func (c *Controller) Start(ctx context.Context, notify func(string)) error {
	if notify != nil {
		c.notify = notify
	}

	// 1. Restore persisted state.
	if err := c.loadCheckpoint(ctx); err != nil {
		return err
	}

	// 2. Watch the local tree; events buffer until initialization is done.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.watcher.Start(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			c.reportError(fmt.Errorf("watcher: %w", err))
		}
	}()

	// 3. Changes fetched before the last shutdown are applied first.
	if len(c.Pending()) > 0 {
		c.notify("applying changes from previous session")
		if _, err := c.ApplyPending(ctx); err != nil {
			return err
		}
		if err := c.CommitToken(c.Token()); err != nil {
			return err
		}
	}

	// 4. Adopt a change cursor before the walk so that concurrent remote
	// edits surface through the poller.
	if c.Token() == "" {
		token, err := c.client.StartPageToken(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
	}

	// 5–7. Walk the remote tree and download what is missing.
	if !c.IsSynced() {
		c.setStatus(StatusInitialSync)
		if err := c.initialSync(ctx); err != nil {
			return err
		}
	}

	// 8. Steady state.
	c.mu.Lock()
	c.synced = true
	c.mu.Unlock()
	if err := c.saveCheckpoint(); err != nil {
		return err
	}
	if c.cfg.ID != 0 && c.db != nil {
		_ = c.db.UpdateLastSync(c.cfg.ID)
	}

	c.setStatus(StatusIdle)
	c.watcher.Release()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		_ = c.poller.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.eventLoop(ctx)
	}()

	c.notify("initial sync complete")
	return nil
}

// Close terminates the poller and queue at their next suspension point
// and writes a final checkpoint.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.watcher.Stop()
		err = c.saveCheckpoint()
	})
	return err
}

// Erase removes the persisted checkpoint for this account.
func (c *Controller) Erase() error {
	if c.db == nil {
		return nil
	}
	return c.db.DeleteCheckpoint(c.cfg.Account)
}

// Status returns the current engine status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsSynced reports whether the initial sync has completed.
func (c *Controller) IsSynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Token returns the current change cursor.
func (c *Controller) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Pending returns the staged-but-unapplied changes.
func (c *Controller) Pending() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change(nil), c.pending...)
}

// StagePending persists a fetched batch before application so a crash
// mid-apply loses nothing.
func (c *Controller) StagePending(changes []Change) error {
	c.mu.Lock()
	c.pending = changes
	c.mu.Unlock()
	return c.saveCheckpoint()
}

// ApplyPending applies the staged changes in windows of bounded
// concurrency. Two changes for the same id never share a window, which
// preserves the feed's per-file order.
func (c *Controller) ApplyPending(ctx context.Context) (bool, error) {
	changes := c.Pending()
	if len(changes) == 0 {
		return false, nil
	}

	c.setStatus(StatusRemoteChange)
	defer func() {
		c.setStatus(StatusIdle)
		c.maybeCheckpoint()
	}()

	applied := false
	for start := 0; start < len(changes); {
		end := start
		seen := make(map[string]struct{})
		for end < len(changes) && end-start < applyConcurrency {
			if _, dup := seen[changes[end].FileID]; dup {
				break
			}
			seen[changes[end].FileID] = struct{}{}
			end++
		}

		var winMu gosync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(applyConcurrency)
		for _, ch := range changes[start:end] {
			g.Go(func() error {
				changed, err := c.rec.ApplyRemoteChange(gctx, ch)
				if err != nil {
					return err
				}
				if changed {
					winMu.Lock()
					applied = true
					winMu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return applied, err
		}

		c.noteChanges(end - start)
		start = end
	}

	return applied, nil
}

// CommitToken advances the change cursor after the covered changes were
// applied, clears the pending set and checkpoints. The token never moves
// before the checkpoint write succeeds.
func (c *Controller) CommitToken(token string) error {
	c.mu.Lock()
	c.pending = nil
	c.token = token
	c.mu.Unlock()

	return c.saveCheckpoint()
}

// --- startup ----------------------------------------------------------

// loadCheckpoint restores the persisted engine state, if any.
func (c *Controller) loadCheckpoint(ctx context.Context) error {
	if c.db == nil {
		return nil
	}

	state, err := c.db.LoadCheckpoint(c.cfg.Account)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	c.cache.Restore(state.FileInfo)
	if err := c.mat.RestoreMaterialized(ctx, state.Materialized()); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = state.ChangeToken
	c.pending = state.ChangesToExecute
	c.synced = state.Synced
	c.mu.Unlock()

	return nil
}

// initialSync walks the remote tree, materializes folders and downloads
// every missing file in bounded windows.
func (c *Controller) initialSync(ctx context.Context) error {
	c.notify("walking remote tree")

	// The root record anchors every parent chain.
	if _, err := c.cache.Get(ctx, c.mat.RootID()); err != nil {
		return err
	}

	records, err := c.walkRemoteTree(ctx)
	if err != nil {
		return err
	}
	c.notify(fmt.Sprintf("found %d remote records", len(records)))

	// One batched parent prefetch so the path walks below are cache-only.
	c.mat.Prefetch(ctx, records)

	var downloads []*FileRecord
	for _, rec := range records {
		if rec.IsFolder() {
			if _, err := c.rec.addLocally(ctx, rec); err != nil {
				return err
			}
			continue
		}
		if rec.Downloadable() {
			downloads = append(downloads, rec)
		}
	}

	c.notify(fmt.Sprintf("downloading %d files", len(downloads)))

	for start := 0; start < len(downloads); start += downloadConcurrency {
		end := start + downloadConcurrency
		if end > len(downloads) {
			end = len(downloads)
		}
		window := downloads[start:end]

		// Parents of the window resolve in one batch before it runs.
		c.mat.Prefetch(ctx, window)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(downloadConcurrency)
		for _, rec := range window {
			g.Go(func() error {
				_, err := c.rec.addLocally(gctx, rec)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		c.noteChanges(len(window))
		c.maybeCheckpoint()
		c.notify(fmt.Sprintf("downloaded %d/%d", end, len(downloads)))
	}

	return nil
}

// walkRemoteTree lists children breadth-first from the root, storing
// every record in the metadata cache. Parents list before children, so
// later path walks resolve without refetching.
func (c *Controller) walkRemoteTree(ctx context.Context) ([]*FileRecord, error) {
	var all []*FileRecord

	frontier := []string{c.mat.RootID()}
	for len(frontier) > 0 {
		parentID := frontier[0]
		frontier = frontier[1:]

		pageToken := ""
		for {
			records, next, err := c.client.ListChildren(ctx, parentID, pageToken)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				c.cache.Store(rec)
				all = append(all, rec)
				if rec.IsFolder() {
					frontier = append(frontier, rec.ID)
				}
			}
			if next == "" {
				break
			}
			pageToken = next
		}
	}

	return all, nil
}

// --- steady state -----------------------------------------------------

// eventLoop feeds watcher events into the local queue.
func (c *Controller) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return

		case ev, ok := <-c.watcher.Events():
			if !ok {
				return
			}
			c.enqueueLocal(ctx, ev)

		case err, ok := <-c.watcher.Errors():
			if !ok {
				return
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

// enqueueLocal appends one local event to the serial queue.
func (c *Controller) enqueueLocal(ctx context.Context, ev Event) {
	c.queue.Push(ctx, func(ctx context.Context) error {
		// After Close, tasks still in the queue are skipped.
		select {
		case <-c.closed:
			return nil
		default:
		}
		switch ev.Kind {
		case FileAdded:
			return c.rec.LocalFileAdded(ctx, ev.Path)
		case FileChanged:
			return c.rec.LocalFileChanged(ctx, ev.Path)
		case FileRemoved:
			return c.rec.LocalFileRemoved(ctx, ev.Path)
		case DirAdded:
			return c.rec.LocalDirAdded(ctx, ev.Path)
		case DirRemoved:
			return c.rec.LocalDirRemoved(ctx, ev.Path)
		default:
			return nil
		}
	})
}

// handleLocalError classifies queue failures. An unknown parent means the
// event raced a pending remote change: logged and dropped. Removal of the
// sync root is fatal.
func (c *Controller) handleLocalError(err error) {
	switch {
	case errors.Is(err, ErrRootRemoved):
		c.reportError(err)
		_ = c.Close()
	case errors.Is(err, ErrUnknownParent):
		slog.Warn("local event rejected", "error", err)
	default:
		slog.Error("local event failed", "error", err)
		c.reportError(err)
	}
}

// --- status & checkpoint ----------------------------------------------

// setStatus transitions the engine status, emitting syncing on every
// transition and a files-changed summary when leaving an active state.
func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.status = s
	c.mu.Unlock()

	if c.onSyncing != nil {
		c.onSyncing(s.Active())
	}

	if prev.Active() && !s.Active() && c.onFilesChanged != nil {
		if summary := c.rec.TakeSummary(); !summary.Empty() {
			c.onFilesChanged(summary)
		}
	}
}

// noteChanges counts applied changes toward the checkpoint throttle.
func (c *Controller) noteChanges(n int) {
	c.mu.Lock()
	c.sinceCheckpoint += n
	c.mu.Unlock()
}

// maybeCheckpoint writes a checkpoint when enough time passed and at
// least one change was applied since the last write.
func (c *Controller) maybeCheckpoint() {
	c.mu.Lock()
	due := c.sinceCheckpoint > 0 && c.clock.Since(c.lastCheckpoint) > checkpointInterval
	c.mu.Unlock()

	if !due {
		return
	}
	if err := c.saveCheckpoint(); err != nil {
		c.reportError(err)
	}
}

// saveCheckpoint snapshots the engine state into the durable store.
func (c *Controller) saveCheckpoint() error {
	if c.db == nil {
		return nil
	}

	c.mu.Lock()
	state := &CheckpointState{
		ChangeToken:      c.token,
		Synced:           c.synced,
		RootID:           c.mat.RootID(),
		ChangesToExecute: append([]Change(nil), c.pending...),
	}
	c.mu.Unlock()

	state.FileInfo = c.cache.Snapshot()
	state.SetMaterialized(c.mat.MaterializedSnapshot())

	if err := c.db.SaveCheckpoint(c.cfg.Account, state); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastCheckpoint = c.clock.Now()
	c.sinceCheckpoint = 0
	c.mu.Unlock()
	return nil
}

// logEntry records one applied operation in the sync log.
func (c *Controller) logEntry(action, path string, details map[string]any) {
	slog.Debug("sync", "action", action, "path", path)
	if c.db != nil && c.cfg.ID != 0 {
		_ = c.db.AddLogEntry(c.cfg.ID, action, path, details)
	}
}

// reportError surfaces an error to the embedding application.
func (c *Controller) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}
