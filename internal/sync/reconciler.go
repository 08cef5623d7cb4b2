package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	gosync "sync"
)

// ErrUnknownParent rejects a local event whose parent directory is not in
// the path index. This happens when the event races ahead of a remote
// change still in the pending queue; callers log and continue.
var ErrUnknownParent = errors.New("unknown parent for local path")

// ErrRootRemoved is fatal: the configured local root was deleted and
// continuing would destroy remote data.
var ErrRootRemoved = errors.New("local sync root was removed")

// logFunc receives one entry per applied operation.
type logFunc func(action, path string, details map[string]any)

// Reconciler applies a single remote change or local event to both sides.
// Remote changes run in bounded concurrent windows; local events are
// serialized by the local event queue. All map mutations go through the
// cache and materializer, which carry their own locks.
type Reconciler struct {
	client  RemoteClient
	cache   *MetadataCache
	mat     *Materializer
	ignores *IgnoreRegistry
	logf    logFunc

	// permanentDelete controls whether a local removal deletes the remote
	// record outright or moves it to the trash.
	permanentDelete bool

	sumMu   gosync.Mutex
	summary ChangeSummary
}

// NewReconciler wires a reconciler over the shared engine state.
func NewReconciler(client RemoteClient, cache *MetadataCache, mat *Materializer, ignores *IgnoreRegistry, permanentDelete bool, logf logFunc) *Reconciler {
	if logf == nil {
		logf = func(string, string, map[string]any) {}
	}
	return &Reconciler{
		client:          client,
		cache:           cache,
		mat:             mat,
		ignores:         ignores,
		permanentDelete: permanentDelete,
		logf:            logf,
	}
}

// TakeSummary returns the counters accumulated since the last call and
// resets them.
func (r *Reconciler) TakeSummary() ChangeSummary {
	r.sumMu.Lock()
	defer r.sumMu.Unlock()

	s := r.summary
	r.summary = ChangeSummary{}
	return s
}

func (r *Reconciler) count(update func(*ChangeSummary)) {
	r.sumMu.Lock()
	update(&r.summary)
	r.sumMu.Unlock()
}

// ApplyRemoteChange applies one change-feed entry to the local side.
// Returns true when at least one local file actually changed. Applying
// the same change twice is idempotent.
func (r *Reconciler) ApplyRemoteChange(ctx context.Context, ch Change) (bool, error) {
	if ch.Removed || (ch.Record != nil && ch.Record.Trashed) {
		return r.removeLocally(ctx, ch.FileID, ch.Record != nil && ch.Record.Trashed)
	}
	if ch.Record == nil {
		return false, nil
	}

	old := r.cache.Lookup(ch.Record.ID)
	if old == nil {
		return r.addLocally(ctx, ch.Record)
	}
	return r.updateLocally(ctx, old, ch.Record)
}

// removeLocally deletes every materialization of id and forgets the
// record. Returns true iff at least one path was removed from disk.
func (r *Reconciler) removeLocally(ctx context.Context, id string, trashed bool) (bool, error) {
	rec := r.cache.Lookup(id)
	if rec == nil {
		return false, nil
	}

	paths, err := r.mat.PathsOf(ctx, rec)
	if err != nil {
		return false, err
	}

	changed := false
	for _, path := range paths {
		r.ignores.Ignore(path)
		var rmErr error
		if rec.IsFolder() {
			rmErr = os.RemoveAll(path)
		} else {
			rmErr = os.Remove(path)
		}
		if rmErr == nil {
			changed = true
		} else if !os.IsNotExist(rmErr) {
			return changed, fmt.Errorf("remove %s: %w", path, rmErr)
		}
		r.mat.DropPath(path)
	}

	r.cache.Remove(id)

	if changed {
		r.count(func(s *ChangeSummary) {
			if trashed {
				s.Trashed++
			} else {
				s.Removed++
			}
		})
		r.logf("remote_remove", id, map[string]any{"trashed": trashed, "paths": len(paths)})
	}
	return changed, nil
}

// addLocally stores a new record and materializes it at every path.
func (r *Reconciler) addLocally(ctx context.Context, rec *FileRecord) (bool, error) {
	r.cache.Store(rec)

	paths, err := r.mat.PathsOf(ctx, rec)
	if err != nil {
		return false, err
	}
	if len(paths) == 0 {
		return false, nil
	}

	if rec.IsFolder() {
		changed := false
		for _, path := range paths {
			if _, statErr := os.Stat(path); statErr == nil {
				continue
			}
			if err := r.ensureDir(path); err != nil {
				return changed, err
			}
			changed = true
		}
		r.mat.UpdateIndex(rec, paths)
		for _, path := range paths {
			r.mat.MarkMaterialized(path)
		}
		if changed {
			r.count(func(s *ChangeSummary) { s.Added++ })
			r.logf("remote_add", rec.ID, map[string]any{"folder": true, "paths": len(paths)})
		}
		return changed, nil
	}

	if !rec.Downloadable() {
		return false, nil
	}

	changed, err := r.downloadRecord(ctx, rec, paths)
	if err != nil {
		return false, err
	}
	if changed {
		r.count(func(s *ChangeSummary) { s.Added++ })
		r.logf("remote_add", rec.ID, map[string]any{"paths": len(paths)})
	}
	return changed, nil
}

// updateLocally reconciles a replacement record against the cached one.
func (r *Reconciler) updateLocally(ctx context.Context, old, rec *FileRecord) (bool, error) {
	// Old paths reflect the pre-update parent set; compute them before the
	// replacement record lands in the cache.
	oldPaths, err := r.mat.PathsOf(ctx, old)
	if err != nil {
		return false, err
	}

	r.cache.Store(rec)

	if old.Name == rec.Name && sameParents(old, rec) && !rec.NewerThan(old) {
		return false, nil
	}

	newPaths, err := r.mat.PathsOf(ctx, rec)
	if err != nil {
		return false, err
	}

	if len(oldPaths) == 0 && len(newPaths) == 0 {
		return false, nil
	}

	if old.MD5Checksum != rec.MD5Checksum && rec.Downloadable() {
		// Content changed: drop the old materializations and redownload.
		for _, path := range oldPaths {
			r.ignores.Ignore(path)
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return false, fmt.Errorf("remove %s: %w", path, rmErr)
			}
			r.mat.DropPath(path)
		}
		changed, err := r.downloadRecord(ctx, rec, newPaths)
		if err != nil {
			return false, err
		}
		if changed {
			r.count(func(s *ChangeSummary) { s.Updated++ })
			r.logf("remote_update", rec.ID, map[string]any{"content": true})
		}
		return changed, nil
	}

	if len(oldPaths) == 0 {
		r.cache.Remove(rec.ID)
		return r.addLocally(ctx, rec)
	}

	if samePathSet(oldPaths, newPaths) {
		return false, nil
	}

	changed, err := r.applyPathDelta(ctx, rec, oldPaths, newPaths)
	if err != nil {
		return false, err
	}
	if changed {
		r.count(func(s *ChangeSummary) { s.Updated++ })
		r.logf("remote_update", rec.ID, map[string]any{"moved": true})
	}
	return changed, nil
}

// applyPathDelta renames, copies and deletes materializations so that the
// on-disk set matches newPaths. Removed and added paths are paired by
// index; surplus removals are deleted, surplus additions copied from the
// first surviving path.
func (r *Reconciler) applyPathDelta(ctx context.Context, rec *FileRecord, oldPaths, newPaths []string) (bool, error) {
	removed := pathsNotIn(oldPaths, newPaths)
	added := pathsNotIn(newPaths, oldPaths)

	changed := false

	pairs := min(len(removed), len(added))
	for i := 0; i < pairs; i++ {
		from, to := removed[i], added[i]
		if err := r.ensureDir(filepath.Dir(to)); err != nil {
			return changed, err
		}
		r.ignores.Ignore(from)
		r.ignores.Ignore(to)
		if err := os.Rename(from, to); err != nil {
			return changed, fmt.Errorf("rename %s to %s: %w", from, to, err)
		}
		r.mat.DropPath(from)
		r.mat.MarkMaterialized(to)
		changed = true
	}

	for _, path := range removed[pairs:] {
		r.ignores.Ignore(path)
		var rmErr error
		if rec.IsFolder() {
			rmErr = os.RemoveAll(path)
		} else {
			rmErr = os.Remove(path)
		}
		if rmErr != nil && !os.IsNotExist(rmErr) {
			return changed, fmt.Errorf("remove %s: %w", path, rmErr)
		}
		r.mat.DropPath(path)
		changed = true
	}

	if len(added) > pairs {
		source := firstExisting(newPaths)
		for _, path := range added[pairs:] {
			if err := r.ensureDir(filepath.Dir(path)); err != nil {
				return changed, err
			}
			if rec.IsFolder() {
				if err := r.ensureDir(path); err != nil {
					return changed, err
				}
			} else {
				if source == "" {
					continue
				}
				r.ignores.Ignore(path)
				if err := copyFile(source, path); err != nil {
					return changed, err
				}
			}
			r.mat.MarkMaterialized(path)
			changed = true
		}
	}

	r.mat.UpdateIndex(rec, newPaths)
	return changed, nil
}

// downloadRecord fetches content once and fans it out to every
// materialized path. The first path is canonical: content lands in a
// temporary file under the root and is renamed onto it atomically. A
// canonical file whose md5 already matches skips the transfer.
func (r *Reconciler) downloadRecord(ctx context.Context, rec *FileRecord, paths []string) (bool, error) {
	if len(paths) == 0 {
		return false, nil
	}
	canonical := paths[0]

	changed := false

	onDisk, _ := computeMD5(canonical)
	if onDisk != rec.MD5Checksum {
		if err := r.ensureDir(filepath.Dir(canonical)); err != nil {
			return false, err
		}

		tmp := filepath.Join(r.mat.RootPath(), "."+rec.Name+".tmp")
		if err := r.fetchToFile(ctx, rec.ID, tmp); err != nil {
			_ = os.Remove(tmp)
			return false, err
		}

		r.ignores.Ignore(canonical)
		if err := os.Rename(tmp, canonical); err != nil {
			_ = os.Remove(tmp)
			return false, fmt.Errorf("rename onto %s: %w", canonical, err)
		}
		changed = true
	}

	for _, path := range paths[1:] {
		if md5sum, _ := computeMD5(path); md5sum == rec.MD5Checksum {
			continue
		}
		if err := r.ensureDir(filepath.Dir(path)); err != nil {
			return changed, err
		}
		r.ignores.Ignore(path)
		if err := copyFile(canonical, path); err != nil {
			return changed, err
		}
		changed = true
	}

	r.mat.UpdateIndex(rec, paths)
	for _, path := range paths {
		r.mat.MarkMaterialized(path)
	}
	return changed, nil
}

// fetchToFile streams remote content into path.
func (r *Reconciler) fetchToFile(ctx context.Context, id, path string) error {
	body, err := r.client.Download(ctx, id)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// ensureDir creates path and any missing parents, registering an ignore
// token for each directory actually created.
func (r *Reconciler) ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if parent := filepath.Dir(path); parent != path {
		if err := r.ensureDir(parent); err != nil {
			return err
		}
	}
	r.ignores.Ignore(path)
	if err := os.Mkdir(path, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// --- local event application -----------------------------------------

// LocalFileAdded uploads a user-created file. A path already mapped to a
// known id is treated as a content change instead.
func (r *Reconciler) LocalFileAdded(ctx context.Context, path string) error {
	if _, ok := r.mat.IDForPath(path); ok {
		return r.LocalFileChanged(ctx, path)
	}

	parentID, err := r.parentOfPath(path)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	created, err := r.client.CreateFile(ctx, &FileRecord{
		Name:    filepath.Base(path),
		Parents: []string{parentID},
	}, f)
	if err != nil {
		return err
	}

	r.cache.Store(created)
	r.mat.UpdateIndex(created, []string{path})
	r.count(func(s *ChangeSummary) { s.Added++ })
	r.logf("upload", path, map[string]any{"id": created.ID, "md5": created.MD5Checksum})
	return nil
}

// LocalFileChanged uploads new content for a tracked file and refreshes
// the sibling materializations.
func (r *Reconciler) LocalFileChanged(ctx context.Context, path string) error {
	id, ok := r.mat.IDForPath(path)
	if !ok {
		return r.LocalFileAdded(ctx, path)
	}

	rec := r.cache.Lookup(id)
	if rec == nil || !rec.Downloadable() {
		return nil
	}

	md5sum, err := computeMD5(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if md5sum == rec.MD5Checksum {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	updated, err := r.client.UpdateContent(ctx, id, f)
	if err != nil {
		return err
	}
	r.cache.Store(updated)

	paths, err := r.mat.PathsOf(ctx, updated)
	if err != nil {
		return err
	}
	for _, sibling := range paths {
		if sibling == path {
			continue
		}
		r.ignores.Ignore(sibling)
		if err := copyFile(path, sibling); err != nil {
			return err
		}
		r.mat.MarkMaterialized(sibling)
	}
	r.mat.UpdateIndex(updated, paths)

	r.count(func(s *ChangeSummary) { s.Updated++ })
	r.logf("upload", path, map[string]any{"id": id, "md5": updated.MD5Checksum})
	return nil
}

// LocalFileRemoved propagates a user deletion: siblings come off disk and
// the record is deleted or trashed depending on configuration.
func (r *Reconciler) LocalFileRemoved(ctx context.Context, path string) error {
	id, ok := r.mat.IDForPath(path)
	if !ok {
		return nil
	}

	rec := r.cache.Lookup(id)
	if rec != nil {
		paths, err := r.mat.PathsOf(ctx, rec)
		if err != nil {
			return err
		}
		for _, sibling := range paths {
			if sibling == path {
				continue
			}
			r.ignores.Ignore(sibling)
			var rmErr error
			if rec.IsFolder() {
				rmErr = os.RemoveAll(sibling)
			} else {
				rmErr = os.Remove(sibling)
			}
			if rmErr != nil && !os.IsNotExist(rmErr) {
				return fmt.Errorf("remove %s: %w", sibling, rmErr)
			}
			r.mat.DropPath(sibling)
		}
	}

	if r.permanentDelete {
		if err := r.client.DeleteRecord(ctx, id); err != nil {
			return err
		}
	} else {
		if err := r.client.TrashRecord(ctx, id); err != nil {
			return err
		}
	}

	r.cache.Remove(id)
	r.mat.DropPath(path)

	r.count(func(s *ChangeSummary) {
		if r.permanentDelete {
			s.Removed++
		} else {
			s.Trashed++
		}
	})
	r.logf("local_remove", path, map[string]any{"id": id, "permanent": r.permanentDelete})
	return nil
}

// LocalDirAdded creates a remote folder for a user-created directory.
func (r *Reconciler) LocalDirAdded(ctx context.Context, path string) error {
	if _, ok := r.mat.IDForPath(path); ok {
		return nil
	}

	parentID, err := r.parentOfPath(path)
	if err != nil {
		return err
	}

	created, err := r.client.CreateFile(ctx, &FileRecord{
		Name:     filepath.Base(path),
		MimeType: FolderMimeType,
		Parents:  []string{parentID},
	}, nil)
	if err != nil {
		return err
	}

	r.cache.Store(created)
	r.mat.UpdateIndex(created, []string{path})
	r.count(func(s *ChangeSummary) { s.Added++ })
	r.logf("upload", path, map[string]any{"id": created.ID, "folder": true})
	return nil
}

// LocalDirRemoved propagates a directory deletion. Removing the sync root
// itself is fatal.
func (r *Reconciler) LocalDirRemoved(ctx context.Context, path string) error {
	if path == r.mat.RootPath() {
		return ErrRootRemoved
	}
	return r.LocalFileRemoved(ctx, path)
}

// parentOfPath resolves the remote parent id for a local path.
func (r *Reconciler) parentOfPath(path string) (string, error) {
	dir := filepath.Dir(path)
	if dir == r.mat.RootPath() {
		return r.mat.RootID(), nil
	}
	id, ok := r.mat.IDForPath(dir)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownParent, path)
	}
	return id, nil
}

// --- helpers ----------------------------------------------------------

func pathsNotIn(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, p := range b {
		set[p] = struct{}{}
	}
	var out []string
	for _, p := range a {
		if _, ok := set[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func samePathSet(a, b []string) bool {
	return len(pathsNotIn(a, b)) == 0 && len(pathsNotIn(b, a)) == 0
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
