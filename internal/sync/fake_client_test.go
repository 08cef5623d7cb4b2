package sync

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	gosync "sync"
)

// fakeClient is an in-memory RemoteClient for engine tests.
type fakeClient struct {
	mu      gosync.Mutex
	records map[string]*FileRecord
	content map[string][]byte
	changes []Change
	token   string
	nextID  int
	modSeq  int

	getCalls           int
	downloadCalls      int
	createCalls        int
	updateContentCalls int
	changesCalls       int
	deleteCalls        int
	trashCalls         int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		records: make(map[string]*FileRecord),
		content: make(map[string][]byte),
		token:   "token-1",
	}
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (f *fakeClient) stamp() string {
	f.modSeq++
	return fmt.Sprintf("2024-01-01T00:00:%02dZ", f.modSeq)
}

func (f *fakeClient) addFolder(id, name string, parents ...string) *FileRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := &FileRecord{
		ID:           id,
		Name:         name,
		MimeType:     FolderMimeType,
		ModifiedTime: f.stamp(),
		Parents:      parents,
	}
	f.records[id] = rec
	return rec
}

func (f *fakeClient) addFile(id, name string, content []byte, parents ...string) *FileRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := int64(len(content))
	rec := &FileRecord{
		ID:           id,
		Name:         name,
		MimeType:     "text/plain",
		MD5Checksum:  md5Hex(content),
		Size:         &size,
		ModifiedTime: f.stamp(),
		Parents:      parents,
	}
	f.records[id] = rec
	f.content[id] = append([]byte(nil), content...)
	return rec
}

func (f *fakeClient) GetRecord(ctx context.Context, id string) (*FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func (f *fakeClient) ListChildren(ctx context.Context, parentID, pageToken string) ([]*FileRecord, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*FileRecord
	for _, rec := range f.records {
		if rec.Trashed {
			continue
		}
		for _, p := range rec.Parents {
			if p == parentID {
				out = append(out, rec)
				break
			}
		}
	}
	return out, "", nil
}

func (f *fakeClient) CreateFile(ctx context.Context, rec *FileRecord, content io.Reader) (*FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	f.nextID++
	id := fmt.Sprintf("created-%d", f.nextID)

	created := &FileRecord{
		ID:           id,
		Name:         rec.Name,
		MimeType:     rec.MimeType,
		ModifiedTime: f.stamp(),
		Parents:      append([]string(nil), rec.Parents...),
	}
	if created.MimeType == "" {
		created.MimeType = "application/octet-stream"
	}

	if content != nil && !created.IsFolder() {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, content); err != nil {
			return nil, err
		}
		data := buf.Bytes()
		size := int64(len(data))
		created.MD5Checksum = md5Hex(data)
		created.Size = &size
		f.content[id] = data
	}

	f.records[id] = created
	return created, nil
}

func (f *fakeClient) UpdateContent(ctx context.Context, id string, content io.Reader) (*FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateContentCalls++
	old, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("no such record: %s", id)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, content); err != nil {
		return nil, err
	}
	data := buf.Bytes()
	size := int64(len(data))

	updated := *old
	updated.MD5Checksum = md5Hex(data)
	updated.Size = &size
	updated.ModifiedTime = f.stamp()

	f.records[id] = &updated
	f.content[id] = data
	return &updated, nil
}

func (f *fakeClient) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) (*FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	old, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("no such record: %s", id)
	}

	updated := *old
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Trashed != nil {
		updated.Trashed = *patch.Trashed
		f.trashCalls++
	}
	updated.Parents = append([]string(nil), old.Parents...)
	for _, del := range patch.DelParents {
		for i, p := range updated.Parents {
			if p == del {
				updated.Parents = append(updated.Parents[:i], updated.Parents[i+1:]...)
				break
			}
		}
	}
	updated.Parents = append(updated.Parents, patch.AddParents...)
	updated.ModifiedTime = f.stamp()

	f.records[id] = &updated
	return &updated, nil
}

func (f *fakeClient) DeleteRecord(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleteCalls++
	delete(f.records, id)
	delete(f.content, id)
	return nil
}

func (f *fakeClient) TrashRecord(ctx context.Context, id string) error {
	trashed := true
	_, err := f.UpdateMetadata(ctx, id, MetadataPatch{Trashed: &trashed})
	return err
}

func (f *fakeClient) ChangesSince(ctx context.Context, token, pageToken string) ([]Change, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.changesCalls++
	changes := f.changes
	f.changes = nil
	return changes, "", f.token, nil
}

func (f *fakeClient) StartPageToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.token, nil
}

func (f *fakeClient) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloadCalls++
	data, ok := f.content[id]
	if !ok {
		return nil, fmt.Errorf("no content for record: %s", id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// pushChange queues a change for the next ChangesSince call and bumps the
// start token.
func (f *fakeClient) pushChange(ch Change) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.changes = append(f.changes, ch)
	f.nextID++
	f.token = fmt.Sprintf("token-%d", f.nextID+1)
}
