package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

const (
	changePageSize = 1000
	listPageSize   = 1000

	// retryDelay is the pause before the single retry of a transient
	// connection reset.
	retryDelay = 2 * time.Second
)

// MetadataPatch is a partial metadata update applied to a remote record.
// Nil fields are left unchanged.
type MetadataPatch struct {
	Name       *string
	AddParents []string
	DelParents []string
	Trashed    *bool
}

// RemoteClient is the engine's contract with the cloud file store. All
// methods retry a transient connection reset exactly once; GetRecord maps
// a not-found condition to a nil record.
type RemoteClient interface {
	GetRecord(ctx context.Context, id string) (*FileRecord, error)
	ListChildren(ctx context.Context, parentID, pageToken string) ([]*FileRecord, string, error)
	CreateFile(ctx context.Context, rec *FileRecord, content io.Reader) (*FileRecord, error)
	UpdateContent(ctx context.Context, id string, content io.Reader) (*FileRecord, error)
	UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) (*FileRecord, error)
	DeleteRecord(ctx context.Context, id string) error
	TrashRecord(ctx context.Context, id string) error
	ChangesSince(ctx context.Context, token, pageToken string) (changes []Change, nextPage, newStart string, err error)
	StartPageToken(ctx context.Context) (string, error)
	Download(ctx context.Context, id string) (io.ReadCloser, error)
}

// driveClient implements RemoteClient over the Drive v3 API.
type driveClient struct {
	service *drive.Service
	clock   clockwork.Clock
}

// NewDriveClient wraps a Drive service in the RemoteClient contract.
func NewDriveClient(service *drive.Service) RemoteClient {
	return &driveClient{service: service, clock: clockwork.NewRealClock()}
}

func (c *driveClient) GetRecord(ctx context.Context, id string) (*FileRecord, error) {
	var f *drive.File
	err := c.withRetry(ctx, func() error {
		var err error
		f, err = c.service.Files.Get(id).
			Context(ctx).
			Fields(googleapi.Field(recordFields)).
			Do()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return fromDriveFile(f), nil
}

func (c *driveClient) ListChildren(ctx context.Context, parentID, pageToken string) ([]*FileRecord, string, error) {
	query := fmt.Sprintf("trashed = false and %q in parents", parentID)

	var resp *drive.FileList
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.service.Files.List().
			Context(ctx).
			Q(query).
			PageSize(listPageSize).
			PageToken(pageToken).
			Fields(googleapi.Field("nextPageToken,files(" + recordFields + ")")).
			Do()
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("list children of %s: %w", parentID, err)
	}

	records := make([]*FileRecord, 0, len(resp.Files))
	for _, f := range resp.Files {
		records = append(records, fromDriveFile(f))
	}
	return records, resp.NextPageToken, nil
}

func (c *driveClient) CreateFile(ctx context.Context, rec *FileRecord, content io.Reader) (*FileRecord, error) {
	file := &drive.File{
		Name:     rec.Name,
		MimeType: rec.MimeType,
		Parents:  rec.Parents,
	}

	var created *drive.File
	err := c.withRetry(ctx, func() error {
		call := c.service.Files.Create(file).
			Context(ctx).
			Fields(googleapi.Field(recordFields))
		if content != nil {
			call = call.Media(content)
		}
		var err error
		created, err = call.Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create file %s: %w", rec.Name, err)
	}
	return fromDriveFile(created), nil
}

func (c *driveClient) UpdateContent(ctx context.Context, id string, content io.Reader) (*FileRecord, error) {
	var updated *drive.File
	err := c.withRetry(ctx, func() error {
		var err error
		updated, err = c.service.Files.Update(id, &drive.File{}).
			Context(ctx).
			Media(content).
			Fields(googleapi.Field(recordFields)).
			Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update content of %s: %w", id, err)
	}
	return fromDriveFile(updated), nil
}

func (c *driveClient) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) (*FileRecord, error) {
	file := &drive.File{}
	if patch.Name != nil {
		file.Name = *patch.Name
	}
	if patch.Trashed != nil {
		file.Trashed = *patch.Trashed
		file.ForceSendFields = append(file.ForceSendFields, "Trashed")
	}

	var updated *drive.File
	err := c.withRetry(ctx, func() error {
		call := c.service.Files.Update(id, file).
			Context(ctx).
			Fields(googleapi.Field(recordFields))
		if len(patch.AddParents) > 0 {
			call = call.AddParents(strings.Join(patch.AddParents, ","))
		}
		if len(patch.DelParents) > 0 {
			call = call.RemoveParents(strings.Join(patch.DelParents, ","))
		}
		var err error
		updated, err = call.Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update metadata of %s: %w", id, err)
	}
	return fromDriveFile(updated), nil
}

func (c *driveClient) DeleteRecord(ctx context.Context, id string) error {
	err := c.withRetry(ctx, func() error {
		return c.service.Files.Delete(id).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func (c *driveClient) TrashRecord(ctx context.Context, id string) error {
	trashed := true
	_, err := c.UpdateMetadata(ctx, id, MetadataPatch{Trashed: &trashed})
	return err
}

func (c *driveClient) ChangesSince(ctx context.Context, token, pageToken string) ([]Change, string, string, error) {
	cursor := token
	if pageToken != "" {
		cursor = pageToken
	}

	var resp *drive.ChangeList
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.service.Changes.List(cursor).
			Context(ctx).
			PageSize(changePageSize).
			Spaces("drive").
			RestrictToMyDrive(true).
			IncludeRemoved(true).
			Fields(googleapi.Field("nextPageToken,newStartPageToken,changes(fileId,removed,file(" + recordFields + "))")).
			Do()
		return err
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("list changes: %w", err)
	}

	changes := make([]Change, 0, len(resp.Changes))
	for _, ch := range resp.Changes {
		changes = append(changes, Change{
			FileID:  ch.FileId,
			Removed: ch.Removed,
			Record:  fromDriveFile(ch.File),
		})
	}
	return changes, resp.NextPageToken, resp.NewStartPageToken, nil
}

func (c *driveClient) StartPageToken(ctx context.Context) (string, error) {
	var resp *drive.StartPageToken
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.service.Changes.GetStartPageToken().Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get start page token: %w", err)
	}
	return resp.StartPageToken, nil
}

func (c *driveClient) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.withRetry(ctx, func() error {
		resp, err := c.service.Files.Get(id).Context(ctx).Download()
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	return body, nil
}

// withRetry runs fn and retries exactly once, after retryDelay, when the
// failure is a transient connection reset. Everything else propagates.
func (c *driveClient) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isTransient(err) {
		return err
	}

	select {
	case <-c.clock.After(retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return fn()
}

// isNotFound reports whether the Drive API signalled a missing record.
func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return false
}

// isTransient reports whether err is a connection reset worth one retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset")
}
