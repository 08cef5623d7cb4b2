// Package sync implements bidirectional synchronization between a local
// directory tree and a Google Drive folder.
package sync

import (
	"strings"

	"google.golang.org/api/drive/v3"
)

// FolderMimeType is the Drive MIME type for folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// recordFields is the field set requested on every record returned by the
// Drive API. The checkpoint persists exactly these fields.
const recordFields = "id,name,mimeType,md5Checksum,size,modifiedTime,parents,trashed"

// FileRecord is the authoritative remote state of a single Drive file.
// Records are replaced wholesale by id; they are never mutated in place.
type FileRecord struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	MD5Checksum  string   `json:"md5Checksum,omitempty"`
	Size         *int64   `json:"size,omitempty"`
	ModifiedTime string   `json:"modifiedTime"`
	Parents      []string `json:"parents,omitempty"`
	Trashed      bool     `json:"trashed,omitempty"`
}

// IsFolder reports whether the record is a Drive folder.
func (r *FileRecord) IsFolder() bool {
	return strings.Contains(r.MimeType, "folder")
}

// Downloadable reports whether the record carries binary content that can
// be fetched. Folders and Google-native documents (Docs, Sheets, ...) have
// no size and no md5 and cannot be downloaded as-is.
func (r *FileRecord) Downloadable() bool {
	return !r.IsFolder() && r.Size != nil
}

// NewerThan compares modification times. Drive returns RFC 3339 UTC
// timestamps with a fixed offset, so lexical order is chronological order.
func (r *FileRecord) NewerThan(other *FileRecord) bool {
	return r.ModifiedTime > other.ModifiedTime
}

// sameParents reports whether both records reference the same parent set,
// ignoring order.
func sameParents(a, b *FileRecord) bool {
	if len(a.Parents) != len(b.Parents) {
		return false
	}
	set := make(map[string]struct{}, len(a.Parents))
	for _, p := range a.Parents {
		set[p] = struct{}{}
	}
	for _, p := range b.Parents {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

// fromDriveFile converts a Drive API file into a FileRecord.
func fromDriveFile(f *drive.File) *FileRecord {
	if f == nil {
		return nil
	}

	rec := &FileRecord{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		MD5Checksum:  f.Md5Checksum,
		ModifiedTime: f.ModifiedTime,
		Parents:      append([]string(nil), f.Parents...),
		Trashed:      f.Trashed,
	}

	// The API omits size for folders and Google-native documents. An md5
	// implies downloadable content even at size zero.
	if f.Md5Checksum != "" || (!rec.IsFolder() && !strings.HasPrefix(f.MimeType, "application/vnd.google-apps.")) {
		size := f.Size
		rec.Size = &size
	}

	return rec
}

// Change is one entry from the incremental change feed: either a removal
// marker or a replacement record (possibly trashed).
type Change struct {
	FileID  string      `json:"fileId"`
	Removed bool        `json:"removed,omitempty"`
	Record  *FileRecord `json:"file,omitempty"`
}
