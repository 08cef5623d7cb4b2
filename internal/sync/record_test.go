package sync

import (
	"testing"

	"google.golang.org/api/drive/v3"
)

func TestFromDriveFile_Classification(t *testing.T) {
	folder := fromDriveFile(&drive.File{
		Id: "d1", Name: "docs", MimeType: "application/vnd.google-apps.folder",
	})
	if !folder.IsFolder() || folder.Downloadable() {
		t.Fatalf("folder misclassified: %+v", folder)
	}

	blob := fromDriveFile(&drive.File{
		Id: "f1", Name: "a.bin", MimeType: "application/octet-stream",
		Md5Checksum: "h1", Size: 10,
	})
	if blob.IsFolder() || !blob.Downloadable() {
		t.Fatalf("blob misclassified: %+v", blob)
	}

	// Zero-byte files still carry an md5 and stay downloadable.
	empty := fromDriveFile(&drive.File{
		Id: "f2", Name: "empty.txt", MimeType: "text/plain",
		Md5Checksum: "d41d8cd98f00b204e9800998ecf8427e", Size: 0,
	})
	if !empty.Downloadable() {
		t.Fatal("zero-byte blob should be downloadable")
	}

	doc := fromDriveFile(&drive.File{
		Id: "g1", Name: "Notes", MimeType: "application/vnd.google-apps.document",
	})
	if doc.Downloadable() {
		t.Fatal("native doc should not be downloadable")
	}
}

func TestSameParents_IgnoresOrder(t *testing.T) {
	a := &FileRecord{Parents: []string{"p1", "p2"}}
	b := &FileRecord{Parents: []string{"p2", "p1"}}
	c := &FileRecord{Parents: []string{"p1"}}

	if !sameParents(a, b) {
		t.Fatal("order must not matter")
	}
	if sameParents(a, c) {
		t.Fatal("different sets must differ")
	}
}

func TestNewerThan_UsesLexicalTimestampOrder(t *testing.T) {
	older := &FileRecord{ModifiedTime: "2024-01-02T03:04:05.000Z"}
	newer := &FileRecord{ModifiedTime: "2024-01-02T03:04:06.000Z"}

	if !newer.NewerThan(older) || older.NewerThan(newer) {
		t.Fatal("lexical comparison broken")
	}
}
