package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
)

// TestController_InitialSync mirrors first start against a small remote
// tree: root -> F -> {a.txt, b.txt}.
func TestController_InitialSync(t *testing.T) {
	client := newFakeClient()
	client.addFolder("root", "My Drive")
	client.addFolder("F", "F", "root")
	a := client.addFile("fa", "a.txt", []byte("aaa"), "F")
	b := client.addFile("fb", "b.txt", []byte("bbbbb"), "F")

	d := openTestDB(t)
	cfg, err := d.CreateConfig(t.TempDir(), "root", "me@example.com", false)
	if err != nil {
		t.Fatalf("create config: %v", err)
	}

	ctrl, err := NewController(ControllerOptions{
		DB:     d,
		Client: client,
		Config: cfg,
		Clock:  clockwork.NewFakeClock(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var messages []string
	if err := ctrl.Start(ctx, func(msg string) { messages = append(messages, msg) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ctrl.Close()

	for name, want := range map[string]struct {
		content string
		md5     string
	}{
		"a.txt": {"aaa", a.MD5Checksum},
		"b.txt": {"bbbbb", b.MD5Checksum},
	} {
		path := filepath.Join(cfg.LocalPath, "F", name)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != want.content {
			t.Fatalf("%s content: %q", name, data)
		}
		if sum, _ := computeMD5(path); sum != want.md5 {
			t.Fatalf("%s md5 mismatch", name)
		}
	}

	// Root, F, a.txt and b.txt.
	if ctrl.cache.Len() != 4 {
		t.Fatalf("expected 4 cached records, got %d", ctrl.cache.Len())
	}
	if ctrl.Token() == "" {
		t.Fatal("change token should be set")
	}
	if !ctrl.IsSynced() {
		t.Fatal("controller should report synced")
	}
	if len(messages) == 0 {
		t.Fatal("expected progress notifications")
	}

	ckpt, err := d.LoadCheckpoint("me@example.com")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if ckpt == nil || !ckpt.Synced || ckpt.ChangeToken == "" {
		t.Fatalf("checkpoint incomplete: %+v", ckpt)
	}
	if len(ckpt.FileInfo) != 4 {
		t.Fatalf("checkpoint cache size: %d", len(ckpt.FileInfo))
	}
}

// TestController_ResumeAppliesPendingChanges simulates a crash after a
// page of five changes was fetched and two of them applied.
func TestController_ResumeAppliesPendingChanges(t *testing.T) {
	client := newFakeClient()
	client.addFolder("root", "My Drive")

	d := openTestDB(t)
	cfg, err := d.CreateConfig(t.TempDir(), "root", "me@example.com", false)
	if err != nil {
		t.Fatalf("create config: %v", err)
	}

	var pending []Change
	fileInfo := map[string]*FileRecord{}
	materialized := map[string]bool{}
	for i, name := range []string{"c1.txt", "c2.txt", "c3.txt", "c4.txt", "c5.txt"} {
		id := name[:2]
		rec := client.addFile(id, name, []byte(name), "root")
		pending = append(pending, Change{FileID: id, Record: rec})

		// The first two already landed before the crash.
		if i < 2 {
			path := filepath.Join(cfg.LocalPath, name)
			if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
				t.Fatalf("seed %s: %v", name, err)
			}
			fileInfo[id] = rec
			materialized[path] = true
		}
	}

	state := &CheckpointState{
		ChangeToken:      "token-before-crash",
		Synced:           true,
		RootID:           "root",
		FileInfo:         fileInfo,
		ChangesToExecute: pending,
	}
	state.SetMaterialized(materialized)
	if err := d.SaveCheckpoint("me@example.com", state); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	ctrl, err := NewController(ControllerOptions{
		DB:     d,
		Client: client,
		Config: cfg,
		Clock:  clockwork.NewFakeClock(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ctrl.Close()

	// All five files exist; the first two were re-applied idempotently
	// without another transfer.
	for _, name := range []string{"c1.txt", "c2.txt", "c3.txt", "c4.txt", "c5.txt"} {
		data, err := os.ReadFile(filepath.Join(cfg.LocalPath, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != name {
			t.Fatalf("%s content: %q", name, data)
		}
	}
	if client.downloadCalls != 3 {
		t.Fatalf("expected 3 downloads for the unapplied tail, got %d", client.downloadCalls)
	}

	ckpt, err := d.LoadCheckpoint("me@example.com")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if len(ckpt.ChangesToExecute) != 0 {
		t.Fatalf("pending changes should be cleared, got %d", len(ckpt.ChangesToExecute))
	}
	if ckpt.ChangeToken == "" {
		t.Fatal("token should survive resume")
	}
}

// TestController_EraseRemovesCheckpoint covers the erase input.
func TestController_EraseRemovesCheckpoint(t *testing.T) {
	client := newFakeClient()
	client.addFolder("root", "My Drive")

	d := openTestDB(t)
	cfg, err := d.CreateConfig(t.TempDir(), "root", "me@example.com", false)
	if err != nil {
		t.Fatalf("create config: %v", err)
	}

	if err := d.SaveCheckpoint("me@example.com", &CheckpointState{ChangeToken: "t"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	ctrl, err := NewController(ControllerOptions{DB: d, Client: client, Config: cfg})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer ctrl.Close()

	if err := ctrl.Erase(); err != nil {
		t.Fatalf("erase: %v", err)
	}

	ckpt, err := d.LoadCheckpoint("me@example.com")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ckpt != nil {
		t.Fatal("checkpoint should be erased")
	}
}

// TestController_TokenMonotonicAcrossCheckpoints covers the cursor
// commit path.
func TestController_TokenMonotonicAcrossCheckpoints(t *testing.T) {
	client := newFakeClient()
	d := openTestDB(t)
	cfg, err := d.CreateConfig(t.TempDir(), "root", "me@example.com", false)
	if err != nil {
		t.Fatalf("create config: %v", err)
	}

	ctrl, err := NewController(ControllerOptions{DB: d, Client: client, Config: cfg})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer ctrl.Close()

	prev := ""
	for _, token := range []string{"token-1", "token-2", "token-3"} {
		if err := ctrl.CommitToken(token); err != nil {
			t.Fatalf("commit %s: %v", token, err)
		}
		ckpt, err := d.LoadCheckpoint("me@example.com")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if ckpt.ChangeToken <= prev {
			t.Fatalf("token went backwards: %s after %s", ckpt.ChangeToken, prev)
		}
		prev = ckpt.ChangeToken
	}
}

func TestController_FilesChangedSummaryEmitted(t *testing.T) {
	client := newFakeClient()
	rec := client.addFile("f1", "a.txt", []byte("abc"), "root")

	d := openTestDB(t)
	cfg, err := d.CreateConfig(t.TempDir(), "root", "me@example.com", false)
	if err != nil {
		t.Fatalf("create config: %v", err)
	}

	summaries := make(chan ChangeSummary, 4)
	ctrl, err := NewController(ControllerOptions{
		DB:             d,
		Client:         client,
		Config:         cfg,
		OnFilesChanged: func(s ChangeSummary) { summaries <- s },
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer ctrl.Close()

	if err := ctrl.StagePending([]Change{{FileID: "f1", Record: rec}}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	applied, err := ctrl.ApplyPending(context.Background())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !applied {
		t.Fatal("expected an applied change")
	}

	select {
	case s := <-summaries:
		if s.Added != 1 {
			t.Fatalf("expected one add in summary, got %+v", s)
		}
	default:
		t.Fatal("summary should be emitted when leaving the active state")
	}
}
