package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	googleapiclient "github.com/TonyRHouston/GDrive/internal/googleapi"
	"github.com/TonyRHouston/GDrive/internal/outfmt"
	"github.com/TonyRHouston/GDrive/internal/sync"
	"github.com/TonyRHouston/GDrive/internal/ui"
)

// SyncCmd is the top-level command for Drive sync operations.
type SyncCmd struct {
	Init   SyncInitCmd   `cmd:"" help:"Initialize sync between a local folder and a Drive folder"`
	List   SyncListCmd   `cmd:"" help:"List all sync bindings"`
	Remove SyncRemoveCmd `cmd:"" help:"Remove a sync binding"`
	Status SyncStatusCmd `cmd:"" help:"Show sync status for all bindings"`
	Start  SyncStartCmd  `cmd:"" help:"Run the sync engine for a binding"`
	Stop   SyncStopCmd   `cmd:"" help:"Stop the sync daemon"`
	Erase  SyncEraseCmd  `cmd:"" help:"Remove the persisted checkpoint for a binding"`
}

// SyncInitCmd initializes a new sync binding.
type SyncInitCmd struct {
	LocalPath       string `arg:"" name:"local-path" help:"Local directory path to sync"`
	DriveFolder     string `name:"drive-folder" required:"" help:"Drive folder name or ID ('root' for My Drive)"`
	PermanentDelete bool   `name:"permanent-delete" help:"Delete remote records instead of trashing them"`
}

func (c *SyncInitCmd) Run(ctx context.Context, flags *RootFlags) error {
	u := ui.FromContext(ctx)

	localPath := strings.TrimSpace(c.LocalPath)
	if localPath == "" {
		return usage("empty local-path")
	}

	driveFolder := strings.TrimSpace(c.DriveFolder)
	if driveFolder == "" {
		return usage("empty --drive-folder")
	}

	account := strings.TrimSpace(flags.Account)
	if account == "" {
		return usage("--account is required for sync operations")
	}

	// A human-readable name resolves to an ID through the Drive API.
	if driveFolder != "root" && (strings.ContainsAny(driveFolder, " \t\r\n") || len(driveFolder) < 16) {
		svc, err := googleapiclient.NewDrive(ctx, account)
		if err != nil {
			return fmt.Errorf("resolve Drive folder name: %w", err)
		}
		resolved, err := resolveDriveFolderID(ctx, svc, driveFolder)
		if err != nil {
			return err
		}
		driveFolder = resolved
	}

	db, err := sync.OpenDB()
	if err != nil {
		return fmt.Errorf("open sync database: %w", err)
	}
	defer db.Close()

	existing, err := db.GetConfig(localPath)
	if err != nil {
		return fmt.Errorf("check existing config: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("sync binding already exists for path: %s", existing.LocalPath)
	}

	cfg, err := db.CreateConfig(localPath, driveFolder, account, c.PermanentDelete)
	if err != nil {
		return fmt.Errorf("create sync binding: %w", err)
	}

	if outfmt.IsJSON(ctx) {
		return outfmt.WriteJSON(os.Stdout, map[string]any{
			"config":  cfg,
			"created": true,
		})
	}

	u.Out().Printf("created\ttrue")
	u.Out().Printf("id\t%d", cfg.ID)
	u.Out().Printf("local_path\t%s", cfg.LocalPath)
	u.Out().Printf("drive_folder\t%s", cfg.DriveFolderID)
	return nil
}

// SyncListCmd lists all sync bindings.
type SyncListCmd struct{}

func (c *SyncListCmd) Run(ctx context.Context, flags *RootFlags) error {
	u := ui.FromContext(ctx)

	db, err := sync.OpenDB()
	if err != nil {
		return fmt.Errorf("open sync database: %w", err)
	}
	defer db.Close()

	configs, err := db.ListConfigs()
	if err != nil {
		return fmt.Errorf("list configs: %w", err)
	}

	if outfmt.IsJSON(ctx) {
		return outfmt.WriteJSON(os.Stdout, map[string]any{
			"configs": configs,
			"count":   len(configs),
		})
	}

	if len(configs) == 0 {
		u.Err().Println("No sync bindings")
		return nil
	}

	for _, cfg := range configs {
		lastSync := "-"
		if !cfg.LastSyncAt.IsZero() {
			lastSync = cfg.LastSyncAt.Format(time.RFC3339)
		}
		u.Out().Printf("%d\t%s\t%s\t%s\t%s", cfg.ID, cfg.LocalPath, cfg.DriveFolderID, cfg.Account, lastSync)
	}
	return nil
}

// SyncRemoveCmd removes a sync binding.
type SyncRemoveCmd struct {
	LocalPath string `arg:"" name:"local-path" help:"Local directory path of the binding to remove"`
}

func (c *SyncRemoveCmd) Run(ctx context.Context, flags *RootFlags) error {
	u := ui.FromContext(ctx)

	localPath := strings.TrimSpace(c.LocalPath)
	if localPath == "" {
		return usage("empty local-path")
	}

	db, err := sync.OpenDB()
	if err != nil {
		return fmt.Errorf("open sync database: %w", err)
	}
	defer db.Close()

	cfg, err := db.GetConfig(localPath)
	if err != nil {
		return fmt.Errorf("get config: %w", err)
	}
	if cfg == nil {
		return fmt.Errorf("sync binding not found: %s", localPath)
	}

	if !flags.Force {
		return usagef("removing binding for %s is destructive; re-run with --force", cfg.LocalPath)
	}

	if err := db.RemoveConfig(localPath); err != nil {
		return fmt.Errorf("remove config: %w", err)
	}

	if outfmt.IsJSON(ctx) {
		return outfmt.WriteJSON(os.Stdout, map[string]any{
			"removed":    true,
			"local_path": cfg.LocalPath,
		})
	}

	u.Out().Printf("removed\ttrue")
	u.Out().Printf("local_path\t%s", cfg.LocalPath)
	return nil
}

// SyncStatusCmd shows the sync status for all bindings.
type SyncStatusCmd struct{}

func (c *SyncStatusCmd) Run(ctx context.Context, flags *RootFlags) error {
	u := ui.FromContext(ctx)

	db, err := sync.OpenDB()
	if err != nil {
		return fmt.Errorf("open sync database: %w", err)
	}
	defer db.Close()

	configs, err := db.ListConfigs()
	if err != nil {
		return fmt.Errorf("list configs: %w", err)
	}

	daemonStatus, _ := sync.GetDaemonStatus()

	type bindingStatus struct {
		Config       sync.SyncConfig `json:"config"`
		Synced       bool            `json:"synced"`
		Records      int             `json:"records"`
		Materialized int             `json:"materialized"`
		Pending      int             `json:"pending"`
	}

	statuses := make([]bindingStatus, 0, len(configs))
	for _, cfg := range configs {
		st := bindingStatus{Config: cfg}
		if ckpt, err := db.LoadCheckpoint(cfg.Account); err == nil && ckpt != nil {
			st.Synced = ckpt.Synced
			st.Records = len(ckpt.FileInfo)
			st.Materialized = len(ckpt.OnLocalDrive)
			st.Pending = len(ckpt.ChangesToExecute)
		}
		statuses = append(statuses, st)
	}

	if outfmt.IsJSON(ctx) {
		result := map[string]any{
			"statuses": statuses,
			"count":    len(statuses),
			"running":  daemonStatus != nil && daemonStatus.Running,
		}
		if daemonStatus != nil && daemonStatus.PID > 0 {
			result["pid"] = daemonStatus.PID
		}
		return outfmt.WriteJSON(os.Stdout, result)
	}

	if daemonStatus != nil && daemonStatus.Running {
		u.Err().Printf("Daemon running (PID %d)", daemonStatus.PID)
	} else {
		u.Err().Println("Daemon not running")
	}

	if len(statuses) == 0 {
		u.Err().Println("No sync bindings")
		return nil
	}

	for _, s := range statuses {
		u.Out().Printf("%d\t%s\tsynced=%t\trecords=%d\tmaterialized=%d\tpending=%d",
			s.Config.ID, s.Config.LocalPath, s.Synced, s.Records, s.Materialized, s.Pending)
	}
	return nil
}

// SyncStartCmd runs the sync engine.
type SyncStartCmd struct {
	LocalPath      string `arg:"" name:"local-path" help:"Local directory path to sync"`
	Daemon         bool   `name:"daemon" short:"d" help:"Run as background daemon"`
	InternalDaemon bool   `name:"internal-daemon" hidden:""`
}

func (c *SyncStartCmd) Run(ctx context.Context, flags *RootFlags) error {
	u := ui.FromContext(ctx)

	localPath := strings.TrimSpace(c.LocalPath)
	if localPath == "" {
		return usage("empty local-path")
	}

	if c.Daemon && !c.InternalDaemon {
		account := flags.Account
		if account == "" {
			return usage("--account is required for daemon mode")
		}

		pid, err := sync.StartDaemon(localPath, account)
		if err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}

		if outfmt.IsJSON(ctx) {
			return outfmt.WriteJSON(os.Stdout, map[string]any{
				"started": true,
				"pid":     pid,
			})
		}

		u.Out().Printf("started\ttrue")
		u.Out().Printf("pid\t%d", pid)
		return nil
	}

	if c.InternalDaemon {
		if err := sync.WritePIDFile(); err != nil {
			return fmt.Errorf("write PID file: %w", err)
		}
		defer func() { _ = sync.RemovePIDFile() }()
	}

	db, err := sync.OpenDB()
	if err != nil {
		return fmt.Errorf("open sync database: %w", err)
	}
	defer db.Close()

	cfg, err := db.GetConfig(localPath)
	if err != nil {
		return fmt.Errorf("get sync binding: %w", err)
	}
	if cfg == nil {
		return fmt.Errorf("sync binding not found: %s (use 'gdrive sync init' first)", localPath)
	}

	account := flags.Account
	if account == "" {
		account = cfg.Account
	}
	if account == "" {
		return usage("--account is required for sync operations")
	}

	svc, err := googleapiclient.NewDrive(ctx, account)
	if err != nil {
		return fmt.Errorf("get Drive service: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := sync.NewController(sync.ControllerOptions{
		DB:     db,
		Client: sync.NewDriveClient(svc),
		Config: cfg,
		OnSyncing: func(active bool) {
			if active {
				u.Err().Println("syncing...")
			}
		},
		OnFilesChanged: func(s sync.ChangeSummary) {
			u.Err().Printf("changes: %d added, %d removed, %d updated, %d trashed",
				s.Added, s.Removed, s.Updated, s.Trashed)
		},
		OnError: func(err error) {
			u.Err().Error("sync error: " + err.Error())
		},
	})
	if err != nil {
		return fmt.Errorf("create sync controller: %w", err)
	}

	u.Err().Printf("Starting sync for %s -> %s", cfg.LocalPath, cfg.DriveFolderID)
	u.Err().Println("Press Ctrl+C to stop")

	if err := ctrl.Start(runCtx, func(msg string) { u.Err().Println(msg) }); err != nil {
		return fmt.Errorf("sync engine: %w", err)
	}

	<-runCtx.Done()

	if err := ctrl.Close(); err != nil {
		return fmt.Errorf("close sync engine: %w", err)
	}

	u.Err().Println("Sync stopped")
	return nil
}

// SyncStopCmd stops the sync daemon.
type SyncStopCmd struct{}

func (c *SyncStopCmd) Run(ctx context.Context, flags *RootFlags) error {
	u := ui.FromContext(ctx)

	status, err := sync.GetDaemonStatus()
	if err != nil {
		return fmt.Errorf("get daemon status: %w", err)
	}

	if !status.Running {
		if outfmt.IsJSON(ctx) {
			return outfmt.WriteJSON(os.Stdout, map[string]any{
				"stopped": false,
				"error":   "daemon not running",
			})
		}

		u.Err().Println("daemon is not running")
		return nil
	}

	pid := status.PID

	if err := sync.StopDaemon(); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}

	if outfmt.IsJSON(ctx) {
		return outfmt.WriteJSON(os.Stdout, map[string]any{
			"stopped": true,
			"pid":     pid,
		})
	}

	u.Out().Printf("stopped\ttrue")
	u.Out().Printf("pid\t%d", pid)
	return nil
}

// SyncEraseCmd removes the persisted checkpoint so the next start runs a
// full initial sync.
type SyncEraseCmd struct {
	LocalPath string `arg:"" name:"local-path" help:"Local directory path of the binding"`
}

func (c *SyncEraseCmd) Run(ctx context.Context, flags *RootFlags) error {
	u := ui.FromContext(ctx)

	db, err := sync.OpenDB()
	if err != nil {
		return fmt.Errorf("open sync database: %w", err)
	}
	defer db.Close()

	cfg, err := db.GetConfig(c.LocalPath)
	if err != nil {
		return fmt.Errorf("get sync binding: %w", err)
	}
	if cfg == nil {
		return fmt.Errorf("sync binding not found: %s", c.LocalPath)
	}

	if !flags.Force {
		return usagef("erasing the checkpoint forces a full re-sync; re-run with --force")
	}

	if err := db.DeleteCheckpoint(cfg.Account); err != nil {
		return err
	}

	if outfmt.IsJSON(ctx) {
		return outfmt.WriteJSON(os.Stdout, map[string]any{"erased": true})
	}

	u.Out().Printf("erased\ttrue")
	return nil
}

// resolveDriveFolderID resolves a folder name to its ID.
func resolveDriveFolderID(ctx context.Context, svc *drive.Service, name string) (string, error) {
	query := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false",
		strings.ReplaceAll(name, "'", "\\'"), "application/vnd.google-apps.folder")

	resp, err := svc.Files.List().
		Context(ctx).
		Q(query).
		Fields(googleapi.Field("files(id,name)")).
		PageSize(2).
		Do()
	if err != nil {
		return "", fmt.Errorf("search folder %q: %w", name, err)
	}

	switch len(resp.Files) {
	case 0:
		return "", fmt.Errorf("drive folder not found: %s", name)
	case 1:
		return resp.Files[0].Id, nil
	default:
		return "", fmt.Errorf("drive folder name is ambiguous: %s", name)
	}
}
