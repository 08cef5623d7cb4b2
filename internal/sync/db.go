package sync

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TonyRHouston/GDrive/internal/config"
)

// checkpointType keys the one checkpoint record each account owns.
const checkpointType = "sync"

// SyncConfig is one binding between a local folder and a Drive folder.
type SyncConfig struct {
	ID              int64     `json:"id"`
	LocalPath       string    `json:"local_path"`
	DriveFolderID   string    `json:"drive_folder_id"`
	Account         string    `json:"account"`
	PermanentDelete bool      `json:"permanent_delete"`
	CreatedAt       time.Time `json:"created_at"`
	LastSyncAt      time.Time `json:"last_sync_at,omitempty"`
}

// SyncLogEntry is one applied operation recorded in the sync log.
type SyncLogEntry struct {
	ID        int64     `json:"id"`
	ConfigID  int64     `json:"config_id"`
	Action    string    `json:"action"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// CheckpointState is everything needed to reconstruct the reconciler
// without re-walking the remote tree. The materialized set is stored
// under base64-encoded path keys because the store disallows some path
// characters in keys.
type CheckpointState struct {
	ChangeToken      string                 `json:"changeToken"`
	FileInfo         map[string]*FileRecord `json:"fileInfo"`
	Synced           bool                   `json:"synced"`
	RootID           string                 `json:"rootId"`
	ChangesToExecute []Change               `json:"changesToExecute,omitempty"`
	OnLocalDrive     map[string]bool        `json:"onLocalDrive"`
}

// SetMaterialized stores the materialized set, base64-encoding the keys.
func (s *CheckpointState) SetMaterialized(paths map[string]bool) {
	s.OnLocalDrive = make(map[string]bool, len(paths))
	for p := range paths {
		s.OnLocalDrive[base64.StdEncoding.EncodeToString([]byte(p))] = true
	}
}

// Materialized decodes the materialized set back to plain paths. Keys
// that fail to decode are skipped.
func (s *CheckpointState) Materialized() map[string]bool {
	out := make(map[string]bool, len(s.OnLocalDrive))
	for k := range s.OnLocalDrive {
		p, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			continue
		}
		out[string(p)] = true
	}
	return out
}

// DB provides sync state persistence using SQLite.
type DB struct {
	db *sql.DB

	// ckptMu serializes checkpoint saves and loads: a save in flight
	// blocks the next save, and loads block saves.
	ckptMu gosync.Mutex
}

// DBPath returns the path to the sync database file.
func DBPath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sync.db"), nil
}

// OpenDB opens (or creates) the sync database in the config directory.
func OpenDB() (*DB, error) {
	dbPath, err := DBPath()
	if err != nil {
		return nil, fmt.Errorf("get db path: %w", err)
	}

	if _, err := config.EnsureDir(); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}

	return OpenDBAt(dbPath)
}

// OpenDBAt opens (or creates) a sync database at an explicit path.
func OpenDBAt(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	syncDB := &DB{db: db}
	if err := syncDB.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return syncDB, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// migrate creates the database schema if it doesn't exist.
func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		local_path TEXT NOT NULL UNIQUE,
		drive_folder_id TEXT NOT NULL,
		account TEXT NOT NULL DEFAULT '',
		permanent_delete INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_sync_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_sync_configs_local_path ON sync_configs(local_path);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL DEFAULT 'sync',
		account TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_type_account ON checkpoints(type, account);

	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		config_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		path TEXT NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		details TEXT DEFAULT '{}',
		FOREIGN KEY (config_id) REFERENCES sync_configs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sync_log_config_id ON sync_log(config_id);
	CREATE INDEX IF NOT EXISTS idx_sync_log_timestamp ON sync_log(timestamp);
	`

	_, err := d.db.Exec(schema)
	return err
}

// CreateConfig creates a new sync binding. The local path is created if
// it does not exist.
func (d *DB) CreateConfig(localPath, driveFolderID, account string, permanentDelete bool) (*SyncConfig, error) {
	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(absPath, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat path: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", absPath)
	}

	now := time.Now()
	result, err := d.db.Exec(
		`INSERT INTO sync_configs (local_path, drive_folder_id, account, permanent_delete, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		absPath, driveFolderID, account, permanentDelete, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert config: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return &SyncConfig{
		ID:              id,
		LocalPath:       absPath,
		DriveFolderID:   driveFolderID,
		Account:         account,
		PermanentDelete: permanentDelete,
		CreatedAt:       now,
	}, nil
}

func (d *DB) scanConfig(row *sql.Row) (*SyncConfig, error) {
	var cfg SyncConfig
	var lastSyncAt sql.NullTime
	err := row.Scan(&cfg.ID, &cfg.LocalPath, &cfg.DriveFolderID, &cfg.Account,
		&cfg.PermanentDelete, &cfg.CreatedAt, &lastSyncAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query config: %w", err)
	}
	if lastSyncAt.Valid {
		cfg.LastSyncAt = lastSyncAt.Time
	}
	return &cfg, nil
}

// GetConfig retrieves a sync binding by local path.
func (d *DB) GetConfig(localPath string) (*SyncConfig, error) {
	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	return d.scanConfig(d.db.QueryRow(
		`SELECT id, local_path, drive_folder_id, account, permanent_delete, created_at, last_sync_at
		 FROM sync_configs WHERE local_path = ?`,
		absPath,
	))
}

// GetConfigByID retrieves a sync binding by ID.
func (d *DB) GetConfigByID(id int64) (*SyncConfig, error) {
	return d.scanConfig(d.db.QueryRow(
		`SELECT id, local_path, drive_folder_id, account, permanent_delete, created_at, last_sync_at
		 FROM sync_configs WHERE id = ?`,
		id,
	))
}

// ListConfigs returns all sync bindings.
func (d *DB) ListConfigs() ([]SyncConfig, error) {
	rows, err := d.db.Query(
		`SELECT id, local_path, drive_folder_id, account, permanent_delete, created_at, last_sync_at
		 FROM sync_configs ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query configs: %w", err)
	}
	defer rows.Close()

	var configs []SyncConfig
	for rows.Next() {
		var cfg SyncConfig
		var lastSyncAt sql.NullTime
		if err := rows.Scan(&cfg.ID, &cfg.LocalPath, &cfg.DriveFolderID, &cfg.Account,
			&cfg.PermanentDelete, &cfg.CreatedAt, &lastSyncAt); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		if lastSyncAt.Valid {
			cfg.LastSyncAt = lastSyncAt.Time
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// RemoveConfig removes a sync binding by local path.
func (d *DB) RemoveConfig(localPath string) error {
	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}

	result, err := d.db.Exec(`DELETE FROM sync_configs WHERE local_path = ?`, absPath)
	if err != nil {
		return fmt.Errorf("delete config: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("sync config not found: %s", absPath)
	}
	return nil
}

// UpdateLastSync stamps the binding's last successful sync time.
func (d *DB) UpdateLastSync(configID int64) error {
	_, err := d.db.Exec(
		`UPDATE sync_configs SET last_sync_at = ? WHERE id = ?`,
		time.Now(), configID,
	)
	return err
}

// SaveCheckpoint persists the checkpoint record for an account. Saves are
// serialized: a second save waits for the one in flight.
func (d *DB) SaveCheckpoint(account string, state *CheckpointState) error {
	d.ckptMu.Lock()
	defer d.ckptMu.Unlock()

	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	_, err = d.db.Exec(
		`INSERT INTO checkpoints (type, account, state, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(type, account) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		checkpointType, account, string(blob), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the checkpoint record for an account. Returns
// (nil, nil) when no checkpoint exists.
func (d *DB) LoadCheckpoint(account string) (*CheckpointState, error) {
	d.ckptMu.Lock()
	defer d.ckptMu.Unlock()

	var blob string
	err := d.db.QueryRow(
		`SELECT state FROM checkpoints WHERE type = ? AND account = ?`,
		checkpointType, account,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var state CheckpointState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &state, nil
}

// DeleteCheckpoint removes the persisted checkpoint for an account.
func (d *DB) DeleteCheckpoint(account string) error {
	d.ckptMu.Lock()
	defer d.ckptMu.Unlock()

	_, err := d.db.Exec(
		`DELETE FROM checkpoints WHERE type = ? AND account = ?`,
		checkpointType, account,
	)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// AddLogEntry adds an entry to the sync log.
func (d *DB) AddLogEntry(configID int64, action, path string, details map[string]any) error {
	detailsJSON := "{}"
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			detailsJSON = string(b)
		}
	}

	_, err := d.db.Exec(
		`INSERT INTO sync_log (config_id, action, path, timestamp, details)
		 VALUES (?, ?, ?, ?, ?)`,
		configID, action, path, time.Now(), detailsJSON,
	)
	return err
}

// GetRecentLogs returns recent log entries for a binding.
func (d *DB) GetRecentLogs(configID int64, limit int) ([]SyncLogEntry, error) {
	rows, err := d.db.Query(
		`SELECT id, config_id, action, path, timestamp, details
		 FROM sync_log WHERE config_id = ? ORDER BY timestamp DESC LIMIT ?`,
		configID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		var entry SyncLogEntry
		if err := rows.Scan(&entry.ID, &entry.ConfigID, &entry.Action,
			&entry.Path, &entry.Timestamp, &entry.Details); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
