package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/logx"
	"github.com/rotacerta/geoguard/pkg/persist"
)

// HistoryConfig bounds the sqlite history table.
type HistoryConfig struct {
	DatabasePath  string `json:"database_path"`
	MaxRows       int    `json:"max_rows"`
	RetentionDays int    `json:"retention_days"`
}

// DefaultHistoryConfig returns the production retention settings.
func DefaultHistoryConfig() *HistoryConfig {
	return &HistoryConfig{
		DatabasePath:  "/var/lib/geoguard/history.db",
		MaxRows:       100000,
		RetentionDays: 90,
	}
}

// History is the sqlite-backed half of the store: the append-only
// location history and the fraud audit events.
type History struct {
	db     *sql.DB
	logger *logx.Logger
	config *HistoryConfig
}

// NewHistory opens the sqlite database and initializes the schema.
func NewHistory(config *HistoryConfig, logger *logx.Logger) (*History, error) {
	if config == nil {
		config = DefaultHistoryConfig()
	}

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	h := &History{db: db, logger: logger, config: config}
	if err := h.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}

	logger.Info("history_store_opened", "path", config.DatabasePath)
	return h, nil
}

func (h *History) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS freights (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS location_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		driver_id TEXT NOT NULL,
		freight_id TEXT REFERENCES freights(id),
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		accuracy REAL NOT NULL,
		low_accuracy INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_history_driver ON location_history(driver_id, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_history_freight ON location_history(freight_id);

	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		rule_code TEXT NOT NULL,
		description TEXT NOT NULL,
		severity TEXT NOT NULL,
		freight_id TEXT,
		driver_id TEXT NOT NULL,
		evidence TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_driver ON audit_events(driver_id, created_at);
	`
	_, err := h.db.Exec(schema)
	return err
}

// RegisterFreight records an active freight so history rows may
// reference it. Called when a monitoring session starts.
func (h *History) RegisterFreight(ctx context.Context, freightID string) error {
	if freightID == "" {
		return nil
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO freights (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, freightID)
	if err != nil {
		return fmt.Errorf("register freight: %w", err)
	}
	return nil
}

// AppendHistory inserts one immutable history row. A freight reference
// that no longer resolves surfaces persist.ErrMissingAssociation so the
// gate can retry without it.
func (h *History) AppendHistory(ctx context.Context, entry pkg.HistoryEntry) error {
	freight := sql.NullString{String: entry.FreightID, Valid: entry.FreightID != ""}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO location_history
		 (driver_id, freight_id, latitude, longitude, accuracy, low_accuracy, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.DriverID, freight, entry.Latitude, entry.Longitude,
		entry.Accuracy, entry.LowAccuracy, entry.RecordedAt)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("append history for freight %q: %w", entry.FreightID, persist.ErrMissingAssociation)
		}
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// HistoryForDriver returns up to limit most recent rows, newest first.
func (h *History) HistoryForDriver(ctx context.Context, driverID string, limit int) ([]pkg.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT driver_id, COALESCE(freight_id, ''), latitude, longitude, accuracy, low_accuracy, recorded_at
		 FROM location_history WHERE driver_id = ?
		 ORDER BY recorded_at DESC LIMIT ?`, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []pkg.HistoryEntry
	for rows.Next() {
		var e pkg.HistoryEntry
		if err := rows.Scan(&e.DriverID, &e.FreightID, &e.Latitude, &e.Longitude,
			&e.Accuracy, &e.LowAccuracy, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveAuditEvent persists one fraud audit event. Implements audit.Sink.
func (h *History) SaveAuditEvent(ctx context.Context, event *pkg.AuditEvent) error {
	evidence, err := json.Marshal(event.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	freight := sql.NullString{String: event.FreightID, Valid: event.FreightID != ""}
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO audit_events
		 (type, rule_code, description, severity, freight_id, driver_id, evidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Type, event.RuleCode, event.Description, event.Severity,
		freight, event.DriverID, string(evidence), event.Timestamp)
	if err != nil {
		return fmt.Errorf("save audit event: %w", err)
	}
	return nil
}

// Cleanup enforces the retention policy: rows older than RetentionDays
// go first, then the oldest rows beyond MaxRows.
func (h *History) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -h.config.RetentionDays)
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM location_history WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup by age: %w", err)
	}
	byAge, _ := res.RowsAffected()

	res, err = h.db.ExecContext(ctx,
		`DELETE FROM location_history WHERE id NOT IN (
			SELECT id FROM location_history ORDER BY id DESC LIMIT ?
		)`, h.config.MaxRows)
	if err != nil {
		return fmt.Errorf("cleanup by count: %w", err)
	}
	byCount, _ := res.RowsAffected()

	if byAge > 0 || byCount > 0 {
		h.logger.Info("history_cleanup", "deleted_by_age", byAge, "deleted_by_count", byCount)
	}
	return nil
}

// Close releases the sqlite database.
func (h *History) Close() error {
	return h.db.Close()
}
