package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/voyagen/loopcaster/internal/models"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// sqliteSchemaVersion is bumped whenever schema.sql changes incompatibly.
const sqliteSchemaVersion = 1

// ErrSchemaMismatch indicates the SQLite file was created by a different schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLite implements Store on a single SQLite file.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens (creating if needed) the database at path and applies the schema.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Pragmas below are per connection.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	s := &SQLite{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database handle.
func (s *SQLite) Close() {
	_ = s.db.Close()
}

func (s *SQLite) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != sqliteSchemaVersion {
		return fmt.Errorf("%w: %s has version %d, expected %d", ErrSchemaMismatch, s.path, version, sqliteSchemaVersion)
	}
	return nil
}

// ListChannels returns all channels ordered by creation time, newest first.
func (s *SQLite) ListChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListChannels: %w", err)
	}
	defer rows.Close()
	return collectSQLRows(rows)
}

// GetChannel returns a single channel by id.
func (s *SQLite) GetChannel(ctx context.Context, channelID int64) (*models.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, channelID)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GetChannel: %w", err)
	}
	return &ch, nil
}

// CreateChannel inserts a new channel and returns the stored row.
func (s *SQLite) CreateChannel(ctx context.Context, ch *models.Channel) (*models.Channel, error) {
	res, err := s.execWithRetry(ctx,
		`INSERT INTO channels (name, rtmp_url, rtmp_key, looping_enabled, download_status, is_active)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		ch.Name, ch.RTMPURL, ch.RTMPKey, ch.LoopingEnabled, string(models.DownloadIdle),
	)
	if err != nil {
		return nil, fmt.Errorf("CreateChannel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("CreateChannel: last insert id: %w", err)
	}
	return s.GetChannel(ctx, id)
}

// UpdateChannel applies the non-nil fields of u.
func (s *SQLite) UpdateChannel(ctx context.Context, channelID int64, u ChannelUpdate) error {
	if u.Empty() {
		_, err := s.GetChannel(ctx, channelID)
		return err
	}
	sets, args := u.setClauses(func(int) string { return "?" })
	args = append(args, channelID)
	res, err := s.execWithRetry(ctx, `UPDATE channels SET `+sets+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("UpdateChannel: %w", err)
	}
	return requireRows(res)
}

// DeleteChannel removes a channel row.
func (s *SQLite) DeleteChannel(ctx context.Context, channelID int64) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM channels WHERE id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("DeleteChannel: %w", err)
	}
	return requireRows(res)
}

// ListScheduledChannels returns READY channels with a complete schedule window.
func (s *SQLite) ListScheduledChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE schedule_start_time IS NOT NULL AND schedule_stop_time IS NOT NULL
		   AND download_status = ?
		 ORDER BY id`,
		string(models.DownloadReady),
	)
	if err != nil {
		return nil, fmt.Errorf("ListScheduledChannels: %w", err)
	}
	defer rows.Close()
	return collectSQLRows(rows)
}

// ResetActive clears is_active on every channel.
func (s *SQLite) ResetActive(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `UPDATE channels SET is_active = 0 WHERE is_active <> 0`)
	if err != nil {
		return 0, fmt.Errorf("ResetActive: %w", err)
	}
	return res.RowsAffected()
}

func collectSQLRows(rows *sql.Rows) ([]models.Channel, error) {
	var out []models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *SQLite) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isSQLiteBusy(err) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return nil, lastErr
}
