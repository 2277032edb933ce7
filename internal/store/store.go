// Package store persists per-user chat statistics in SQLite so counters
// survive restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wschat/internal/core"
)

// Store persists server state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS user_stats (
	user_id INTEGER PRIMARY KEY,
	sent INTEGER NOT NULL DEFAULT 0,
	received INTEGER NOT NULL DEFAULT 0,
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	connections INTEGER NOT NULL DEFAULT 0,
	disconnections INTEGER NOT NULL DEFAULT 0,
	last_active_unix_ms INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// SaveStats upserts every snapshot in one transaction.
func (s *Store) SaveStats(ctx context.Context, snapshots []core.StatsSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats transaction: %w", err)
	}
	defer tx.Rollback()

	const q = `
INSERT INTO user_stats (
	user_id, sent, received, bytes_transferred, connections, disconnections, last_active_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	sent = excluded.sent,
	received = excluded.received,
	bytes_transferred = excluded.bytes_transferred,
	connections = excluded.connections,
	disconnections = excluded.disconnections,
	last_active_unix_ms = excluded.last_active_unix_ms
`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("prepare stats upsert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snapshots {
		var lastActive int64
		if !snap.LastActiveAt.IsZero() {
			lastActive = snap.LastActiveAt.UnixMilli()
		}
		if _, err := stmt.ExecContext(
			ctx,
			snap.UserID,
			snap.Sent,
			snap.Received,
			snap.BytesTransferred,
			snap.Connections,
			snap.Disconnections,
			lastActive,
		); err != nil {
			return fmt.Errorf("upsert stats for user %d: %w", snap.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stats transaction: %w", err)
	}
	slog.Debug("user stats persisted", "users", len(snapshots))
	return nil
}

// LoadStats returns every persisted snapshot, ordered by user id.
func (s *Store) LoadStats(ctx context.Context) ([]core.StatsSnapshot, error) {
	const q = `
SELECT user_id, sent, received, bytes_transferred, connections, disconnections, last_active_unix_ms
FROM user_stats
ORDER BY user_id
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query user stats: %w", err)
	}
	defer rows.Close()

	var out []core.StatsSnapshot
	for rows.Next() {
		var (
			snap       core.StatsSnapshot
			lastActive int64
		)
		if err := rows.Scan(
			&snap.UserID,
			&snap.Sent,
			&snap.Received,
			&snap.BytesTransferred,
			&snap.Connections,
			&snap.Disconnections,
			&lastActive,
		); err != nil {
			return nil, fmt.Errorf("scan user stats: %w", err)
		}
		if lastActive > 0 {
			snap.LastActiveAt = time.UnixMilli(lastActive).UTC()
		}
		out = append(out, snap)
	}
	slog.Debug("user stats loaded", "users", len(out))
	return out, rows.Err()
}
