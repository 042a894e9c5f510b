// Package localdb is the embedded history store, a single SQLite file holding
// one JSON payload per record with an (owner, timestamp) index.
package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/digkill/fixtral/internal/models"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (and creates if needed) the database at path and applies the schema.
func Open(path string, log *slog.Logger) (*Store, error) {
	var connStr string
	if path == MemoryPath {
		// A named shared-cache database keeps every pooled connection on the same data.
		connStr = fmt.Sprintf("file:fixtral-%s?mode=memory&cache=shared&_timeout=5000&_busy_timeout=5000", uuid.NewString())
	} else {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		connStr = path + "?_journal=WAL&_timeout=5000&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Info("embedded history store ready", "path", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS edit_history (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edit_history_owner_ts ON edit_history(owner, timestamp);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Put stores rec under owner, replacing any record with the same id.
func (s *Store) Put(ctx context.Context, owner string, rec models.HistoryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	const query = `
INSERT INTO edit_history (id, owner, timestamp, payload) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, timestamp = excluded.timestamp, payload = excluded.payload`
	if _, err := s.db.ExecContext(ctx, query, rec.ID, owner, rec.Timestamp, string(payload)); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// List returns owner's records, newest first. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, owner string, limit int) ([]models.HistoryRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	const query = `SELECT payload FROM edit_history WHERE owner = ? ORDER BY timestamp DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []models.HistoryRecord{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec models.HistoryRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			s.log.Warn("skip unreadable history payload", "owner", owner, "err", err)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func (s *Store) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM edit_history WHERE owner = ? AND id = ?`, owner, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM edit_history WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
