// Package sqlite is a matching.Store backed by SQLite, for deployments where
// the CFD and binary services are separate processes sharing one database
// file.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/igolaizola/sigbridge/pkg/matching"
	"github.com/igolaizola/sigbridge/pkg/signal"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS matching_queue (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	asset      TEXT NOT NULL,
	direction  TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	strategy   TEXT NOT NULL DEFAULT '',
	opposite   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_matching_queue_bucket
	ON matching_queue (asset, direction, created_at, seq);
`

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: couldn't create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: couldn't open %s: %w", path, err)
	}
	// Single writer: dequeues are serialized by the connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: couldn't set pragma %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: couldn't create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Enqueue(e *matching.Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO matching_queue (id, asset, direction, order_id, strategy, opposite, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Asset, string(e.Direction), e.OrderID, e.Strategy, e.Opposite, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: couldn't insert %s: %w", e.ID, err)
	}
	return nil
}

// DequeueMatch selects and removes the oldest entry in a single statement.
func (s *Store) DequeueMatch(asset string, direction signal.Direction) (*matching.Entry, bool, error) {
	rows, err := s.db.Query(`
		DELETE FROM matching_queue
		WHERE seq = (
			SELECT seq FROM matching_queue
			WHERE asset = ? AND direction = ?
			ORDER BY created_at, seq
			LIMIT 1
		)
		RETURNING id, asset, direction, order_id, strategy, opposite, created_at
	`, asset, string(direction))
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: couldn't dequeue: %w", err)
	}
	defer rows.Close()

	var entries []*matching.Entry
	for rows.Next() {
		var e matching.Entry
		var dir string
		var created int64
		if err := rows.Scan(&e.ID, &e.Asset, &dir, &e.OrderID, &e.Strategy, &e.Opposite, &created); err != nil {
			return nil, false, fmt.Errorf("sqlite: couldn't scan entry: %w", err)
		}
		e.Direction = signal.Direction(dir)
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("sqlite: couldn't read entries: %w", err)
	}
	switch len(entries) {
	case 0:
		return nil, false, nil
	case 1:
		return entries[0], true, nil
	}
	panic(fmt.Sprintf("sqlite: dequeue of %s %s removed %d entries", asset, direction, len(entries)))
}

func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM matching_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: couldn't delete %s: %w", id, err)
	}
	return nil
}
