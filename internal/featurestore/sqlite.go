package featurestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kozaktomas/fingermatch/internal/features"
)

// SQLite keeps CBOR encoded sets in a single table.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer avoids "database is locked" under parallel scans.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS feature_sets (
			key TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create feature_sets table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (*features.Set, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM feature_sets WHERE key = ?", key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query feature set: %w", err)
	}
	return decodeSet(payload)
}

func (s *SQLite) Put(ctx context.Context, key string, set *features.Set) error {
	payload, err := encodeSet(set)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "INSERT OR REPLACE INTO feature_sets (key, payload) VALUES (?, ?)", key, payload)
	if err != nil {
		return fmt.Errorf("save feature set: %w", err)
	}
	return nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM feature_sets"); err != nil {
		return fmt.Errorf("clear feature sets: %w", err)
	}
	return nil
}

// Count returns the number of stored sets.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM feature_sets").Scan(&n); err != nil {
		return 0, fmt.Errorf("count feature sets: %w", err)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing sqlite database: %w", err)
	}
	return nil
}
