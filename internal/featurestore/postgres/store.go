package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/fingermatch/internal/constants"
	"github.com/kozaktomas/fingermatch/internal/features"
)

// Store implements the feature cache on top of a Pool.
type Store struct {
	pool *Pool
}

// NewStore wraps an already migrated pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Get returns the set stored under key, or nil if there is none.
func (s *Store) Get(ctx context.Context, key string) (*features.Set, error) {
	var count int
	err := s.pool.db.QueryRowContext(ctx, "SELECT keypoints FROM feature_sets WHERE key = $1", key).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query feature set: %w", err)
	}

	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT x, y, size, angle, response, octave, descriptor
		FROM feature_keypoints
		WHERE set_key = $1
		ORDER BY idx
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query keypoints: %w", err)
	}
	defer rows.Close()

	set := &features.Set{
		Keypoints:   make([]features.Keypoint, 0, count),
		Descriptors: make([]features.Descriptor, 0, count),
	}
	for rows.Next() {
		var kp features.Keypoint
		var vec pgvector.Vector
		if err := rows.Scan(&kp.X, &kp.Y, &kp.Size, &kp.Angle, &kp.Response, &kp.Octave, &vec); err != nil {
			return nil, fmt.Errorf("scan keypoint: %w", err)
		}
		set.Keypoints = append(set.Keypoints, kp)
		set.Descriptors = append(set.Descriptors, features.Descriptor(vec.Slice()))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keypoints: %w", err)
	}
	if len(set.Keypoints) != count {
		return nil, fmt.Errorf("feature set %s: expected %d keypoints, found %d", key, count, len(set.Keypoints))
	}
	return set, nil
}

// Put replaces the set stored under key.
func (s *Store) Put(ctx context.Context, key string, set *features.Set) error {
	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM feature_sets WHERE key = $1", key); err != nil {
		return fmt.Errorf("delete old feature set: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO feature_sets (key, keypoints) VALUES ($1, $2)", key, set.Len()); err != nil {
		return fmt.Errorf("insert feature set: %w", err)
	}

	if set.Len() > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO feature_keypoints (set_key, idx, x, y, size, angle, response, octave, descriptor)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`)
		if err != nil {
			return fmt.Errorf("prepare keypoint insert: %w", err)
		}
		defer stmt.Close()

		for i, kp := range set.Keypoints {
			if len(set.Descriptors[i]) != constants.DescriptorSize {
				return fmt.Errorf("keypoint %d: descriptor has %d dimensions, column holds %d", i, len(set.Descriptors[i]), constants.DescriptorSize)
			}
			vec := pgvector.NewVector(set.Descriptors[i])
			if _, err := stmt.ExecContext(ctx, key, i, kp.X, kp.Y, kp.Size, kp.Angle, kp.Response, kp.Octave, vec); err != nil {
				return fmt.Errorf("insert keypoint %d: %w", i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feature set: %w", err)
	}
	return nil
}

// Clear removes every stored set.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.db.ExecContext(ctx, "DELETE FROM feature_sets"); err != nil {
		return fmt.Errorf("clear feature sets: %w", err)
	}
	return nil
}

// Count returns the number of stored sets.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM feature_sets").Scan(&n); err != nil {
		return 0, fmt.Errorf("count feature sets: %w", err)
	}
	return n, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}
