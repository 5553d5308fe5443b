// Package featurestore caches extracted feature sets keyed by image content
// and extractor parameters.
package featurestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kozaktomas/fingermatch/internal/config"
	"github.com/kozaktomas/fingermatch/internal/features"
	"github.com/kozaktomas/fingermatch/internal/featurestore/postgres"
)

// Backend names accepted by New.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// ErrUnknownBackend is returned by New for an unrecognised backend name.
var ErrUnknownBackend = errors.New("unknown feature store backend")

// Store persists feature sets. Get returns nil without an error on a miss;
// a cached empty set is returned as a non-nil Set with no keypoints.
type Store interface {
	Get(ctx context.Context, key string) (*features.Set, error)
	Put(ctx context.Context, key string, set *features.Set) error
	Clear(ctx context.Context) error
	Close() error
}

// Key derives the cache key for image bytes processed by an extractor with
// the given fingerprint.
func Key(data []byte, fingerprint string) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// New opens the store selected by cfg.Cache.Backend.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Cache.Backend {
	case BackendNone, "":
		return Nop{}, nil
	case BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		return NewFile(cfg.Cache.Dir)
	case BackendSQLite:
		return NewSQLite(ctx, cfg.Cache.SQLitePath)
	case BackendPostgres:
		store, err := postgres.Open(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open postgres feature store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Cache.Backend)
	}
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (*features.Set, error) { return nil, nil }

func (Nop) Put(context.Context, string, *features.Set) error { return nil }

func (Nop) Clear(context.Context) error { return nil }

func (Nop) Close() error { return nil }
