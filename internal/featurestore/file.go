package featurestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kozaktomas/fingermatch/internal/features"
)

// File stores one CBOR file per key under dir, sharded by the first two
// characters of the key.
type File struct {
	dir string
}

// NewFile returns a store rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(key string) string {
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(f.dir, shard, key+".cbor")
}

func (f *File) Get(_ context.Context, key string) (*features.Set, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached set: %w", err)
	}
	return decodeSet(data)
}

// Put writes through a temporary file so readers never see a partial entry.
func (f *File) Put(_ context.Context, key string, set *features.Set) error {
	data, err := encodeSet(set)
	if err != nil {
		return err
	}

	target := f.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cached set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cached set: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store cached set: %w", err)
	}
	return nil
}

func (f *File) Clear(context.Context) error {
	if err := os.RemoveAll(f.dir); err != nil {
		return fmt.Errorf("remove cache directory: %w", err)
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("recreate cache directory: %w", err)
	}
	return nil
}

func (f *File) Close() error { return nil }
