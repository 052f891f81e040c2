package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileBackend keeps one JSON file per tier in a directory.
type FileBackend struct {
	Dir string
}

// NewFileBackend returns a FileBackend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: dir}
}

// Path returns the file that holds tier.
func (b *FileBackend) Path(tier Tier) string {
	return filepath.Join(b.Dir, string(tier)+".json")
}

func (b *FileBackend) Load(_ context.Context, tier Tier) ([]byte, error) {
	data, err := os.ReadFile(b.Path(tier))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s snapshot: %w", tier, err)
	}
	return data, nil
}

// Save writes to a temporary file and renames it over the snapshot so a
// crash never leaves a partial file behind.
func (b *FileBackend) Save(_ context.Context, tier Tier, data []byte) error {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	path := b.Path(tier)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s snapshot: %w", tier, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s snapshot: %w", tier, err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
