// Package store persists the canonical, cache and preferences tiers as
// independently versioned snapshots.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Tier names one persisted snapshot.
type Tier string

const (
	TierCanonical   Tier = "canonical"
	TierCache       Tier = "cache"
	TierPreferences Tier = "preferences"
)

// Tiers lists every tier in load order.
var Tiers = []Tier{TierCanonical, TierCache, TierPreferences}

var (
	// ErrCorruptSnapshot is wrapped when a snapshot fails to parse or validate.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrUnsupportedVersion is wrapped when a snapshot is newer than this build.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// Backend stores raw snapshot bytes per tier. Load returns nil data and no
// error when nothing has been saved yet.
type Backend interface {
	Load(ctx context.Context, tier Tier) ([]byte, error)
	Save(ctx context.Context, tier Tier, data []byte) error
	Close() error
}

// Open returns the backend named by kind ("file" or "sqlite").
func Open(kind, dir, dbPath string) (Backend, error) {
	switch kind {
	case "", "file":
		return NewFileBackend(dir), nil
	case "sqlite":
		b, err := OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		if err := b.Migrate(context.Background()); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", kind)
	}
}
