package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joescharf/forest/internal/state"
)

// LoadCanonical reads the canonical tier. A missing snapshot yields an
// empty topology; a snapshot that cannot be decoded is an error because the
// user's repository list cannot be rebuilt.
func LoadCanonical(ctx context.Context, b Backend) (state.Canonical, error) {
	data, err := b.Load(ctx, TierCanonical)
	if err != nil {
		return state.Canonical{}, err
	}
	if data == nil {
		return state.NewCanonical(), nil
	}
	c, err := DecodeCanonical(data)
	if err != nil {
		return state.Canonical{}, fmt.Errorf("load canonical: %w", err)
	}
	return c, nil
}

// LoadCache reads the cache tier. Any decode failure yields an empty cache;
// the pipeline repopulates it.
func LoadCache(ctx context.Context, b Backend, logger *slog.Logger) state.Cache {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := b.Load(ctx, TierCache)
	if err != nil {
		logger.Warn("cache unreadable, starting empty", "error", err)
		return state.NewCache()
	}
	if data == nil {
		return state.NewCache()
	}
	c, err := DecodeCache(data)
	if err != nil {
		logger.Warn("cache discarded, starting empty", "error", err)
		return state.NewCache()
	}
	return c
}

// LoadPreferences reads the preferences tier, falling back to defaults.
func LoadPreferences(ctx context.Context, b Backend, logger *slog.Logger) state.Preferences {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := b.Load(ctx, TierPreferences)
	if err != nil {
		logger.Warn("preferences unreadable, using defaults", "error", err)
		return state.Preferences{}
	}
	if data == nil {
		return state.Preferences{}
	}
	p, err := DecodePreferences(data)
	if err != nil {
		logger.Warn("preferences discarded, using defaults", "error", err)
		return state.Preferences{}
	}
	return p
}
