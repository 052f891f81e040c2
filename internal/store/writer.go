package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joescharf/forest/internal/state"
)

// Encoder serializes one tier value.
type Encoder[T any] func(v T, now time.Time) ([]byte, error)

// Writer saves one tier after it has been quiet for Delay. Bursts of store
// changes produce a single save; a change during a save schedules another.
type Writer[T any] struct {
	tier    Tier
	store   *state.Store[T]
	backend Backend
	encode  Encoder[T]
	delay   time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	saved uint64
	saves int
}

// NewWriter returns a writer for tier. delay <= 0 saves on every change.
func NewWriter[T any](tier Tier, s *state.Store[T], b Backend, encode Encoder[T], delay time.Duration, logger *slog.Logger) *Writer[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer[T]{
		tier:    tier,
		store:   s,
		backend: b,
		encode:  encode,
		delay:   delay,
		saved:   s.Version(),
		logger:  logger.With("component", "store", "tier", string(tier)),
	}
}

// Run saves after changes until ctx is cancelled, then flushes once more.
func (w *Writer[T]) Run(ctx context.Context) error {
	changes, stop := w.store.Watch()
	defer stop()

	var timer *time.Timer
	var fire <-chan time.Time
	if w.dirty() {
		timer = time.NewTimer(w.delay)
		fire = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if err := w.Flush(context.Background()); err != nil {
				w.logger.Error("final save failed", "error", err)
			}
			return nil
		case <-changes:
			if fire != nil {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.Flush(ctx); err != nil {
				w.logger.Warn("save failed", "error", err)
			}
		}
	}
}

func (w *Writer[T]) dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Version() != w.saved
}

// Flush saves the current value if it changed since the last save.
func (w *Writer[T]) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	version := w.store.Version()
	if version == w.saved {
		return nil
	}
	data, err := w.encode(w.store.Snapshot(), time.Now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", w.tier, err)
	}
	if err := w.backend.Save(ctx, w.tier, data); err != nil {
		return err
	}
	w.saved = version
	w.saves++
	w.logger.Debug("saved", "version", version, "bytes", len(data))
	return nil
}

// Saves returns the number of successful saves.
func (w *Writer[T]) Saves() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saves
}
