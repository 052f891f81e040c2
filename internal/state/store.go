// Package state holds the in-memory canonical, cache and preference tiers.
// Readers get copies; only the coordinator mutates canonical and cache.
package state

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when an entity id is unknown.
var ErrNotFound = errors.New("not found")

// Store is an observable value of type T. Every accepted mutation bumps
// Version and notifies watchers.
type Store[T any] struct {
	mu       sync.RWMutex
	data     T
	clone    func(T) T
	version  uint64
	watchers map[chan struct{}]struct{}
}

func newStore[T any](initial T, clone func(T) T) *Store[T] {
	return &Store[T]{
		data:     clone(initial),
		clone:    clone,
		watchers: make(map[chan struct{}]struct{}),
	}
}

// Snapshot returns a deep copy of the current value.
func (s *Store[T]) Snapshot() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clone(s.data)
}

// View calls fn with the current value under a read lock. fn must not
// retain or modify it.
func (s *Store[T]) View(fn func(T)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

// Version returns the number of accepted mutations.
func (s *Store[T]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Update applies fn atomically. fn reports whether it changed anything;
// watchers are only notified when it did.
func (s *Store[T]) Update(fn func(*T) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !fn(&s.data) {
		return false
	}
	s.bumpLocked()
	return true
}

// Replace swaps in a new value.
func (s *Store[T]) Replace(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = s.clone(v)
	s.bumpLocked()
}

func (s *Store[T]) bumpLocked() {
	s.version++
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch returns a channel that receives a signal after changes. Signals
// coalesce: a slow reader sees one pending signal, not one per change.
// The returned func stops the watch.
func (s *Store[T]) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
		})
	}
}

// WaitFor blocks until pred holds for the current value and returns a copy
// of that value.
func (s *Store[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	ch, stop := s.Watch()
	defer stop()

	for {
		s.mu.RLock()
		ok := pred(s.data)
		var snap T
		if ok {
			snap = s.clone(s.data)
		}
		s.mu.RUnlock()
		if ok {
			return snap, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
