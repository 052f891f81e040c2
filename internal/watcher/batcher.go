package watcher

import (
	"sort"
	"time"
)

// Flush is one coalesced batch ready to be published.
type Flush struct {
	WorktreeID string
	Paths      []string
	Foreground bool
}

type batch struct {
	paths map[string]struct{}
	first time.Time
	last  time.Time
}

// Batcher accumulates changed paths per worktree and decides when each
// batch is due. It holds no timers: callers pass the current time and ask
// for the next deadline, so it can be driven by a fake clock.
//
// A batch is due debounce after its last path, but never later than
// maxLatency after its first path.
type Batcher struct {
	debounce   time.Duration
	maxLatency time.Duration
	pending    map[string]*batch
	foreground map[string]bool
}

// NewBatcher returns a Batcher. A maxLatency below debounce is raised to it.
func NewBatcher(debounce, maxLatency time.Duration) *Batcher {
	if maxLatency < debounce {
		maxLatency = debounce
	}
	return &Batcher{
		debounce:   debounce,
		maxLatency: maxLatency,
		pending:    make(map[string]*batch),
		foreground: make(map[string]bool),
	}
}

// Add records paths for a worktree. The first Add of a window arms it and
// later Adds push the debounce deadline out.
func (b *Batcher) Add(worktreeID string, paths []string, now time.Time) {
	p, ok := b.pending[worktreeID]
	if !ok {
		p = &batch{paths: make(map[string]struct{}), first: now}
		b.pending[worktreeID] = p
	}
	p.last = now
	for _, path := range paths {
		p.paths[path] = struct{}{}
	}
}

func (b *Batcher) deadline(p *batch) time.Time {
	d := p.last.Add(b.debounce)
	if ceiling := p.first.Add(b.maxLatency); ceiling.Before(d) {
		return ceiling
	}
	return d
}

// Deadline returns when the batch for worktreeID is due.
func (b *Batcher) Deadline(worktreeID string) (time.Time, bool) {
	p, ok := b.pending[worktreeID]
	if !ok {
		return time.Time{}, false
	}
	return b.deadline(p), true
}

// NextDeadline returns the earliest deadline across all batches.
func (b *Batcher) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, p := range b.pending {
		d := b.deadline(p)
		if !found || d.Before(next) {
			next = d
			found = true
		}
	}
	return next, found
}

// Due removes and returns every batch whose deadline is at or before now.
// Foreground worktrees come first, then batches in deadline order.
func (b *Batcher) Due(now time.Time) []Flush {
	type due struct {
		flush    Flush
		deadline time.Time
	}
	var ready []due
	for id, p := range b.pending {
		d := b.deadline(p)
		if d.After(now) {
			continue
		}
		paths := make([]string, 0, len(p.paths))
		for path := range p.paths {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		ready = append(ready, due{
			flush:    Flush{WorktreeID: id, Paths: paths, Foreground: b.foreground[id]},
			deadline: d,
		})
		delete(b.pending, id)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].flush.Foreground != ready[j].flush.Foreground {
			return ready[i].flush.Foreground
		}
		if !ready[i].deadline.Equal(ready[j].deadline) {
			return ready[i].deadline.Before(ready[j].deadline)
		}
		return ready[i].flush.WorktreeID < ready[j].flush.WorktreeID
	})

	out := make([]Flush, len(ready))
	for i, r := range ready {
		out[i] = r.flush
	}
	return out
}

// SetForeground marks a worktree as foreground or background.
func (b *Batcher) SetForeground(worktreeID string, fg bool) {
	if fg {
		b.foreground[worktreeID] = true
	} else {
		delete(b.foreground, worktreeID)
	}
}

// Drop discards any pending batch and activity state for a worktree.
func (b *Batcher) Drop(worktreeID string) {
	delete(b.pending, worktreeID)
	delete(b.foreground, worktreeID)
}

// Pending reports whether a batch is waiting for worktreeID.
func (b *Batcher) Pending(worktreeID string) bool {
	_, ok := b.pending[worktreeID]
	return ok
}

// Len returns the number of pending batches.
func (b *Batcher) Len() int {
	return len(b.pending)
}
