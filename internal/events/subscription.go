package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Subscription is one consumer's view of the bus. Envelopes are queued in a
// bounded buffer that drops its oldest entry on overflow, and are handed to
// the consumer through C in publish order per source.
type Subscription struct {
	bus    *Bus
	id     uint64
	filter map[Source]bool

	mu       sync.Mutex
	queue    []Envelope
	capacity int
	finished bool
	dropped  uint64
	gap      gapWarner

	notify chan struct{}
	out    chan Envelope
	done   chan struct{}
	once   sync.Once
}

func newSubscription(b *Bus, sources []Source, capacity int) *Subscription {
	s := &Subscription{
		bus:      b,
		capacity: capacity,
		gap:      gapWarner{interval: DefaultGapWarnInterval},
		notify:   make(chan struct{}, 1),
		out:      make(chan Envelope),
		done:     make(chan struct{}),
	}
	if b != nil {
		s.gap.interval = b.opts.GapWarnInterval
	}
	if len(sources) > 0 {
		s.filter = make(map[Source]bool, len(sources))
		for _, src := range sources {
			s.filter[src] = true
		}
	}
	go s.pump()
	return s
}

// sources lists the filter, or nil for every source.
func (s *Subscription) sources() []Source {
	if s.filter == nil {
		return nil
	}
	out := make([]Source, 0, len(s.filter))
	for src := range s.filter {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Subscription) accepts(src Source) bool {
	return s.filter == nil || s.filter[src]
}

// push queues env. It is called with the bus lock held.
func (s *Subscription) push(env Envelope, now time.Time) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	var lost uint64
	var warn bool
	if len(s.queue) >= s.capacity {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped++
		lost, warn = s.gap.note(now)
	}
	s.queue = append(s.queue, env)
	dropped := s.dropped
	s.mu.Unlock()

	if warn {
		s.bus.log.Warn("subscriber fell behind, dropping oldest events",
			"subscriber", s.id, "sources", s.sources(), "dropped", dropped, "since_last_warning", lost, "buffer", s.capacity)
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// finish marks the queue complete. Already queued envelopes are still
// delivered before C is closed.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (Envelope, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return env, true
		}
		finished := s.finished
		s.mu.Unlock()
		if finished {
			return nil, false
		}
		select {
		case <-s.notify:
		case <-s.done:
			return nil, false
		}
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		env, ok := s.pop()
		if !ok {
			return
		}
		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}

// C returns the delivery channel. It is closed after Close, or after the
// bus closes and the queue has drained.
func (s *Subscription) C() <-chan Envelope {
	return s.out
}

// Next blocks for the next envelope. It returns false when the
// subscription ends or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Envelope, bool) {
	select {
	case env, ok := <-s.out:
		return env, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Dropped returns how many envelopes were discarded because this
// subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending returns the number of queued, undelivered envelopes.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription from the bus. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		s.finish()
		close(s.done)
	})
}
