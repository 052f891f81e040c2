package events

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultReplayCapacity   = 256
	DefaultSubscriberBuffer = 1024

	// DefaultGapWarnInterval bounds how often one source or one subscriber
	// logs that it lost envelopes.
	DefaultGapWarnInterval = time.Minute
)

// Options configures a Bus.
type Options struct {
	ReplayCapacity   int
	SubscriberBuffer int
	GapWarnInterval  time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// Bus is an in-process publish/subscribe fabric. Each source gets its own
// monotonically increasing sequence and a bounded replay buffer. Publish
// never blocks on slow subscribers: their queues drop the oldest entry.
type Bus struct {
	mu      sync.Mutex
	opts    Options
	log     *slog.Logger
	seqs    map[Source]uint64
	replay  map[Source]*ring
	evicted map[Source]uint64
	gaps    map[Source]*gapWarner
	subs    map[*Subscription]struct{}
	nextSub uint64
	closed  bool
	dropped uint64 // drops from subscriptions that have since closed
}

// New returns a Bus with defaults applied to zero options.
func New(opts Options) *Bus {
	if opts.ReplayCapacity <= 0 {
		opts.ReplayCapacity = DefaultReplayCapacity
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.GapWarnInterval <= 0 {
		opts.GapWarnInterval = DefaultGapWarnInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		opts:    opts,
		log:     log.With("component", "bus"),
		seqs:    make(map[Source]uint64),
		replay:  make(map[Source]*ring),
		evicted: make(map[Source]uint64),
		gaps:    make(map[Source]*gapWarner),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish validates env, stamps its metadata and delivers it to the replay
// buffer of its source and to every matching subscriber. The returned
// envelope carries the assigned sequence number.
func (b *Bus) Publish(env Envelope) (Envelope, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	m := env.Meta()
	b.seqs[m.Source]++
	m.Seq = b.seqs[m.Source]
	if m.EventID == "" {
		m.EventID = uuid.NewString()
	}
	if m.SchemaVersion == 0 {
		m.SchemaVersion = SchemaVersion
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = b.opts.Now().UTC()
	}
	env = env.withMeta(m)

	r, ok := b.replay[m.Source]
	if !ok {
		r = newRing(b.opts.ReplayCapacity)
		b.replay[m.Source] = r
	}
	if r.push(env) {
		b.evicted[m.Source]++
		g, ok := b.gaps[m.Source]
		if !ok {
			g = &gapWarner{interval: b.opts.GapWarnInterval}
			b.gaps[m.Source] = g
		}
		if n, due := g.note(m.Timestamp); due {
			b.log.Warn("replay buffer full, late subscribers will miss events",
				"source", m.Source, "evicted", b.evicted[m.Source], "since_last_warning", n, "capacity", b.opts.ReplayCapacity)
		}
	}

	for s := range b.subs {
		if s.accepts(m.Source) {
			s.push(env, m.Timestamp)
		}
	}
	return env, nil
}

// Subscribe returns a subscription to the given sources. Named sources are
// replayed from their buffers before live delivery begins; with no sources
// the subscription receives every source live, without replay. Subscribing
// to a nil or closed bus yields an already-closed subscription.
func (b *Bus) Subscribe(sources ...Source) *Subscription {
	if b == nil {
		s := newSubscription(nil, sources, DefaultSubscriberBuffer)
		s.finish()
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	s := newSubscription(b, sources, b.opts.SubscriberBuffer)
	s.id = b.nextSub
	if b.closed {
		s.finish()
		return s
	}
	for _, src := range sources {
		if r, ok := b.replay[src]; ok {
			for _, env := range r.items() {
				s.push(env, b.opts.Now())
			}
		}
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		b.dropped += s.Dropped()
	}
	b.mu.Unlock()
}

// Replay returns a copy of the replay buffer for src, oldest first.
func (b *Bus) Replay(src Source) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.replay[src]
	if !ok {
		return nil
	}
	return r.items()
}

// Close stops accepting publishes. Subscribers drain what they already
// have queued and then see their channel closed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
	b.log.Debug("bus closed", "subscribers", len(subs))
}

// SourceStats describes one source partition.
type SourceStats struct {
	Source   Source `json:"source"`
	Seq      uint64 `json:"seq"`
	Buffered int    `json:"buffered"`
	Evicted  uint64 `json:"evicted"`
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Sources         []SourceStats `json:"sources"`
	Subscribers     int           `json:"subscribers"`
	SubscriberDrops uint64        `json:"subscriberDrops"`
	Closed          bool          `json:"closed"`
}

// Stats returns sequence, buffer and drop counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{Subscribers: len(b.subs), SubscriberDrops: b.dropped, Closed: b.closed}
	for src, seq := range b.seqs {
		ss := SourceStats{Source: src, Seq: seq, Evicted: b.evicted[src]}
		if r, ok := b.replay[src]; ok {
			ss.Buffered = r.len()
		}
		st.Sources = append(st.Sources, ss)
	}
	sort.Slice(st.Sources, func(i, j int) bool { return st.Sources[i].Source < st.Sources[j].Source })
	for s := range b.subs {
		st.SubscriberDrops += s.Dropped()
	}
	return st
}

// gapWarner rate-limits warnings about lost envelopes. The first loss is
// always reported; later ones at most once per interval, with the count
// accumulated since the previous warning.
type gapWarner struct {
	interval time.Duration
	last     time.Time
	pending  uint64
}

func (g *gapWarner) note(now time.Time) (uint64, bool) {
	g.pending++
	if !g.last.IsZero() && now.Sub(g.last) < g.interval {
		return 0, false
	}
	n := g.pending
	g.last, g.pending = now, 0
	return n, true
}
