// Package projector turns recompute triggers into branch, status and origin
// facts, emitting only genuine changes.
package projector

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/joescharf/forest/internal/events"
	"github.com/joescharf/forest/internal/git"
)

// StatusProvider reads git state for a working directory.
// *git.RealClient satisfies it.
type StatusProvider interface {
	Status(ctx context.Context, path string) (git.Snapshot, error)
	Remotes(ctx context.Context, path string) (git.Remotes, error)
}

// Options configures a Projector.
type Options struct {
	// Workers bounds concurrent provider calls across all worktrees.
	Workers int
	// Timeout bounds a single recompute.
	Timeout time.Duration
	Logger  *slog.Logger
}

type worktree struct {
	id         string
	repoID     string
	path       string
	gen        uint64
	ctx        context.Context
	cancel     context.CancelFunc
	inFlight   bool
	pending    bool
	pendingOrg bool
	needOrigin bool
	emitted    bool
	last       git.Snapshot
}

type origin struct {
	known    bool
	origin   string
	upstream string
	// nextProbe numbers probes as they start; applied is the newest probe
	// whose result has been applied. Older results are discarded.
	nextProbe uint64
	applied   uint64
}

type job struct {
	worktreeID  string
	repoID      string
	path        string
	gen         uint64
	ctx         context.Context
	probeOrigin bool
	probeSeq    uint64
}

// Projector owns the last-known snapshot of every registered worktree and
// the last-known origin of every repository.
type Projector struct {
	bus      *events.Bus
	sub      *events.Subscription
	provider StatusProvider
	opts     Options
	log      *slog.Logger
	sem      *semaphore.Weighted

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	worktrees map[string]*worktree
	origins   map[string]*origin
	gen       uint64
}

// New creates a Projector subscribed to filesystem, coordinator and intent
// facts.
func New(bus *events.Bus, provider StatusProvider, opts Options) *Projector {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Projector{
		bus:        bus,
		sub:        bus.Subscribe(events.SourceFilesystem, events.SourceCoordinator, events.SourceIntent),
		provider:   provider,
		opts:       opts,
		log:        log.With("component", "projector"),
		sem:        semaphore.NewWeighted(int64(opts.Workers)),
		baseCtx:    ctx,
		cancelBase: cancel,
		worktrees:  make(map[string]*worktree),
		origins:    make(map[string]*origin),
	}
}

// Run handles facts until ctx is done or the bus closes, then cancels
// in-flight recomputes and waits for them.
func (p *Projector) Run(ctx context.Context) error {
	defer p.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-p.sub.C():
			if !ok {
				return nil
			}
			p.handle(env)
		}
	}
}

// Close cancels in-flight work and waits for it to finish.
func (p *Projector) Close() {
	p.sub.Close()
	p.cancelBase()
	p.wg.Wait()
}

// Wait blocks until no recompute is in flight.
func (p *Projector) Wait() {
	p.wg.Wait()
}

func (p *Projector) handle(env events.Envelope) {
	switch e := env.(type) {
	case events.SystemEnvelope:
		switch ev := e.Event.(type) {
		case events.WorktreeAttached:
			if ev.Watch == events.WatchDirectRepo {
				p.Register(ev.WorktreeID, ev.RepoID, ev.Path)
			}
		case events.WorktreeDetached:
			p.Unregister(ev.WorktreeID)
		case events.RefreshRequested:
			p.Refresh(ev.RepoID)
		}
	case events.WorktreeEnvelope:
		if fc, ok := e.Event.(events.FilesChanged); ok {
			p.Trigger(e.WorktreeID, touchesConfig(fc.Paths))
		}
	}
}

// touchesConfig reports whether a changed path is the repository config.
func touchesConfig(paths []string) bool {
	for _, path := range paths {
		if path == ".git/config" || strings.HasSuffix(path, "/.git/config") {
			return true
		}
	}
	return false
}

// Register starts tracking a worktree and schedules its first recompute,
// including an origin probe. Registering an id again resets its state.
func (p *Projector) Register(worktreeID, repoID, path string) {
	p.mu.Lock()
	if old, ok := p.worktrees[worktreeID]; ok {
		old.cancel()
	}
	p.gen++
	ctx, cancel := context.WithCancel(p.baseCtx)
	p.worktrees[worktreeID] = &worktree{
		id:         worktreeID,
		repoID:     repoID,
		path:       path,
		gen:        p.gen,
		ctx:        ctx,
		cancel:     cancel,
		needOrigin: true,
	}
	p.mu.Unlock()

	p.log.Debug("worktree registered", "worktree", worktreeID, "repo", repoID, "path", path)
	p.Trigger(worktreeID, true)
}

// Unregister stops tracking a worktree, cancels its in-flight recompute
// and forgets its last-known values. The repository origin is forgotten
// once its last worktree is gone.
func (p *Projector) Unregister(worktreeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wt, ok := p.worktrees[worktreeID]
	if !ok {
		return
	}
	wt.cancel()
	delete(p.worktrees, worktreeID)

	for _, other := range p.worktrees {
		if other.repoID == wt.repoID {
			return
		}
	}
	delete(p.origins, wt.repoID)
}

// Refresh recomputes every worktree of a repository with an origin probe.
func (p *Projector) Refresh(repoID string) {
	p.mu.Lock()
	var ids []string
	for id, wt := range p.worktrees {
		if wt.repoID == repoID {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Trigger(id, true)
	}
}

// Trigger requests a recompute. While one is in flight for the worktree,
// further requests collapse into a single follow-up.
func (p *Projector) Trigger(worktreeID string, probeOrigin bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wt, ok := p.worktrees[worktreeID]
	if !ok {
		return
	}
	if wt.inFlight {
		wt.pending = true
		wt.pendingOrg = wt.pendingOrg || probeOrigin
		return
	}
	wt.inFlight = true
	p.startLocked(wt, probeOrigin)
}

func (p *Projector) startLocked(wt *worktree, probeOrigin bool) {
	probeOrigin = probeOrigin || wt.needOrigin
	j := job{
		worktreeID:  wt.id,
		repoID:      wt.repoID,
		path:        wt.path,
		gen:         wt.gen,
		ctx:         wt.ctx,
		probeOrigin: probeOrigin,
	}
	if probeOrigin {
		o := p.originLocked(wt.repoID)
		o.nextProbe++
		j.probeSeq = o.nextProbe
	}

	p.wg.Add(1)
	go p.run(j)
}

func (p *Projector) originLocked(repoID string) *origin {
	o, ok := p.origins[repoID]
	if !ok {
		o = &origin{}
		p.origins[repoID] = o
	}
	return o
}

type result struct {
	snap      git.Snapshot
	statusErr error
	remotes   git.Remotes
	originErr error
}

func (p *Projector) run(j job) {
	defer p.wg.Done()

	var res result
	if err := p.sem.Acquire(j.ctx, 1); err != nil {
		res.statusErr = err
		res.originErr = err
	} else {
		ctx, cancel := context.WithTimeout(j.ctx, p.opts.Timeout)
		res.snap, res.statusErr = p.provider.Status(ctx, j.path)
		if j.probeOrigin {
			res.remotes, res.originErr = p.provider.Remotes(ctx, j.path)
		}
		cancel()
		p.sem.Release(1)
	}

	p.apply(j, res)
}

func (p *Projector) apply(j job, res result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wt, ok := p.worktrees[j.worktreeID]
	if !ok || wt.gen != j.gen {
		return
	}

	if res.statusErr != nil {
		if j.ctx.Err() == nil {
			p.log.Warn("status failed", "worktree", j.worktreeID, "path", j.path, "error", res.statusErr)
		}
	} else if !wt.emitted || wt.last != res.snap {
		wt.emitted = true
		wt.last = res.snap
		p.publish(events.NewWorktree(events.SourceGit, j.repoID, j.worktreeID, events.SnapshotChanged{
			Branch: res.snap.Branch,
			Status: res.snap.Status,
		}))
	}

	if j.probeOrigin {
		if res.originErr != nil {
			if j.ctx.Err() == nil {
				p.log.Warn("origin probe failed", "worktree", j.worktreeID, "path", j.path, "error", res.originErr)
			}
			wt.needOrigin = true
		} else {
			wt.needOrigin = false
			p.applyOriginLocked(j, res.remotes)
		}
	}

	if wt.pending && j.ctx.Err() == nil {
		probe := wt.pendingOrg
		wt.pending = false
		wt.pendingOrg = false
		p.startLocked(wt, probe)
		return
	}
	wt.pending = false
	wt.pendingOrg = false
	wt.inFlight = false
}

func (p *Projector) applyOriginLocked(j job, r git.Remotes) {
	o := p.originLocked(j.repoID)
	if j.probeSeq <= o.applied {
		return
	}
	o.applied = j.probeSeq

	switch {
	case !o.known:
		o.known = true
		o.origin = r.Origin
		o.upstream = r.Upstream
		p.publish(events.NewWorktree(events.SourceGit, j.repoID, "", events.OriginChanged{
			From:     "",
			To:       r.Origin,
			Upstream: r.Upstream,
			Initial:  true,
		}))
	case o.origin != r.Origin || o.upstream != r.Upstream:
		from := o.origin
		o.origin = r.Origin
		o.upstream = r.Upstream
		p.publish(events.NewWorktree(events.SourceGit, j.repoID, "", events.OriginChanged{
			From:     from,
			To:       r.Origin,
			Upstream: r.Upstream,
		}))
	}
}

func (p *Projector) publish(env events.Envelope) {
	if _, err := p.bus.Publish(env); err != nil {
		p.log.Debug("publish failed", "kind", env.Kind(), "error", err)
	}
}

// Origin returns the last-known origin of a repository.
func (p *Projector) Origin(repoID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.origins[repoID]
	if !ok || !o.known {
		return "", false
	}
	return o.origin, true
}
