// Package forge polls the remote forge for pull-request counts of every
// registered repository scope.
package forge

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/joescharf/forest/internal/events"
	"github.com/joescharf/forest/internal/git"
	"github.com/joescharf/forest/internal/identity"
)

// Provider lists open pull requests of a remote repository.
// *git.RealGitHubClient satisfies it.
type Provider interface {
	OpenPullRequests(ctx context.Context, host, owner, repo string) ([]git.PullRequest, error)
}

// Options configures a Worker.
type Options struct {
	PollInterval time.Duration
	// RetryBase is the first retry delay after a failure. It doubles per
	// consecutive failure up to MaxBackoff.
	RetryBase  time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration
	Workers    int
	// Hosts lists the forge hosts the provider can talk to. Scopes on
	// other hosts are ignored.
	Hosts  []string
	Logger *slog.Logger
	Now    func() time.Time
}

type scope struct {
	repoID   string
	remote   string
	host     string
	owner    string
	name     string
	gen      uint64
	nextAt   time.Time
	failures int
	inFlight bool
	refresh  bool
	hasLast  bool
	counts   map[string]int
	reviews  map[string]int
}

type outcome struct {
	repoID string
	gen    uint64
	prs    []git.PullRequest
	err    error
}

// Worker keeps one polling scope per repository. Scope requests are
// recorded without blocking and applied by Run; the latest request for a
// repository wins.
type Worker struct {
	bus      *events.Bus
	sub      *events.Subscription
	provider Provider
	opts     Options
	log      *slog.Logger
	sem      *semaphore.Weighted
	hosts    map[string]bool

	wake    chan struct{}
	results chan outcome

	mu        sync.Mutex
	desired   map[string]string
	refreshes map[string]bool
	scopes    map[string]*scope
	gen       uint64
}

// New creates a Worker subscribed to refresh intents.
func New(bus *events.Bus, provider Provider, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Minute
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 15 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 15 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if len(opts.Hosts) == 0 {
		opts.Hosts = []string{"github.com"}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	hosts := make(map[string]bool, len(opts.Hosts))
	for _, h := range opts.Hosts {
		hosts[strings.ToLower(h)] = true
	}

	return &Worker{
		bus:       bus,
		sub:       bus.Subscribe(events.SourceIntent),
		provider:  provider,
		opts:      opts,
		log:       log.With("component", "forge"),
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		hosts:     hosts,
		wake:      make(chan struct{}, 1),
		results:   make(chan outcome, opts.Workers),
		desired:   make(map[string]string),
		refreshes: make(map[string]bool),
		scopes:    make(map[string]*scope),
	}
}

func (w *Worker) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// RegisterScope asks the worker to poll remote on behalf of repoID. It
// never blocks.
func (w *Worker) RegisterScope(repoID, remote string) {
	w.mu.Lock()
	w.desired[repoID] = remote
	w.mu.Unlock()
	w.poke()
}

// UnregisterScope stops polling for repoID and discards any in-flight
// result. It never blocks.
func (w *Worker) UnregisterScope(repoID string) {
	w.RegisterScope(repoID, "")
}

// Refresh polls repoID as soon as possible.
func (w *Worker) Refresh(repoID string) {
	w.mu.Lock()
	w.refreshes[repoID] = true
	w.mu.Unlock()
	w.poke()
}

// Scopes returns the repository ids currently polled.
func (w *Worker) Scopes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := slices.Collect(maps.Keys(w.scopes))
	slices.Sort(ids)
	return ids
}

// Run applies scope requests and polls due scopes until ctx is done or
// the bus closes.
func (w *Worker) Run(ctx context.Context) error {
	defer w.sub.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		w.applyRequests()
		w.dispatch(ctx, &wg)
		timer.Reset(w.untilNext())

		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-w.sub.C():
			if !ok {
				return nil
			}
			if sys, isSys := env.(events.SystemEnvelope); isSys {
				if ev, isRefresh := sys.Event.(events.RefreshRequested); isRefresh {
					w.Refresh(ev.RepoID)
				}
			}
		case res := <-w.results:
			w.handleResult(res)
		case <-timer.C:
		case <-w.wake:
		}
	}
}

func (w *Worker) applyRequests() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for repoID, remote := range w.desired {
		delete(w.desired, repoID)
		w.applyScopeLocked(repoID, remote)
	}
	for repoID := range w.refreshes {
		delete(w.refreshes, repoID)
		if s, ok := w.scopes[repoID]; ok {
			s.refresh = true
		}
	}
}

func (w *Worker) applyScopeLocked(repoID, remote string) {
	existing, ok := w.scopes[repoID]
	if remote == "" {
		if ok {
			delete(w.scopes, repoID)
			w.log.Debug("scope unregistered", "repo", repoID)
		}
		return
	}
	if ok && existing.remote == remote {
		return
	}

	r, parsed := identity.ParseRemote(remote)
	if !parsed {
		delete(w.scopes, repoID)
		w.log.Debug("remote is not a forge URL", "repo", repoID, "remote", remote)
		return
	}
	if !w.hosts[r.Host] {
		delete(w.scopes, repoID)
		w.log.Debug("forge host not enabled", "repo", repoID, "host", r.Host)
		return
	}

	w.gen++
	w.scopes[repoID] = &scope{
		repoID: repoID,
		remote: remote,
		host:   r.Host,
		owner:  r.Organization,
		name:   r.Name,
		gen:    w.gen,
	}
	w.log.Debug("scope registered", "repo", repoID, "remote", remote)
}

func (w *Worker) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	now := w.opts.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, s := range w.scopes {
		if s.inFlight || (!s.refresh && now.Before(s.nextAt)) {
			continue
		}
		s.inFlight = true
		s.refresh = false

		wg.Add(1)
		go func(repoID string, gen uint64, host, owner, name string) {
			defer wg.Done()
			out := outcome{repoID: repoID, gen: gen}
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return
			}
			fctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
			out.prs, out.err = w.provider.OpenPullRequests(fctx, host, owner, name)
			cancel()
			w.sem.Release(1)

			select {
			case w.results <- out:
			case <-ctx.Done():
			}
		}(s.repoID, s.gen, s.host, s.owner, s.name)
	}
}

func (w *Worker) untilNext() time.Duration {
	now := w.opts.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	next := time.Hour
	for _, s := range w.scopes {
		if s.inFlight {
			continue
		}
		if d := s.nextAt.Sub(now); d < next {
			next = max(d, 0)
		}
	}
	return next
}

func (w *Worker) handleResult(res outcome) {
	now := w.opts.Now()

	w.mu.Lock()
	s, ok := w.scopes[res.repoID]
	if !ok || s.gen != res.gen {
		w.mu.Unlock()
		return
	}
	s.inFlight = false

	var env events.Envelope
	if res.err != nil {
		s.failures++
		s.nextAt = now.Add(Backoff(w.opts.RetryBase, w.opts.MaxBackoff, s.failures))
		w.log.Warn("forge refresh failed", "repo", s.repoID, "remote", s.remote, "failures", s.failures, "error", res.err)
		env = events.NewWorktree(events.SourceForge, s.repoID, "", events.ForgeRefreshFailed{
			Remote:  s.remote,
			Error:   res.err.Error(),
			RetryAt: s.nextAt.UTC(),
		})
	} else {
		s.failures = 0
		s.nextAt = now.Add(w.opts.PollInterval)
		counts, reviews := CountByBranch(res.prs)
		if !s.hasLast || !maps.Equal(counts, s.counts) || !maps.Equal(reviews, s.reviews) {
			s.hasLast = true
			s.counts = counts
			s.reviews = reviews
			env = events.NewWorktree(events.SourceForge, s.repoID, "", events.ForgeCountsChanged{
				Remote:          s.remote,
				CountsByBranch:  maps.Clone(counts),
				ReviewsByBranch: maps.Clone(reviews),
			})
		}
	}
	w.mu.Unlock()

	if env != nil {
		if _, err := w.bus.Publish(env); err != nil {
			w.log.Debug("publish failed", "kind", env.Kind(), "error", err)
		}
	}
}

// CountByBranch tallies open pull requests and pull requests awaiting
// review per head branch.
func CountByBranch(prs []git.PullRequest) (counts, reviews map[string]int) {
	counts = make(map[string]int)
	reviews = make(map[string]int)
	for _, pr := range prs {
		if pr.Branch == "" {
			continue
		}
		counts[pr.Branch]++
		if pr.NeedsReview() {
			reviews[pr.Branch]++
		}
	}
	return counts, reviews
}

// Backoff returns the retry delay after the given number of consecutive
// failures.
func Backoff(base, maxDelay time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return base
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}
