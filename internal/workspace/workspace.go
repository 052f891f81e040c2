// Package workspace assembles the event bus, stores, persistence and
// pipeline workers, and exposes intents plus read-only state to callers.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/forest/internal/coordinator"
	"github.com/joescharf/forest/internal/events"
	"github.com/joescharf/forest/internal/forge"
	"github.com/joescharf/forest/internal/git"
	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/projector"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/store"
	"github.com/joescharf/forest/internal/watcher"
)

// Config holds every tunable of the pipeline. Zero values fall back to the
// component defaults.
type Config struct {
	StateDir string
	Backend  string
	DBPath   string

	CanonicalDelay time.Duration
	CacheDelay     time.Duration
	PrefsDelay     time.Duration

	ReplayCapacity   int
	SubscriberBuffer int

	Debounce         time.Duration
	MaxLatency       time.Duration
	RescanInterval   time.Duration
	RescanDepth      int
	RespectGitignore bool

	GitWorkers int
	GitTimeout time.Duration

	ForgeEnabled      bool
	ForgePollInterval time.Duration
	ForgeMaxBackoff   time.Duration
	ForgeWorkers      int
	ForgeHosts        []string
}

// Deps are the external collaborators. Nil fields get the real
// implementations.
type Deps struct {
	Git     *git.RealClient
	Status  projector.StatusProvider
	Lister  coordinator.WorktreeLister
	Forge   forge.Provider
	Backend store.Backend
	Logger  *slog.Logger
}

// Workspace owns one running pipeline.
type Workspace struct {
	cfg     Config
	log     *slog.Logger
	bus     *events.Bus
	backend store.Backend

	canonical *state.CanonicalStore
	cache     *state.CacheStore
	prefs     *state.PrefsStore

	canonicalWriter *store.Writer[state.Canonical]
	cacheWriter     *store.Writer[state.Cache]
	prefsWriter     *store.Writer[state.Preferences]

	watcher     *watcher.Watcher
	projector   *projector.Projector
	forge       *forge.Worker
	coordinator *coordinator.Coordinator

	closeOnce sync.Once
	closeErr  error
}

// New loads persisted state and builds every worker. Nothing runs until
// Run is called.
func New(ctx context.Context, cfg Config, deps Deps) (*Workspace, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.StateDir == "" {
		return nil, errors.New("state directory not configured")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "forest.db")
	}

	backend := deps.Backend
	if backend == nil {
		b, err := store.Open(cfg.Backend, cfg.StateDir, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open persistence: %w", err)
		}
		backend = b
	}

	canonical, err := store.LoadCanonical(ctx, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	cache := store.LoadCache(ctx, backend, log)
	prefs := store.LoadPreferences(ctx, backend, log)

	gc := deps.Git
	if gc == nil {
		gc = git.NewClient()
	}
	status := deps.Status
	if status == nil {
		status = gc
	}
	lister := deps.Lister
	if lister == nil {
		lister = gc
	}

	w := &Workspace{
		cfg:       cfg,
		log:       log.With("component", "workspace"),
		backend:   backend,
		canonical: state.NewCanonicalStore(canonical),
		cache:     state.NewCacheStore(cache),
		prefs:     state.NewPrefsStore(prefs),
	}
	w.bus = events.New(events.Options{
		ReplayCapacity:   cfg.ReplayCapacity,
		SubscriberBuffer: cfg.SubscriberBuffer,
		Logger:           log,
	})

	w.canonicalWriter = store.NewWriter(store.TierCanonical, w.canonical, backend, store.EncodeCanonical, cfg.CanonicalDelay, log)
	w.cacheWriter = store.NewWriter(store.TierCache, w.cache, backend, store.EncodeCache, cfg.CacheDelay, log)
	w.prefsWriter = store.NewWriter(store.TierPreferences, w.prefs, backend, store.EncodePreferences, cfg.PrefsDelay, log)

	w.watcher, err = watcher.New(w.bus, watcher.Options{
		Debounce:         cfg.Debounce,
		MaxLatency:       cfg.MaxLatency,
		RescanInterval:   cfg.RescanInterval,
		RescanDepth:      cfg.RescanDepth,
		RespectGitignore: cfg.RespectGitignore,
		Logger:           log,
	})
	if err != nil {
		w.bus.Close()
		_ = backend.Close()
		return nil, err
	}
	w.projector = projector.New(w.bus, status, projector.Options{
		Workers: cfg.GitWorkers,
		Timeout: cfg.GitTimeout,
		Logger:  log,
	})

	var scopes coordinator.ScopeSyncer
	if cfg.ForgeEnabled {
		provider := deps.Forge
		if provider == nil {
			provider = git.NewGitHubClient()
		}
		w.forge = forge.New(w.bus, provider, forge.Options{
			PollInterval: cfg.ForgePollInterval,
			MaxBackoff:   cfg.ForgeMaxBackoff,
			Workers:      cfg.ForgeWorkers,
			Hosts:        cfg.ForgeHosts,
			Logger:       log,
		})
		scopes = w.forge
	}
	w.coordinator = coordinator.New(w.bus, w.canonical, w.cache, lister, scopes, coordinator.Options{
		Timeout: cfg.GitTimeout,
		Logger:  log,
	})

	return w, nil
}

// Run starts every worker, re-registers the persisted topology and blocks
// until ctx is cancelled or a worker fails. It closes the workspace before
// returning.
func (w *Workspace) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.watcher.Run(gctx) })
	g.Go(func() error { return w.projector.Run(gctx) })
	g.Go(func() error { return w.coordinator.Run(gctx) })
	if w.forge != nil {
		g.Go(func() error { return w.forge.Run(gctx) })
	}
	g.Go(func() error { return w.canonicalWriter.Run(gctx) })
	g.Go(func() error { return w.cacheWriter.Run(gctx) })
	g.Go(func() error { return w.prefsWriter.Run(gctx) })

	if err := w.coordinator.Bootstrap(gctx); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Warn("bootstrap incomplete", "error", err)
	}
	w.lifecycle("started")
	w.log.Info("workspace started", "repos", len(w.canonical.Snapshot().Repos))

	// Workers stop on cancellation or when the bus closes.
	g.Go(func() error {
		<-gctx.Done()
		w.lifecycle("stopping")
		w.bus.Close()
		return nil
	})

	err := g.Wait()
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *Workspace) lifecycle(phase string) {
	_, _ = w.bus.Publish(events.NewSystem(events.SourceCoordinator, events.Lifecycle{Phase: phase}))
}

// Close stops the bus, flushes every tier and closes the backend. It is
// safe to call more than once.
func (w *Workspace) Close() error {
	w.closeOnce.Do(func() {
		w.bus.Close()
		w.projector.Close()
		_ = w.watcher.Close()

		ctx := context.Background()
		var errs []error
		for _, flush := range []func(context.Context) error{
			w.canonicalWriter.Flush,
			w.cacheWriter.Flush,
			w.prefsWriter.Flush,
		} {
			if err := flush(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := w.backend.Close(); err != nil {
			errs = append(errs, err)
		}
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}

// Canonical returns the read-only canonical store.
func (w *Workspace) Canonical() *state.CanonicalStore { return w.canonical }

// Cache returns the read-only cache store.
func (w *Workspace) Cache() *state.CacheStore { return w.cache }

// Preferences returns the preferences store. Preferences are owned by the
// presentation layer and may be updated directly.
func (w *Workspace) Preferences() *state.PrefsStore { return w.prefs }

// Bus returns the event bus.
func (w *Workspace) Bus() *events.Bus { return w.bus }

// Roots lists the filesystem roots being watched.
func (w *Workspace) Roots() []watcher.RootInfo { return w.watcher.Roots() }

// ForgeScopes lists the repositories polled on the forge.
func (w *Workspace) ForgeScopes() []string {
	if w.forge == nil {
		return nil
	}
	return w.forge.Scopes()
}

func (w *Workspace) intent(ev events.SystemEvent) (string, error) {
	corr := uuid.NewString()
	env := events.WithCorrelation(events.NewSystem(events.SourceIntent, ev), corr, "")
	if _, err := w.bus.Publish(env); err != nil {
		return "", fmt.Errorf("publish %s: %w", ev.Kind(), err)
	}
	return corr, nil
}

// AddRepository tracks path and waits until the coordinator has recorded
// it.
func (w *Workspace) AddRepository(ctx context.Context, path string) (models.CanonicalRepo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return models.CanonicalRepo{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.CanonicalRepo{}, fmt.Errorf("add %s: %w", abs, err)
	}
	if !info.IsDir() {
		return models.CanonicalRepo{}, fmt.Errorf("add %s: not a directory", abs)
	}

	if _, err := w.intent(events.RepositoryAddRequested{Path: abs}); err != nil {
		return models.CanonicalRepo{}, err
	}
	snap, err := w.canonical.WaitFor(ctx, func(s state.Canonical) bool {
		r, ok := s.RepoByPath(abs)
		return ok && !r.Orphaned
	})
	if err != nil {
		return models.CanonicalRepo{}, fmt.Errorf("wait for %s: %w", abs, err)
	}
	repo, _ := snap.RepoByPath(abs)
	return repo, nil
}

// RemoveRepository stops tracking a repository and waits until it is
// orphaned.
func (w *Workspace) RemoveRepository(ctx context.Context, repoID string) error {
	repo, err := w.canonical.Snapshot().Repo(repoID)
	if err != nil {
		return err
	}
	if repo.Orphaned {
		return nil
	}
	if _, err := w.intent(events.RepositoryRemoveRequested{RepoID: repoID}); err != nil {
		return err
	}
	_, err = w.canonical.WaitFor(ctx, func(s state.Canonical) bool {
		return s.Repos[repoID].Orphaned
	})
	return err
}

// RelocateRepository points a repository at a new path, keeping its id.
func (w *Workspace) RelocateRepository(ctx context.Context, repoID, path string) (models.CanonicalRepo, error) {
	if _, err := w.canonical.Snapshot().Repo(repoID); err != nil {
		return models.CanonicalRepo{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return models.CanonicalRepo{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return models.CanonicalRepo{}, fmt.Errorf("relocate to %s: %w", abs, err)
	}
	if _, err := w.intent(events.RepositoryRelocateRequested{RepoID: repoID, Path: abs}); err != nil {
		return models.CanonicalRepo{}, err
	}
	snap, err := w.canonical.WaitFor(ctx, func(s state.Canonical) bool {
		r := s.Repos[repoID]
		return filepath.Clean(r.Path) == filepath.Clean(abs) && !r.Orphaned
	})
	if err != nil {
		return models.CanonicalRepo{}, err
	}
	return snap.Repos[repoID], nil
}

// RequestRefresh recomputes a repository now, bypassing debounce.
func (w *Workspace) RequestRefresh(_ context.Context, repoID string) error {
	if _, err := w.canonical.Snapshot().Repo(repoID); err != nil {
		return err
	}
	_, err := w.intent(events.RefreshRequested{RepoID: repoID})
	return err
}

// SetActivity marks a worktree as foreground or background.
func (w *Workspace) SetActivity(_ context.Context, worktreeID string, foreground bool) error {
	_, err := w.intent(events.ActivityChanged{WorktreeID: worktreeID, Foreground: foreground})
	return err
}

// UpdatePreferences applies fn to the preferences tier.
func (w *Workspace) UpdatePreferences(fn func(*state.Preferences)) state.Preferences {
	w.prefs.Update(func(p *state.Preferences) bool {
		fn(p)
		return true
	})
	return w.prefs.Snapshot()
}
