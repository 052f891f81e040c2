// Package coordinator is the only writer of the canonical and cache tiers.
// It turns intents into topology changes and folds git and forge facts
// into enrichment.
package coordinator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/forest/internal/events"
	"github.com/joescharf/forest/internal/git"
	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/watcher"
)

// WorktreeLister lists the worktrees of a repository. *git.RealClient
// satisfies it.
type WorktreeLister interface {
	WorktreeList(ctx context.Context, path string) ([]git.WorktreeInfo, error)
}

// ScopeSyncer receives forge scope changes. Calls must not block.
// *forge.Worker satisfies it.
type ScopeSyncer interface {
	RegisterScope(repoID, remote string)
	UnregisterScope(repoID string)
}

// Options configures a Coordinator.
type Options struct {
	// Timeout bounds worktree discovery per repository.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

// Coordinator consumes intent, filesystem, git and forge facts one at a
// time. Every fact maps to a single store mutation.
type Coordinator struct {
	bus       *events.Bus
	sub       *events.Subscription
	canonical *state.CanonicalStore
	cache     *state.CacheStore
	lister    WorktreeLister
	scopes    ScopeSyncer
	opts      Options
	log       *slog.Logger

	// mu serializes Apply between Run and direct callers.
	mu sync.Mutex
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newULID generates a new ULID string.
func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// New creates a Coordinator subscribed to the sources it consumes.
// scopes may be nil when no forge worker runs.
func New(bus *events.Bus, canonical *state.CanonicalStore, cache *state.CacheStore, lister WorktreeLister, scopes ScopeSyncer, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newULID
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		bus:       bus,
		sub:       bus.Subscribe(events.SourceIntent, events.SourceFilesystem, events.SourceGit, events.SourceForge),
		canonical: canonical,
		cache:     cache,
		lister:    lister,
		scopes:    scopes,
		opts:      opts,
		log:       log.With("component", "coordinator"),
	}
}

// Run applies facts until ctx is done or the bus closes.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.sub.Close()
	for {
		env, ok := c.sub.Next(ctx)
		if !ok {
			return nil
		}
		if err := c.Apply(ctx, env); err != nil {
			c.log.Warn("fact not applied", "kind", env.Kind(), "source", env.Meta().Source, "error", err)
		}
	}
}

// Apply handles one envelope. Facts that refer to unknown or orphaned
// entities are dropped without error.
func (c *Coordinator) Apply(ctx context.Context, env events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := env.(type) {
	case events.SystemEnvelope:
		return c.applySystem(ctx, e)
	case events.WorktreeEnvelope:
		return c.applyWorktree(e)
	case events.PaneEnvelope:
		return nil
	default:
		return fmt.Errorf("unknown envelope %T", env)
	}
}

func (c *Coordinator) applySystem(ctx context.Context, e events.SystemEnvelope) error {
	switch ev := e.Event.(type) {
	case events.RepositoryAddRequested:
		_, err := c.add(ctx, ev.Path, ev.Name, "")
		return err
	case events.RepositoryRemoveRequested:
		return c.remove(ev.RepoID)
	case events.RepositoryRelocateRequested:
		return c.relocate(ctx, ev.RepoID, ev.Path)
	case events.NestedRepositoryFound:
		return c.nested(ctx, ev)
	case events.RefreshRequested, events.ActivityChanged, events.Lifecycle:
		// Consumed by the watcher, projector and forge worker.
		return nil
	case events.WorktreeAttached, events.WorktreeDetached, events.RepositoryOrphaned:
		// Published by the coordinator itself.
		return nil
	default:
		return fmt.Errorf("unhandled system event %T", e.Event)
	}
}

func (c *Coordinator) applyWorktree(e events.WorktreeEnvelope) error {
	at := e.Timestamp
	if at.IsZero() {
		at = c.opts.Now()
	}
	switch ev := e.Event.(type) {
	case events.OriginChanged:
		c.origin(e.RepoID, ev, at)
	case events.SnapshotChanged:
		c.snapshot(e.RepoID, e.WorktreeID, ev, at)
	case events.ForgeCountsChanged:
		c.forgeCounts(e.RepoID, ev, at)
	case events.ForgeRefreshFailed:
		c.forgeFailed(e.RepoID, ev, at)
	case events.FilesChanged:
		// Recompute trigger for the projector.
	default:
		return fmt.Errorf("unhandled worktree event %T", e.Event)
	}
	return nil
}

// live returns the repository if it exists and is not orphaned.
func (c *Coordinator) live(repoID string) (models.CanonicalRepo, bool) {
	var repo models.CanonicalRepo
	var ok bool
	c.canonical.View(func(s state.Canonical) {
		repo, ok = s.Repos[repoID]
	})
	return repo, ok && !repo.Orphaned
}

func (c *Coordinator) publish(ev events.SystemEvent) {
	if _, err := c.bus.Publish(events.NewSystem(events.SourceCoordinator, ev)); err != nil && !errors.Is(err, events.ErrBusClosed) {
		c.log.Warn("publish failed", "kind", ev.Kind(), "error", err)
	}
}

func absPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

func detectKind(path string) (models.RepoKind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", path)
	}
	if watcher.IsRepo(path) {
		return models.RepoKindRepo, nil
	}
	return models.RepoKindFolder, nil
}
