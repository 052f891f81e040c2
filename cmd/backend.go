package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/forest/internal/api"
	"github.com/joescharf/forest/internal/daemon"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/workspace"
)

// backend is what the repo and status commands operate on: the daemon's
// API when `forest run` is live, otherwise a short-lived in-process
// workspace.
type backend interface {
	ListRepos(ctx context.Context, all bool) ([]workspace.RepoView, error)
	GetRepo(ctx context.Context, ref string) (workspace.RepoView, error)
	AddRepo(ctx context.Context, path string) (workspace.RepoView, error)
	RemoveRepo(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) error
	Relocate(ctx context.Context, id, path string) (workspace.RepoView, error)
	SetActivity(ctx context.Context, worktreeID string, foreground bool) error
	Status(ctx context.Context) ([]workspace.Group, error)
	Close() error
}

// workspaceConfig maps configuration keys onto the pipeline config.
func workspaceConfig() workspace.Config {
	return workspace.Config{
		StateDir: viper.GetString("state_dir"),
		Backend:  viper.GetString("persistence.backend"),
		DBPath:   viper.GetString("persistence.db_path"),

		CanonicalDelay: viper.GetDuration("persistence.canonical_delay"),
		CacheDelay:     viper.GetDuration("persistence.cache_delay"),
		PrefsDelay:     viper.GetDuration("persistence.prefs_delay"),

		ReplayCapacity:   viper.GetInt("bus.replay_capacity"),
		SubscriberBuffer: viper.GetInt("bus.subscriber_buffer"),

		Debounce:         viper.GetDuration("watch.debounce"),
		MaxLatency:       viper.GetDuration("watch.max_latency"),
		RescanInterval:   viper.GetDuration("watch.rescan_interval"),
		RescanDepth:      viper.GetInt("watch.rescan_depth"),
		RespectGitignore: viper.GetBool("watch.respect_gitignore"),

		GitWorkers: viper.GetInt("git.workers"),
		GitTimeout: viper.GetDuration("git.timeout"),

		ForgeEnabled:      viper.GetBool("forge.enabled"),
		ForgePollInterval: viper.GetDuration("forge.poll_interval"),
		ForgeMaxBackoff:   viper.GetDuration("forge.max_backoff"),
		ForgeWorkers:      viper.GetInt("forge.workers"),
		ForgeHosts:        viper.GetStringSlice("forge.hosts"),
	}
}

func daemonFile() *daemon.File {
	return daemon.NewFile(viper.GetString("state_dir"))
}

// openBackend connects to a live daemon, or starts an in-process
// workspace.
func openBackend(ctx context.Context) (backend, error) {
	if rec, ok := daemonFile().Running(); ok {
		ui.VerboseLog("Using daemon pid %d on port %d", rec.PID, rec.Port)
		return &daemonBackend{Client: api.NewClient(rec.Port)}, nil
	}
	ui.VerboseLog("No daemon running, opening state in %s", viper.GetString("state_dir"))
	return startLocal(ctx, workspaceConfig(), workspace.Deps{})
}

// --- daemon ---

type daemonBackend struct {
	*api.Client
}

func (d *daemonBackend) GetRepo(ctx context.Context, ref string) (workspace.RepoView, error) {
	v, err := d.Client.GetRepo(ctx, ref)
	if errors.Is(err, api.ErrNotFound) {
		return v, fmt.Errorf("repository %q: %w", ref, state.ErrNotFound)
	}
	return v, err
}

func (d *daemonBackend) Close() error { return nil }

// --- in-process ---

// settleQuiet is how long the cache must stay unchanged before an
// in-process session is considered caught up.
const settleQuiet = 300 * time.Millisecond

type localBackend struct {
	ws     *workspace.Workspace
	cancel context.CancelFunc
	done   chan error
	settle time.Duration
}

func startLocal(ctx context.Context, cfg workspace.Config, deps workspace.Deps) (*localBackend, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ws, err := workspace.New(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	settle := cfg.GitTimeout
	if settle <= 0 {
		settle = 5 * time.Second
	}
	runCtx, cancel := context.WithCancel(context.Background())
	l := &localBackend{
		ws:     ws,
		cancel: cancel,
		done:   make(chan error, 1),
		settle: settle,
	}
	go func() { l.done <- ws.Run(runCtx) }()
	return l, nil
}

func (l *localBackend) ListRepos(_ context.Context, all bool) ([]workspace.RepoView, error) {
	return workspace.RepoViews(l.ws.Canonical().Snapshot(), l.ws.Cache().Snapshot(), all), nil
}

func (l *localBackend) GetRepo(_ context.Context, ref string) (workspace.RepoView, error) {
	c := l.ws.Canonical().Snapshot()
	repo, err := c.Repo(ref)
	if err != nil {
		repo, err = workspace.ResolveRepo(c, ref)
	}
	if err != nil {
		return workspace.RepoView{}, err
	}
	return workspace.BuildRepoView(c, l.ws.Cache().Snapshot(), repo), nil
}

func (l *localBackend) AddRepo(ctx context.Context, path string) (workspace.RepoView, error) {
	repo, err := l.ws.AddRepository(ctx, path)
	if err != nil {
		return workspace.RepoView{}, err
	}
	l.wait(ctx)
	return l.GetRepo(ctx, repo.ID)
}

func (l *localBackend) RemoveRepo(ctx context.Context, id string) error {
	if err := l.ws.RemoveRepository(ctx, id); err != nil {
		return err
	}
	return nil
}

func (l *localBackend) Refresh(ctx context.Context, id string) error {
	if err := l.ws.RequestRefresh(ctx, id); err != nil {
		return err
	}
	l.wait(ctx)
	return nil
}

func (l *localBackend) Relocate(ctx context.Context, id, path string) (workspace.RepoView, error) {
	repo, err := l.ws.RelocateRepository(ctx, id, path)
	if err != nil {
		return workspace.RepoView{}, err
	}
	l.wait(ctx)
	return l.GetRepo(ctx, repo.ID)
}

func (l *localBackend) SetActivity(ctx context.Context, worktreeID string, foreground bool) error {
	return l.ws.SetActivity(ctx, worktreeID, foreground)
}

func (l *localBackend) Status(_ context.Context) ([]workspace.Group, error) {
	return workspace.Groups(l.ws.Canonical().Snapshot(), l.ws.Cache().Snapshot()), nil
}

// wait lets the projector catch up: it returns once the cache has been
// quiet for settleQuiet, or after the settle deadline.
func (l *localBackend) wait(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, l.settle)
	defer cancel()

	ch, stop := l.ws.Cache().Watch()
	defer stop()

	quiet := time.NewTimer(settleQuiet)
	defer quiet.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-quiet.C:
			return
		case <-ch:
			quiet.Reset(settleQuiet)
		}
	}
}

// Close stops the workspace, which flushes every tier.
func (l *localBackend) Close() error {
	l.cancel()
	return <-l.done
}
