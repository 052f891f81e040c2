package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forest/internal/git"
	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/store"
)

type fakeGit struct {
	mu     sync.Mutex
	origin string
	branch string
}

func (f *fakeGit) Status(context.Context, string) (git.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return git.Snapshot{Branch: f.branch, Status: models.StatusSummary{Modified: 1}}, nil
}

func (f *fakeGit) Remotes(context.Context, string) (git.Remotes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return git.Remotes{Origin: f.origin}, nil
}

func (f *fakeGit) WorktreeList(context.Context, string) ([]git.WorktreeInfo, error) {
	return nil, nil
}

type fakeForge struct{}

func (fakeForge) OpenPullRequests(context.Context, string, string, string) ([]git.PullRequest, error) {
	return []git.PullRequest{
		{Number: 1, Branch: "main", ReviewDecision: "REVIEW_REQUIRED"},
		{Number: 2, Branch: "main"},
	}, nil
}

func testConfig(dir string) Config {
	return Config{
		StateDir:       dir,
		Backend:        "file",
		CanonicalDelay: 10 * time.Millisecond,
		CacheDelay:     10 * time.Millisecond,
		PrefsDelay:     10 * time.Millisecond,
		Debounce:       20 * time.Millisecond,
		MaxLatency:     50 * time.Millisecond,
		GitWorkers:     2,
		GitTimeout:     5 * time.Second,
		ForgeEnabled:   true,
		ForgeWorkers:   1,
	}
}

func start(t *testing.T, cfg Config, fg *fakeGit) (*Workspace, func()) {
	t.Helper()
	ws, err := New(context.Background(), cfg, Deps{Status: fg, Lister: fg, Forge: fakeForge{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("workspace did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return ws, stop
}

func waitCache(t *testing.T, ws *Workspace, pred func(state.Cache) bool) state.Cache {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := ws.Cache().WaitFor(ctx, pred)
	require.NoError(t, err)
	return c
}

func TestWorkspace_EndToEnd(t *testing.T) {
	stateDir := t.TempDir()
	repoPath := filepath.Join(t.TempDir(), "widgets")
	require.NoError(t, os.MkdirAll(filepath.Join(repoPath, ".git"), 0o755))

	fg := &fakeGit{origin: "git@github.com:acme/widgets.git", branch: "main"}
	ws, stop := start(t, testConfig(stateDir), fg)
	ctx := context.Background()

	repo, err := ws.AddRepository(ctx, repoPath)
	require.NoError(t, err)
	assert.Equal(t, "widgets", repo.Name)

	wts := ws.Canonical().Snapshot().WorktreesOf(repo.ID)
	require.Len(t, wts, 1)
	wtID := wts[0].ID

	c := waitCache(t, ws, func(c state.Cache) bool {
		wt, ok := c.Worktrees[wtID]
		return c.Repos[repo.ID].IsResolved() && ok && wt.OpenPullRequests != nil
	})
	e := c.Repos[repo.ID]
	assert.Equal(t, "remote:acme/widgets", e.Identity.GroupKey)
	assert.Equal(t, "main", c.Worktrees[wtID].Branch)
	assert.Equal(t, 2, *c.Worktrees[wtID].OpenPullRequests)
	assert.Equal(t, 1, *c.Worktrees[wtID].ReviewRequests)
	assert.Equal(t, []string{repo.ID}, ws.ForgeScopes())

	again, err := ws.AddRepository(ctx, repoPath)
	require.NoError(t, err)
	assert.Equal(t, repo.ID, again.ID)

	require.NoError(t, ws.RequestRefresh(ctx, repo.ID))
	require.NoError(t, ws.SetActivity(ctx, wtID, true))

	ws.UpdatePreferences(func(p *state.Preferences) { p.SortBy = "name" })

	stop()

	// Everything was flushed on shutdown.
	b := store.NewFileBackend(stateDir)
	canonical, err := store.LoadCanonical(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, repoPath, canonical.Repos[repo.ID].Path)
	cache := store.LoadCache(ctx, b, nil)
	assert.True(t, cache.Repos[repo.ID].IsResolved())
	assert.Equal(t, "name", store.LoadPreferences(ctx, b, nil).SortBy)
}

func TestWorkspace_RemoveAndRestart(t *testing.T) {
	stateDir := t.TempDir()
	repoPath := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.MkdirAll(filepath.Join(repoPath, ".git"), 0o755))
	fg := &fakeGit{branch: "main"}
	ctx := context.Background()

	ws, stop := start(t, testConfig(stateDir), fg)
	repo, err := ws.AddRepository(ctx, repoPath)
	require.NoError(t, err)
	c := waitCache(t, ws, func(c state.Cache) bool { return c.Repos[repo.ID].IsResolved() })
	assert.True(t, c.Repos[repo.ID].IsLocal())
	assert.Empty(t, ws.ForgeScopes())

	require.NoError(t, ws.RemoveRepository(ctx, repo.ID))
	assert.True(t, ws.Canonical().Snapshot().Repos[repo.ID].Orphaned)
	assert.NotContains(t, ws.Cache().Snapshot().Repos, repo.ID)
	stop()

	ws2, _ := start(t, testConfig(stateDir), fg)
	snap := ws2.Canonical().Snapshot()
	require.Contains(t, snap.Repos, repo.ID)
	assert.True(t, snap.Repos[repo.ID].Orphaned)

	readded, err := ws2.AddRepository(ctx, repoPath)
	require.NoError(t, err)
	assert.Equal(t, repo.ID, readded.ID)
}

func TestWorkspace_RestartReregisters(t *testing.T) {
	stateDir := t.TempDir()
	repoPath := filepath.Join(t.TempDir(), "widgets")
	require.NoError(t, os.MkdirAll(filepath.Join(repoPath, ".git"), 0o755))
	fg := &fakeGit{origin: "https://github.com/acme/widgets", branch: "main"}
	ctx := context.Background()

	ws, stop := start(t, testConfig(stateDir), fg)
	repo, err := ws.AddRepository(ctx, repoPath)
	require.NoError(t, err)
	waitCache(t, ws, func(c state.Cache) bool { return c.Repos[repo.ID].IsResolved() })
	stop()

	// Corrupt the cache: the restart must rebuild it from canonical.
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "cache.json"), []byte("nope"), 0o644))

	ws2, _ := start(t, testConfig(stateDir), fg)
	c := waitCache(t, ws2, func(c state.Cache) bool {
		return c.Repos[repo.ID].IsResolved() && len(c.WorktreesOf(repo.ID)) == 1
	})
	assert.Equal(t, "remote:acme/widgets", c.Repos[repo.ID].Identity.GroupKey)
}

func TestWorkspace_IntentErrors(t *testing.T) {
	ws, _ := start(t, testConfig(t.TempDir()), &fakeGit{})
	ctx := context.Background()

	_, err := ws.AddRepository(ctx, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.ErrorIs(t, ws.RemoveRepository(ctx, "nope"), state.ErrNotFound)
	assert.ErrorIs(t, ws.RequestRefresh(ctx, "nope"), state.ErrNotFound)
	_, err = ws.RelocateRepository(ctx, "nope", t.TempDir())
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestNew_RequiresStateDir(t *testing.T) {
	_, err := New(context.Background(), Config{}, Deps{})
	assert.Error(t, err)
}
