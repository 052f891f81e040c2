package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forest/internal/daemon"
	"github.com/joescharf/forest/internal/git"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/workspace"
)

type fakeGit struct{}

func (fakeGit) Status(context.Context, string) (git.Snapshot, error) {
	return git.Snapshot{Branch: "main"}, nil
}

func (fakeGit) Remotes(_ context.Context, path string) (git.Remotes, error) {
	return git.Remotes{Origin: "https://github.com/acme/" + filepath.Base(path)}, nil
}

func (fakeGit) WorktreeList(context.Context, string) ([]git.WorktreeInfo, error) {
	return nil, nil
}

func localConfig(dir string) workspace.Config {
	viper.Set("state_dir", dir)
	cfg := workspaceConfig()
	cfg.CanonicalDelay = 10 * time.Millisecond
	cfg.CacheDelay = 10 * time.Millisecond
	cfg.PrefsDelay = 10 * time.Millisecond
	cfg.Debounce = 20 * time.Millisecond
	cfg.MaxLatency = 50 * time.Millisecond
	cfg.GitTimeout = 2 * time.Second
	cfg.ForgeEnabled = false
	return cfg
}

func mkRepo(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(filepath.Join(path, ".git"), 0o755))
	return path
}

func TestLocalBackend_Lifecycle(t *testing.T) {
	dir := testEnv(t)
	ctx := context.Background()
	deps := workspace.Deps{Status: fakeGit{}, Lister: fakeGit{}}

	b, err := startLocal(ctx, localConfig(dir), deps)
	require.NoError(t, err)

	path := mkRepo(t, "widgets")
	added, err := b.AddRepo(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "widgets", added.Name)
	require.NotNil(t, added.Enrichment, "add waits for the origin to settle")
	assert.Equal(t, "remote:acme/widgets", added.GroupKey())

	byName, err := b.GetRepo(ctx, "widgets")
	require.NoError(t, err)
	assert.Equal(t, added.ID, byName.ID)

	groups, err := b.Status(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	require.NoError(t, b.Refresh(ctx, added.ID))

	moved := filepath.Join(filepath.Dir(path), "widgets-moved")
	require.NoError(t, os.Rename(path, moved))
	relocated, err := b.Relocate(ctx, added.ID, moved)
	require.NoError(t, err)
	assert.Equal(t, added.ID, relocated.ID)
	assert.Equal(t, moved, relocated.Path)

	require.NoError(t, b.Close())

	// State survives the in-process session.
	b, err = startLocal(ctx, localConfig(dir), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	views, err := b.ListRepos(ctx, false)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, added.ID, views[0].ID)
	assert.Equal(t, moved, views[0].Path)

	require.NoError(t, b.RemoveRepo(ctx, added.ID))
	views, err = b.ListRepos(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = b.GetRepo(ctx, "nope")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestOpenBackend_NoDaemon(t *testing.T) {
	testEnv(t)
	viper.Set("forge.enabled", false)

	b, err := openBackend(context.Background())
	require.NoError(t, err)
	_, isLocal := b.(*localBackend)
	assert.True(t, isLocal)

	views, err := b.ListRepos(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, views)
	require.NoError(t, b.Close())
}

func TestOpenBackend_Daemon(t *testing.T) {
	dir := testEnv(t)
	_, err := daemon.NewFile(dir).Claim(7999, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = daemon.NewFile(dir).Release() })

	b, err := openBackend(context.Background())
	require.NoError(t, err)
	d, isDaemon := b.(*daemonBackend)
	require.True(t, isDaemon)
	assert.Equal(t, "http://127.0.0.1:7999", d.BaseURL)
}

func TestDaemonFile_Path(t *testing.T) {
	dir := testEnv(t)
	assert.Equal(t, filepath.Join(dir, "forest.pid"), daemonFile().Path)
	assert.Equal(t, filepath.Join(dir, "forest.log"), runLogPath())
}

func TestRunStatusRun_NotRunning(t *testing.T) {
	testEnv(t)
	assert.NoError(t, runStatusRun())
}

func TestRunStopRun_NotRunning(t *testing.T) {
	testEnv(t)
	err := runStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestRunDetachRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)
	_, err := daemon.NewFile(dir).Claim(7420, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = daemon.NewFile(dir).Release() })

	err = runDetachRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestEventsRun_NotRunning(t *testing.T) {
	testEnv(t)
	err := eventsRun(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestFindWorktree(t *testing.T) {
	mk := func(id, path string) workspace.WorktreeView {
		var wt workspace.WorktreeView
		wt.ID = id
		wt.Path = path
		return wt
	}
	views := []workspace.RepoView{{Worktrees: []workspace.WorktreeView{
		mk("01HAAAAAAAAAAAAAAAAAAAAAAA", "/src/widgets"),
		mk("01HBBBBBBBBBBBBBBBBBBBBBBB", "/src/widgets-feature"),
	}}}

	wt, err := findWorktree(views, "/src/widgets-feature")
	require.NoError(t, err)
	assert.Equal(t, "01HBBBBBBBBBBBBBBBBBBBBBBB", wt.ID)

	wt, err = findWorktree(views, "01haa")
	require.NoError(t, err)
	assert.Equal(t, "/src/widgets", wt.Path)

	_, err = findWorktree(views, "01H")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = findWorktree(views, "zzz")
	assert.ErrorIs(t, err, state.ErrNotFound)
}
