package coordinator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forest/internal/events"
	"github.com/joescharf/forest/internal/git"
	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/watcher"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLister struct {
	mu    sync.Mutex
	lists map[string][]git.WorktreeInfo
	err   error
}

func (f *fakeLister) WorktreeList(_ context.Context, path string) ([]git.WorktreeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.lists[path], nil
}

func (f *fakeLister) set(path string, list ...git.WorktreeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lists == nil {
		f.lists = make(map[string][]git.WorktreeInfo)
	}
	f.lists[path] = list
}

type fakeScopes struct {
	mu           sync.Mutex
	registered   map[string]string
	unregistered []string
}

func (f *fakeScopes) RegisterScope(repoID, remote string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[repoID] = remote
}

func (f *fakeScopes) UnregisterScope(repoID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, repoID)
	f.unregistered = append(f.unregistered, repoID)
}

func (f *fakeScopes) remote(repoID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.registered[repoID]
	return r, ok
}

type fixture struct {
	bus       *events.Bus
	canonical *state.CanonicalStore
	cache     *state.CacheStore
	lister    *fakeLister
	scopes    *fakeScopes
	coord     *Coordinator
	facts     *events.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith uses lister for worktree discovery instead of the fake.
func newFixtureWith(t *testing.T, lister WorktreeLister) *fixture {
	t.Helper()
	bus := events.New(events.Options{})
	f := &fixture{
		bus:       bus,
		canonical: state.NewCanonicalStore(state.NewCanonical()),
		cache:     state.NewCacheStore(state.NewCache()),
		lister:    &fakeLister{},
		scopes:    &fakeScopes{registered: make(map[string]string)},
	}
	f.facts = bus.Subscribe(events.SourceCoordinator)
	if lister == nil {
		lister = f.lister
	}
	f.coord = New(bus, f.canonical, f.cache, lister, f.scopes, Options{Now: func() time.Time { return epoch }})
	t.Cleanup(func() {
		f.facts.Close()
		bus.Close()
	})
	return f
}

func mkRepo(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(path, ".git"), 0o755))
	return path
}

func (f *fixture) apply(t *testing.T, env events.Envelope) {
	t.Helper()
	require.NoError(t, f.coord.Apply(context.Background(), env))
}

func (f *fixture) add(t *testing.T, path string) models.CanonicalRepo {
	t.Helper()
	f.apply(t, events.NewSystem(events.SourceIntent, events.RepositoryAddRequested{Path: path}))
	repo, ok := f.canonical.Snapshot().RepoByPath(path)
	require.True(t, ok, "repo at %s", path)
	return repo
}

func (f *fixture) origin(t *testing.T, repoID, from, to string) {
	t.Helper()
	f.apply(t, events.NewWorktree(events.SourceGit, repoID, "", events.OriginChanged{From: from, To: to}))
}

func (f *fixture) branch(t *testing.T, repoID, worktreeID, branch string) {
	t.Helper()
	f.apply(t, events.NewWorktree(events.SourceGit, repoID, worktreeID, events.SnapshotChanged{Branch: branch}))
}

// drain returns the coordinator facts published so far.
func (f *fixture) drain() []events.SystemEvent {
	var out []events.SystemEvent
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		env, ok := f.facts.Next(ctx)
		cancel()
		if !ok {
			return out
		}
		out = append(out, env.(events.SystemEnvelope).Event)
	}
}

func mainWorktree(t *testing.T, s state.Canonical, repoID string) models.CanonicalWorktree {
	t.Helper()
	wts := s.WorktreesOf(repoID)
	require.NotEmpty(t, wts)
	require.True(t, wts[0].IsMain)
	return wts[0]
}

func TestAdd_Repository(t *testing.T) {
	f := newFixture(t)
	path := mkRepo(t, filepath.Join(t.TempDir(), "widgets"))

	repo := f.add(t, path)
	assert.Equal(t, "widgets", repo.Name)
	assert.Equal(t, models.RepoKindRepo, repo.Kind)
	assert.Equal(t, epoch, repo.CreatedAt)
	assert.NotEmpty(t, repo.ID)

	wt := mainWorktree(t, f.canonical.Snapshot(), repo.ID)
	assert.Equal(t, path, wt.Path)

	assert.Equal(t, models.Unresolved(repo.ID), f.cache.Snapshot().Repos[repo.ID])

	facts := f.drain()
	require.Len(t, facts, 1)
	assert.Equal(t, events.WorktreeAttached{
		RepoID: repo.ID, WorktreeID: wt.ID, Path: path, Watch: events.WatchDirectRepo, IsMain: true,
	}, facts[0])
}

func TestAdd_DiscoversLinkedWorktrees(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	path := mkRepo(t, filepath.Join(root, "widgets"))
	feature := filepath.Join(root, "widgets-feature")
	f.lister.set(path,
		git.WorktreeInfo{Path: path, Branch: "main"},
		git.WorktreeInfo{Path: feature, Branch: "feature"},
	)

	repo := f.add(t, path)
	wts := f.canonical.Snapshot().WorktreesOf(repo.ID)
	require.Len(t, wts, 2)
	assert.True(t, wts[0].IsMain)
	assert.Equal(t, feature, wts[1].Path)
	assert.Equal(t, "widgets-feature", wts[1].Name)
	assert.Len(t, f.drain(), 2)
}

func TestAdd_ListerFailureKeepsMainWorktree(t *testing.T) {
	f := newFixture(t)
	f.lister.err = errors.New("git exploded")
	path := mkRepo(t, filepath.Join(t.TempDir(), "widgets"))

	repo := f.add(t, path)
	assert.Len(t, f.canonical.Snapshot().WorktreesOf(repo.ID), 1)
}

func TestAdd_MissingPath(t *testing.T) {
	f := newFixture(t)
	err := f.coord.Apply(context.Background(), events.NewSystem(events.SourceIntent,
		events.RepositoryAddRequested{Path: filepath.Join(t.TempDir(), "nope")}))
	assert.Error(t, err)
	assert.Empty(t, f.canonical.Snapshot().Repos)
}

func TestAdd_Idempotent(t *testing.T) {
	f := newFixture(t)
	path := mkRepo(t, filepath.Join(t.TempDir(), "widgets"))
	first := f.add(t, path)
	f.drain()
	second := f.add(t, path)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.canonical.Snapshot().Repos, 1)
	assert.Empty(t, f.drain())
}

func TestRemoveThenReAdd_ReusesIdentity(t *testing.T) {
	f := newFixture(t)
	path := mkRepo(t, filepath.Join(t.TempDir(), "widgets"))
	repo := f.add(t, path)
	wt := mainWorktree(t, f.canonical.Snapshot(), repo.ID)
	f.origin(t, repo.ID, "", "git@github.com:acme/widgets.git")
	f.branch(t, repo.ID, wt.ID, "main")
	f.drain()

	f.apply(t, events.NewSystem(events.SourceIntent, events.RepositoryRemoveRequested{RepoID: repo.ID}))

	snap := f.canonical.Snapshot()
	require.Contains(t, snap.Repos, repo.ID, "removal orphans instead of deleting")
	assert.True(t, snap.Repos[repo.ID].Orphaned)
	require.NotNil(t, snap.Repos[repo.ID].OrphanedAt)
	assert.True(t, snap.Worktrees[wt.ID].Orphaned)

	cache := f.cache.Snapshot()
	assert.NotContains(t, cache.Repos, repo.ID)
	assert.NotContains(t, cache.Worktrees, wt.ID)
	assert.Contains(t, f.scopes.unregistered, repo.ID)

	assert.Equal(t, []events.SystemEvent{
		events.WorktreeDetached{RepoID: repo.ID, WorktreeID: wt.ID},
		events.RepositoryOrphaned{RepoID: repo.ID},
	}, f.drain())

	again := f.add(t, path)
	assert.Equal(t, repo.ID, again.ID)
	assert.False(t, again.Orphaned)
	assert.Nil(t, again.OrphanedAt)
	assert.Equal(t, wt.ID, mainWorktree(t, f.canonical.Snapshot(), repo.ID).ID)
	assert.Len(t, f.canonical.Snapshot().Repos, 1)
	assert.Equal(t, models.Unresolved(repo.ID), f.cache.Snapshot().Repos[repo.ID])
}

func TestRemove_Unknown(t *testing.T) {
	f := newFixture(t)
	err := f.coord.Apply(context.Background(), events.NewSystem(events.SourceIntent, events.RepositoryRemoveRequested{RepoID: "nope"}))
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestFolder_NestedRepositories(t *testing.T) {
	f := newFixture(t)
	root := filepath.Join(t.TempDir(), "src")
	child := mkRepo(t, filepath.Join(root, "team", "api"))

	folder := f.add(t, root)
	assert.Equal(t, models.RepoKindFolder, folder.Kind)
	assert.Empty(t, f.canonical.Snapshot().WorktreesOf(folder.ID))
	assert.NotContains(t, f.cache.Snapshot().Repos, folder.ID)
	assert.Equal(t, []events.SystemEvent{events.WorktreeAttached{
		RepoID: folder.ID, WorktreeID: folder.ID, Path: root, Watch: events.WatchParentFolder,
	}}, f.drain())

	f.apply(t, events.NewSystem(events.SourceFilesystem, events.NestedRepositoryFound{FolderID: folder.ID, Path: child}))
	api, ok := f.canonical.Snapshot().RepoByPath(child)
	require.True(t, ok)
	assert.Equal(t, folder.ID, api.ParentID)
	assert.Equal(t, models.RepoKindRepo, api.Kind)

	// A second report of the same path is a no-op.
	f.apply(t, events.NewSystem(events.SourceFilesystem, events.NestedRepositoryFound{FolderID: folder.ID, Path: child}))
	assert.Len(t, f.canonical.Snapshot().Repos, 2)
	f.drain()

	f.apply(t, events.NewSystem(events.SourceIntent, events.RepositoryRemoveRequested{RepoID: folder.ID}))
	snap := f.canonical.Snapshot()
	assert.True(t, snap.Repos[folder.ID].Orphaned)
	assert.True(t, snap.Repos[api.ID].Orphaned)

	facts := f.drain()
	assert.Contains(t, facts, events.SystemEvent(events.WorktreeDetached{RepoID: folder.ID, WorktreeID: folder.ID}))
	assert.Contains(t, facts, events.SystemEvent(events.RepositoryOrphaned{RepoID: api.ID}))
}

func TestNested_IgnoredForUnknownFolder(t *testing.T) {
	f := newFixture(t)
	child := mkRepo(t, filepath.Join(t.TempDir(), "api"))
	f.apply(t, events.NewSystem(events.SourceFilesystem, events.NestedRepositoryFound{FolderID: "gone", Path: child}))
	assert.Empty(t, f.canonical.Snapshot().Repos)
}

func TestOrigin_LocalThenRemote(t *testing.T) {
	f := newFixture(t)
	repo := f.add(t, mkRepo(t, filepath.Join(t.TempDir(), "widgets")))

	f.apply(t, events.NewWorktree(events.SourceGit, repo.ID, "", events.OriginChanged{Initial: true}))
	e := f.cache.Snapshot().Repos[repo.ID]
	require.True(t, e.IsLocal())
	assert.Equal(t, "local:widgets", e.Identity.GroupKey)
	_, registered := f.scopes.remote(repo.ID)
	assert.False(t, registered)

	f.origin(t, repo.ID, "", "git@github.com:acme/widgets.git")
	e = f.cache.Snapshot().Repos[repo.ID]
	require.True(t, e.IsResolved())
	assert.False(t, e.IsLocal())
	assert.Equal(t, "widgets", e.Identity.DisplayName)
	require.NotNil(t, e.Identity.OrganizationName)
	assert.Equal(t, "acme", *e.Identity.OrganizationName)
	assert.Equal(t, "git@github.com:acme/widgets.git", *e.Raw.Origin)

	remote, registered := f.scopes.remote(repo.ID)
	require.True(t, registered)
	assert.Equal(t, "git@github.com:acme/widgets.git", remote)

	f.origin(t, repo.ID, "git@github.com:acme/widgets.git", "")
	assert.True(t, f.cache.Snapshot().Repos[repo.ID].IsLocal())
	_, registered = f.scopes.remote(repo.ID)
	assert.False(t, registered)
}

func TestOrigin_UnrecognizedFallsBack(t *testing.T) {
	f := newFixture(t)
	repo := f.add(t, mkRepo(t, filepath.Join(t.TempDir(), "project")))
	f.origin(t, repo.ID, "", "/srv/git/project.git")

	e := f.cache.Snapshot().Repos[repo.ID]
	require.True(t, e.IsResolved())
	assert.Equal(t, "remote-raw:srv/git/project", e.Identity.GroupKey)
}

func TestOrigin_UnchangedIsNoOp(t *testing.T) {
	f := newFixture(t)
	repo := f.add(t, mkRepo(t, filepath.Join(t.TempDir(), "widgets")))
	f.origin(t, repo.ID, "", "https://github.com/acme/widgets")
	v := f.cache.Version()
	f.apply(t, events.NewWorktree(events.SourceGit, repo.ID, "", events.OriginChanged{To: "https://github.com/acme/widgets", Initial: true}))
	assert.Equal(t, v, f.cache.Version())
}

func TestTwoReposSameRemote_NoCrossContamination(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	a := f.add(t, mkRepo(t, filepath.Join(root, "a")))
	b := f.add(t, mkRepo(t, filepath.Join(root, "b")))
	snap := f.canonical.Snapshot()
	wtA := mainWorktree(t, snap, a.ID)
	wtB := mainWorktree(t, snap, b.ID)

	f.origin(t, a.ID, "", "git@github.com:org/repo.git")
	f.origin(t, b.ID, "", "https://github.com/org/repo")
	f.branch(t, a.ID, wtA.ID, "main")
	f.branch(t, b.ID, wtB.ID, "main")

	cache := f.cache.Snapshot()
	assert.Equal(t, "remote:org/repo", cache.Repos[a.ID].Identity.GroupKey)
	assert.Equal(t, "remote:org/repo", cache.Repos[b.ID].Identity.GroupKey)

	f.apply(t, events.NewWorktree(events.SourceForge, a.ID, "", events.ForgeCountsChanged{
		Remote:         "git@github.com:org/repo.git",
		CountsByBranch: map[string]int{"main": 3},
	}))

	cache = f.cache.Snapshot()
	require.NotNil(t, cache.Worktrees[wtA.ID].OpenPullRequests)
	assert.Equal(t, 3, *cache.Worktrees[wtA.ID].OpenPullRequests)
	assert.Nil(t, cache.Worktrees[wtB.ID].OpenPullRequests)
	assert.NotContains(t, cache.Forge, b.ID)
}

func TestSnapshot_UsesRepoForgeCounts(t *testing.T) {
	f := newFixture(t)
	repo := f.add(t, mkRepo(t, filepath.Join(t.TempDir(), "widgets")))
	wt := mainWorktree(t, f.canonical.Snapshot(), repo.ID)
	f.origin(t, repo.ID, "", "git@github.com:acme/widgets.git")
	f.apply(t, events.NewWorktree(events.SourceForge, repo.ID, "", events.ForgeCountsChanged{
		Remote:          "git@github.com:acme/widgets.git",
		CountsByBranch:  map[string]int{"feature": 2},
		ReviewsByBranch: map[string]int{"feature": 1},
	}))

	f.apply(t, events.NewWorktree(events.SourceGit, repo.ID, wt.ID, events.SnapshotChanged{
		Branch: "feature",
		Status: models.StatusSummary{Modified: 1},
	}))
	got := f.cache.Snapshot().Worktrees[wt.ID]
	assert.Equal(t, "feature", got.Branch)
	assert.Equal(t, 1, got.Status.Modified)
	assert.Equal(t, 2, *got.OpenPullRequests)
	assert.Equal(t, 1, *got.ReviewRequests)

	f.branch(t, repo.ID, wt.ID, "main")
	got = f.cache.Snapshot().Worktrees[wt.ID]
	assert.Equal(t, 0, *got.OpenPullRequests)
}

func TestSnapshot_IgnoresMismatchedRepo(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	a := f.add(t, mkRepo(t, filepath.Join(root, "a")))
	b := f.add(t, mkRepo(t, filepath.Join(root, "b")))
	wtA := mainWorktree(t, f.canonical.Snapshot(), a.ID)

	f.branch(t, b.ID, wtA.ID, "main")
	assert.NotContains(t, f.cache.Snapshot().Worktrees, wtA.ID)
}

func TestForge_StaleRemoteIgnored(t *testing.T) {
	f := newFixture(t)
	repo := f.add(t, mkRepo(t, filepath.Join(t.TempDir(), "widgets")))
	f.origin(t, repo.ID, "", "git@github.com:acme/widgets.git")

	f.apply(t, events.NewWorktree(events.SourceForge, repo.ID, "", events.ForgeCountsChanged{
		Remote:         "git@github.com:old/widgets.git",
		CountsByBranch: map[string]int{"main": 9},
	}))
	assert.NotContains(t, f.cache.Snapshot().Forge, repo.ID)
}

func TestForge_FailureMarksStaleAndKeepsCounts(t *testing.T) {
	f := newFixture(t)
	repo := f.add(t, mkRepo(t, filepath.Join(t.TempDir(), "widgets")))
	wt := mainWorktree(t, f.canonical.Snapshot(), repo.ID)
	remote := "git@github.com:acme/widgets.git"
	f.origin(t, repo.ID, "", remote)
	f.branch(t, repo.ID, wt.ID, "main")

	ok := events.NewWorktree(events.SourceForge, repo.ID, "", events.ForgeCountsChanged{Remote: remote, CountsByBranch: map[string]int{"main": 1}})
	ok.Timestamp = epoch
	f.apply(t, ok)

	failed := events.NewWorktree(events.SourceForge, repo.ID, "", events.ForgeRefreshFailed{Remote: remote, Error: "rate limited"})
	failed.Timestamp = epoch.Add(time.Minute)
	f.apply(t, failed)

	fs := f.cache.Snapshot().Forge[repo.ID]
	assert.True(t, fs.Stale())
	assert.Equal(t, "rate limited", fs.LastError)
	assert.Equal(t, 1, fs.CountsByBranch["main"])
	assert.Equal(t, 1, *f.cache.Snapshot().Worktrees[wt.ID].OpenPullRequests)

	recovered := events.NewWorktree(events.SourceForge, repo.ID, "", events.ForgeCountsChanged{Remote: remote, CountsByBranch: map[string]int{"main": 2}})
	recovered.Timestamp = epoch.Add(2 * time.Minute)
	f.apply(t, recovered)
	fs = f.cache.Snapshot().Forge[repo.ID]
	assert.False(t, fs.Stale())
	assert.Empty(t, fs.LastError)
}

func TestOrigin_RemoteChangeClearsCounts(t *testing.T) {
	f := newFixture(t)
	repo := f.add(t, mkRepo(t, filepath.Join(t.TempDir(), "widgets")))
	wt := mainWorktree(t, f.canonical.Snapshot(), repo.ID)
	f.origin(t, repo.ID, "", "git@github.com:acme/widgets.git")
	f.branch(t, repo.ID, wt.ID, "main")
	f.apply(t, events.NewWorktree(events.SourceForge, repo.ID, "", events.ForgeCountsChanged{
		Remote: "git@github.com:acme/widgets.git", CountsByBranch: map[string]int{"main": 4},
	}))

	f.origin(t, repo.ID, "git@github.com:acme/widgets.git", "git@github.com:acme/gadgets.git")
	cache := f.cache.Snapshot()
	assert.NotContains(t, cache.Forge, repo.ID)
	assert.Nil(t, cache.Worktrees[wt.ID].OpenPullRequests)
	assert.Equal(t, "gadgets", cache.Repos[repo.ID].Identity.DisplayName)
}

func TestFacts_ForOrphanedRepoDropped(t *testing.T) {
	f := newFixture(t)
	repo := f.add(t, mkRepo(t, filepath.Join(t.TempDir(), "widgets")))
	wt := mainWorktree(t, f.canonical.Snapshot(), repo.ID)
	f.apply(t, events.NewSystem(events.SourceIntent, events.RepositoryRemoveRequested{RepoID: repo.ID}))

	f.origin(t, repo.ID, "", "git@github.com:acme/widgets.git")
	f.branch(t, repo.ID, wt.ID, "main")
	cache := f.cache.Snapshot()
	assert.Empty(t, cache.Repos)
	assert.Empty(t, cache.Worktrees)
}

func TestRelocate_KeepsIDs(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	oldPath := mkRepo(t, filepath.Join(root, "widgets"))
	oldFeature := filepath.Join(root, "widgets-feature")
	f.lister.set(oldPath,
		git.WorktreeInfo{Path: oldPath, Branch: "main"},
		git.WorktreeInfo{Path: oldFeature, Branch: "feature"},
	)
	repo := f.add(t, oldPath)
	before := f.canonical.Snapshot().WorktreesOf(repo.ID)
	require.Len(t, before, 2)
	f.branch(t, repo.ID, before[1].ID, "feature")
	f.drain()

	newRoot := filepath.Join(root, "moved")
	require.NoError(t, os.MkdirAll(newRoot, 0o755))
	newPath := filepath.Join(newRoot, "gizmo")
	require.NoError(t, os.Rename(oldPath, newPath))
	// The feature worktree moved elsewhere but kept its branch.
	f.lister.set(newPath,
		git.WorktreeInfo{Path: newPath, Branch: "main"},
		git.WorktreeInfo{Path: filepath.Join(root, "elsewhere"), Branch: "feature"},
	)

	f.apply(t, events.NewSystem(events.SourceIntent, events.RepositoryRelocateRequested{RepoID: repo.ID, Path: newPath}))

	snap := f.canonical.Snapshot()
	moved := snap.Repos[repo.ID]
	assert.Equal(t, newPath, moved.Path)
	assert.Equal(t, "gizmo", moved.Name)
	assert.Len(t, snap.Repos, 1)

	after := snap.WorktreesOf(repo.ID)
	require.Len(t, after, 2)
	assert.Equal(t, before[0].ID, after[0].ID)
	assert.Equal(t, newPath, after[0].Path)
	assert.Equal(t, before[1].ID, after[1].ID)
	assert.Equal(t, filepath.Join(root, "elsewhere"), after[1].Path)

	facts := f.drain()
	require.Len(t, facts, 4)
	assert.IsType(t, events.WorktreeDetached{}, facts[0])
	assert.IsType(t, events.WorktreeDetached{}, facts[1])
	assert.Equal(t, newPath, facts[2].(events.WorktreeAttached).Path)
}

func TestRelocate_ToTrackedPathFails(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	a := f.add(t, mkRepo(t, filepath.Join(root, "a")))
	b := f.add(t, mkRepo(t, filepath.Join(root, "b")))
	err := f.coord.Apply(context.Background(), events.NewSystem(events.SourceIntent,
		events.RepositoryRelocateRequested{RepoID: a.ID, Path: b.Path}))
	assert.Error(t, err)
	assert.Equal(t, a.Path, f.canonical.Snapshot().Repos[a.ID].Path)
}

func TestBootstrap(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	keep := mkRepo(t, filepath.Join(root, "keep"))
	gone := mkRepo(t, filepath.Join(root, "gone"))

	seed := state.NewCanonical()
	seed.Repos["keep"] = models.CanonicalRepo{ID: "keep", Name: "keep", Path: keep, Kind: models.RepoKindRepo, CreatedAt: epoch}
	seed.Repos["gone"] = models.CanonicalRepo{ID: "gone", Name: "gone", Path: gone, Kind: models.RepoKindRepo, CreatedAt: epoch}
	seed.Worktrees["keep-main"] = models.CanonicalWorktree{ID: "keep-main", RepoID: "keep", Path: keep, IsMain: true}
	seed.Worktrees["gone-main"] = models.CanonicalWorktree{ID: "gone-main", RepoID: "gone", Path: gone, IsMain: true}
	f.canonical.Replace(seed)

	cache := state.NewCache()
	cache.Repos["ghost"] = models.Unresolved("ghost")
	cache.Worktrees["ghost-main"] = models.WorktreeEnrichment{WorktreeID: "ghost-main", RepoID: "ghost"}
	f.cache.Replace(cache)

	require.NoError(t, os.RemoveAll(gone))
	require.NoError(t, f.coord.Bootstrap(context.Background()))

	snap := f.canonical.Snapshot()
	assert.False(t, snap.Repos["keep"].Orphaned)
	assert.True(t, snap.Repos["gone"].Orphaned)
	assert.Equal(t, "keep-main", mainWorktree(t, snap, "keep").ID)

	c := f.cache.Snapshot()
	assert.NotContains(t, c.Repos, "ghost")
	assert.NotContains(t, c.Worktrees, "ghost-main")
	assert.Contains(t, c.Repos, "keep")

	facts := f.drain()
	assert.Contains(t, facts, events.SystemEvent(events.WorktreeAttached{
		RepoID: "keep", WorktreeID: "keep-main", Path: keep, Watch: events.WatchDirectRepo, IsMain: true,
	}))
	assert.Contains(t, facts, events.SystemEvent(events.RepositoryOrphaned{RepoID: "gone"}))
}

func TestRun_AppliesIntentsFromBus(t *testing.T) {
	f := newFixture(t)
	path := mkRepo(t, filepath.Join(t.TempDir(), "widgets"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	_, err := f.bus.Publish(events.NewSystem(events.SourceIntent, events.RepositoryAddRequested{Path: path}))
	require.NoError(t, err)

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	_, err = f.canonical.WaitFor(wctx, func(s state.Canonical) bool {
		_, ok := s.RepoByPath(path)
		return ok
	})
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

// gitRepoWithLinkedWorktree creates app (one commit) and a linked worktree
// app-feature next to it, both under dir.
func gitRepoWithLinkedWorktree(t *testing.T, dir string) (app, feature string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	app = filepath.Join(dir, "app")
	feature = filepath.Join(dir, "app-feature")
	require.NoError(t, os.MkdirAll(app, 0o755))
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
		{"config", "commit.gpgsign", "false"},
		{"commit", "--allow-empty", "-m", "init"},
		{"worktree", "add", "-b", "feature", feature},
	} {
		out, err := exec.Command("git", append([]string{"-C", app}, args...)...).CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	return app, feature
}

// owners maps each live worktree path to the repositories claiming it.
func owners(s state.Canonical) map[string][]string {
	out := make(map[string][]string)
	for _, wt := range s.Worktrees {
		if !wt.Orphaned {
			out[wt.Path] = append(out[wt.Path], wt.RepoID)
		}
	}
	return out
}

func directAttachments(facts []events.SystemEvent) int {
	n := 0
	for _, ev := range facts {
		if a, ok := ev.(events.WorktreeAttached); ok && a.Watch == events.WatchDirectRepo {
			n++
		}
	}
	return n
}

func TestFolder_LinkedWorktreeBelongsToOneRepository(t *testing.T) {
	tmp, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	src := filepath.Join(tmp, "src")
	app, feature := gitRepoWithLinkedWorktree(t, src)

	f := newFixtureWith(t, git.NewClient())
	folder := f.add(t, src)
	found, err := watcher.Discover(src, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{app}, found)
	for _, p := range found {
		f.apply(t, events.NewSystem(events.SourceFilesystem, events.NestedRepositoryFound{FolderID: folder.ID, Path: p}))
	}

	// A report for the linked worktree itself must not mint a second repository.
	f.apply(t, events.NewSystem(events.SourceFilesystem, events.NestedRepositoryFound{FolderID: folder.ID, Path: feature}))

	snap := f.canonical.Snapshot()
	assert.Len(t, snap.Repos, 2, "folder plus app")
	repo, ok := snap.RepoByPath(app)
	require.True(t, ok)
	assert.Equal(t, map[string][]string{app: {repo.ID}, feature: {repo.ID}}, owners(snap))
	assert.Equal(t, 2, directAttachments(f.drain()), "one registration per worktree directory")
}

func TestAdd_LinkedWorktreeTracksMainRepository(t *testing.T) {
	tmp, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	app, feature := gitRepoWithLinkedWorktree(t, tmp)

	f := newFixtureWith(t, git.NewClient())
	f.apply(t, events.NewSystem(events.SourceIntent, events.RepositoryAddRequested{Path: feature}))

	snap := f.canonical.Snapshot()
	require.Len(t, snap.Repos, 1)
	repo, ok := snap.RepoByPath(app)
	require.True(t, ok, "the main worktree is the repository root")
	assert.Equal(t, "app", repo.Name)
	assert.Equal(t, map[string][]string{app: {repo.ID}, feature: {repo.ID}}, owners(snap))

	// Adding either path again is a no-op.
	f.drain()
	f.apply(t, events.NewSystem(events.SourceIntent, events.RepositoryAddRequested{Path: feature}))
	f.apply(t, events.NewSystem(events.SourceIntent, events.RepositoryAddRequested{Path: app}))
	assert.Len(t, f.canonical.Snapshot().Repos, 1)
	assert.Empty(t, f.drain())
}

func TestAdd_NewLinkedWorktreeJoinsTrackedRepository(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	app := mkRepo(t, filepath.Join(root, "app"))
	f.lister.set(app, git.WorktreeInfo{Path: app, Branch: "main"})
	repo := f.add(t, app)
	f.drain()

	feature := filepath.Join(root, "app-feature")
	require.NoError(t, os.MkdirAll(feature, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(feature, ".git"), []byte("gitdir: "+app+"/.git/worktrees/app-feature\n"), 0o644))
	list := []git.WorktreeInfo{{Path: app, Branch: "main"}, {Path: feature, Branch: "feature"}}
	f.lister.set(app, list...)
	f.lister.set(feature, list...)

	f.apply(t, events.NewSystem(events.SourceIntent, events.RepositoryAddRequested{Path: feature}))

	snap := f.canonical.Snapshot()
	assert.Len(t, snap.Repos, 1)
	wt, ok := snap.WorktreeByPath(feature)
	require.True(t, ok)
	assert.Equal(t, repo.ID, wt.RepoID)
	assert.Equal(t, []events.SystemEvent{events.WorktreeAttached{
		RepoID: repo.ID, WorktreeID: wt.ID, Path: feature, Watch: events.WatchDirectRepo,
	}}, f.drain(), "only the new worktree is registered")
}

func TestAdd_FolderBecomesRepository(t *testing.T) {
	f := newFixture(t)
	root := filepath.Join(t.TempDir(), "widgets")
	require.NoError(t, os.MkdirAll(root, 0o755))

	folder := f.add(t, root)
	require.Equal(t, models.RepoKindFolder, folder.Kind)
	f.drain()

	mkRepo(t, root)
	repo := f.add(t, root)
	assert.Equal(t, folder.ID, repo.ID)
	assert.Equal(t, models.RepoKindRepo, repo.Kind)

	wt := mainWorktree(t, f.canonical.Snapshot(), repo.ID)
	assert.Equal(t, []events.SystemEvent{
		events.WorktreeDetached{RepoID: folder.ID, WorktreeID: folder.ID},
		events.WorktreeAttached{RepoID: repo.ID, WorktreeID: wt.ID, Path: root, Watch: events.WatchDirectRepo, IsMain: true},
	}, f.drain())
	assert.Contains(t, f.cache.Snapshot().Repos, repo.ID)
}

func TestAdd_RepositoryBecomesFolder(t *testing.T) {
	f := newFixture(t)
	root := mkRepo(t, filepath.Join(t.TempDir(), "widgets"))
	repo := f.add(t, root)
	wt := mainWorktree(t, f.canonical.Snapshot(), repo.ID)
	f.drain()

	require.NoError(t, os.RemoveAll(filepath.Join(root, ".git")))
	folder := f.add(t, root)
	assert.Equal(t, repo.ID, folder.ID)
	assert.Equal(t, models.RepoKindFolder, folder.Kind)

	assert.Equal(t, []events.SystemEvent{
		events.WorktreeDetached{RepoID: repo.ID, WorktreeID: wt.ID},
		events.WorktreeAttached{RepoID: repo.ID, WorktreeID: repo.ID, Path: root, Watch: events.WatchParentFolder},
	}, f.drain())
	assert.True(t, f.canonical.Snapshot().Worktrees[wt.ID].Orphaned)
	assert.NotContains(t, f.cache.Snapshot().Repos, repo.ID)
	assert.Contains(t, f.scopes.unregistered, repo.ID)
}
