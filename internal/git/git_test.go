package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repo in dir with a user config so commits work on CI.
func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	cmds := [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
}

func TestParseWorktreeListPorcelain(t *testing.T) {
	input := `worktree /Users/joe/projects/myrepo
HEAD abc123def456
branch refs/heads/main

worktree /Users/joe/projects/myrepo.worktrees/feature-x
HEAD def789abc012
branch refs/heads/feature/x

worktree /Users/joe/projects/myrepo.worktrees/detached
HEAD 0123456789ab
detached

`
	worktrees := ParseWorktreeListPorcelain(input)
	require.Len(t, worktrees, 3)

	assert.Equal(t, "/Users/joe/projects/myrepo", worktrees[0].Path)
	assert.Equal(t, "main", worktrees[0].Branch)
	assert.Equal(t, "abc123def456", worktrees[0].HEAD)

	assert.Equal(t, "/Users/joe/projects/myrepo.worktrees/feature-x", worktrees[1].Path)
	assert.Equal(t, "feature/x", worktrees[1].Branch)

	assert.True(t, worktrees[2].Detached)
	assert.Empty(t, worktrees[2].Branch)
}

func TestParseWorktreeListPorcelain_Empty(t *testing.T) {
	worktrees := ParseWorktreeListPorcelain("")
	assert.Nil(t, worktrees)
}

func TestParseStatusPorcelainV2(t *testing.T) {
	input := `# branch.oid 1234567890abcdef
# branch.head feature/login
# branch.upstream origin/feature/login
# branch.ab +2 -1
1 M. N... 100644 100644 100644 aaa bbb staged.go
1 .M N... 100644 100644 100644 aaa bbb modified.go
1 MM N... 100644 100644 100644 aaa bbb both.go
2 R. N... 100644 100644 100644 aaa bbb R100 new.go	old.go
u UU N... 100644 100644 100644 100644 aaa bbb ccc conflict.go
? untracked.txt
? other.txt
! ignored.log
`
	snap := ParseStatusPorcelainV2(input)
	assert.Equal(t, "feature/login", snap.Branch)
	assert.Equal(t, 3, snap.Status.Staged)
	assert.Equal(t, 2, snap.Status.Modified)
	assert.Equal(t, 1, snap.Status.Conflicted)
	assert.Equal(t, 2, snap.Status.Untracked)
	assert.Equal(t, 2, snap.Status.Ahead)
	assert.Equal(t, 1, snap.Status.Behind)
	assert.True(t, snap.Status.HasUpstream)
	assert.True(t, snap.Status.Dirty())
}

func TestParseStatusPorcelainV2_CleanDetached(t *testing.T) {
	snap := ParseStatusPorcelainV2("# branch.oid abc\n# branch.head (detached)\n")
	assert.Equal(t, "HEAD", snap.Branch)
	assert.False(t, snap.Status.Dirty())
	assert.False(t, snap.Status.HasUpstream)
	assert.Equal(t, "clean", snap.Status.String())
}

func TestRealClient_StatusAndBranch(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	ctx := context.Background()
	c := NewClient()

	// Works before the first commit.
	snap, err := c.Status(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "main", snap.Branch)
	assert.False(t, snap.Status.Dirty())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("hello\n"), 0644))
	require.NoError(t, exec.Command("git", "-C", dir, "add", ".").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "-m", "initial").Run())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("hello world\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file2.txt"), []byte("new\n"), 0644))

	snap, err = c.Status(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Status.Modified)
	assert.Equal(t, 1, snap.Status.Untracked)
	assert.Equal(t, 0, snap.Status.Staged)

	branch, err := c.CurrentBranch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestRealClient_Remotes(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	ctx := context.Background()
	c := NewClient()

	r, err := c.Remotes(ctx, dir)
	require.NoError(t, err, "no remote is not an error")
	assert.Empty(t, r.Origin)
	assert.Empty(t, r.Upstream)

	require.NoError(t, exec.Command("git", "-C", dir, "remote", "add", "origin", "git@github.com:acme/widgets.git").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "remote", "add", "upstream", "https://github.com/upstream/widgets").Run())

	r, err = c.Remotes(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "git@github.com:acme/widgets.git", r.Origin)
	assert.Equal(t, "https://github.com/upstream/widgets", r.Upstream)
}

func TestRealClient_NotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	c := NewClient()
	_, err := c.Status(context.Background(), t.TempDir())
	require.Error(t, err)

	var ce *CmdError
	assert.ErrorAs(t, err, &ce)
}

func TestRealClient_WorktreeList(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "--allow-empty", "-m", "init").Run())

	wtPath := filepath.Join(t.TempDir(), "feature")
	require.NoError(t, exec.Command("git", "-C", dir, "worktree", "add", "-b", "feature", wtPath).Run())

	c := NewClient()
	wts, err := c.WorktreeList(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, wts, 2)
	assert.Equal(t, "main", wts[0].Branch)
	assert.Equal(t, "feature", wts[1].Branch)
}

func TestRealClient_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient().Status(ctx, dir)
	require.ErrorIs(t, err, context.Canceled)
}
