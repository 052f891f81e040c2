package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/joescharf/forest/internal/models"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	Branch   string
	HEAD     string
	Bare     bool
	Detached bool
}

// Snapshot is the branch and condensed status of one working directory.
type Snapshot struct {
	Branch string
	Status models.StatusSummary
}

// Remotes holds the fetch URLs of the origin and upstream remotes. Empty
// means the remote is not configured.
type Remotes struct {
	Origin   string
	Upstream string
}

// Client defines the git operations forest needs on arbitrary repos.
// All methods take a path parameter since forest tracks many repos.
type Client interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	Status(ctx context.Context, path string) (Snapshot, error)
	Remotes(ctx context.Context, path string) (Remotes, error)
	WorktreeList(ctx context.Context, path string) ([]WorktreeInfo, error)
}

// CmdError is returned when git exits with a non-zero status.
type CmdError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CmdError) Error() string {
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Stderr)
}

// RealClient implements Client using real git commands.
type RealClient struct {
	// Binary defaults to "git".
	Binary string
}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{Binary: "git"}
}

func (c *RealClient) gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = "git"
	}
	fullArgs := append([]string{"-C", path}, args...)
	cmd := exec.CommandContext(ctx, bin, fullArgs...)
	cmd.Env = append(cmd.Environ(), "GIT_OPTIONAL_LOCKS=0", "LC_ALL=C")
	out, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &CmdError{
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(string(exitErr.Stderr)),
			}
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	return c.gitCmd(ctx, path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return c.gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

// Status runs `git status --porcelain=v2 --branch`, which also works in a
// repository without commits.
func (c *RealClient) Status(ctx context.Context, path string) (Snapshot, error) {
	out, err := c.gitCmd(ctx, path, "status", "--porcelain=v2", "--branch", "--untracked-files=normal")
	if err != nil {
		return Snapshot{}, err
	}
	return ParseStatusPorcelainV2(out), nil
}

// Remotes reads remote.origin.url and remote.upstream.url. A repository
// without remotes is not an error.
func (c *RealClient) Remotes(ctx context.Context, path string) (Remotes, error) {
	out, err := c.gitCmd(ctx, path, "config", "--get-regexp", `^remote\.(origin|upstream)\.url$`)
	if err != nil {
		var ce *CmdError
		// git config exits 1 when no key matches.
		if errors.As(err, &ce) && ce.ExitCode == 1 {
			return Remotes{}, nil
		}
		return Remotes{}, err
	}

	var r Remotes
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		switch key {
		case "remote.origin.url":
			r.Origin = strings.TrimSpace(value)
		case "remote.upstream.url":
			r.Upstream = strings.TrimSpace(value)
		}
	}
	return r, nil
}

func (c *RealClient) WorktreeList(ctx context.Context, path string) ([]WorktreeInfo, error) {
	out, err := c.gitCmd(ctx, path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// ParseStatusPorcelainV2 parses the output of
// `git status --porcelain=v2 --branch`. A detached HEAD is reported as
// branch "HEAD".
func ParseStatusPorcelainV2(output string) Snapshot {
	var snap Snapshot
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			head := strings.TrimPrefix(line, "# branch.head ")
			if head == "(detached)" {
				head = "HEAD"
			}
			snap.Branch = head
		case strings.HasPrefix(line, "# branch.upstream "):
			snap.Status.HasUpstream = true
		case strings.HasPrefix(line, "# branch.ab "):
			fields := strings.Fields(strings.TrimPrefix(line, "# branch.ab "))
			if len(fields) == 2 {
				snap.Status.Ahead, _ = strconv.Atoi(strings.TrimPrefix(fields[0], "+"))
				snap.Status.Behind, _ = strconv.Atoi(strings.TrimPrefix(fields[1], "-"))
			}
		case strings.HasPrefix(line, "1 "), strings.HasPrefix(line, "2 "):
			if len(line) < 4 {
				continue
			}
			if line[2] != '.' {
				snap.Status.Staged++
			}
			if line[3] != '.' {
				snap.Status.Modified++
			}
		case strings.HasPrefix(line, "u "):
			snap.Status.Conflicted++
		case strings.HasPrefix(line, "? "):
			snap.Status.Untracked++
		}
	}
	return snap
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "bare":
			current.Bare = true
		case line == "detached":
			current.Detached = true
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
