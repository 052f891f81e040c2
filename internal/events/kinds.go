package events

import (
	"time"

	"github.com/joescharf/forest/internal/models"
)

// SystemEvent is the closed set of system-scoped payloads.
type SystemEvent interface {
	Kind() string
	systemEvent()
}

// WorktreeEvent is the closed set of worktree-scoped payloads.
type WorktreeEvent interface {
	Kind() string
	worktreeEvent()
}

// WatchKind tells the watcher how to treat a registered root.
type WatchKind string

const (
	WatchParentFolder WatchKind = "parent-folder"
	WatchDirectRepo   WatchKind = "direct-repo"
)

// --- System events ---

// RepositoryAddRequested is the user intent to track a path.
type RepositoryAddRequested struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// RepositoryRemoveRequested is the user intent to stop tracking a repository.
type RepositoryRemoveRequested struct {
	RepoID string `json:"repoId"`
}

// RepositoryRelocateRequested moves a tracked repository to a new path.
type RepositoryRelocateRequested struct {
	RepoID string `json:"repoId"`
	Path   string `json:"path"`
}

// RefreshRequested asks every worker to recompute a repository now.
type RefreshRequested struct {
	RepoID string `json:"repoId"`
}

// ActivityChanged marks a worktree as foreground or background.
type ActivityChanged struct {
	WorktreeID string `json:"worktreeId"`
	Foreground bool   `json:"foreground"`
}

// NestedRepositoryFound is emitted by parent-folder rescans.
type NestedRepositoryFound struct {
	FolderID string `json:"folderId"`
	Path     string `json:"path"`
}

// WorktreeAttached registers a root with the watcher and projector.
type WorktreeAttached struct {
	RepoID     string    `json:"repoId"`
	WorktreeID string    `json:"worktreeId"`
	Path       string    `json:"path"`
	Watch      WatchKind `json:"kind"`
	IsMain     bool      `json:"isMain"`
}

// WorktreeDetached unregisters a root.
type WorktreeDetached struct {
	RepoID     string `json:"repoId"`
	WorktreeID string `json:"worktreeId"`
}

// RepositoryOrphaned is emitted after a repository is removed.
type RepositoryOrphaned struct {
	RepoID string `json:"repoId"`
}

// Lifecycle reports application phases ("started", "stopping").
type Lifecycle struct {
	Phase string `json:"phase"`
}

func (RepositoryAddRequested) Kind() string      { return "repository.add_requested" }
func (RepositoryRemoveRequested) Kind() string   { return "repository.remove_requested" }
func (RepositoryRelocateRequested) Kind() string { return "repository.relocate_requested" }
func (RefreshRequested) Kind() string            { return "repository.refresh_requested" }
func (ActivityChanged) Kind() string             { return "worktree.activity_changed" }
func (NestedRepositoryFound) Kind() string       { return "repository.nested_found" }
func (WorktreeAttached) Kind() string            { return "worktree.attached" }
func (WorktreeDetached) Kind() string            { return "worktree.detached" }
func (RepositoryOrphaned) Kind() string          { return "repository.orphaned" }
func (Lifecycle) Kind() string                   { return "app.lifecycle" }

func (RepositoryAddRequested) systemEvent()      {}
func (RepositoryRemoveRequested) systemEvent()   {}
func (RepositoryRelocateRequested) systemEvent() {}
func (RefreshRequested) systemEvent()            {}
func (ActivityChanged) systemEvent()             {}
func (NestedRepositoryFound) systemEvent()       {}
func (WorktreeAttached) systemEvent()            {}
func (WorktreeDetached) systemEvent()            {}
func (RepositoryOrphaned) systemEvent()          {}
func (Lifecycle) systemEvent()                   {}

// --- Worktree events ---

// FilesChanged lists the relative paths that changed in one debounce
// window. Each FilesChanged is also a recompute trigger for the projector.
type FilesChanged struct {
	Paths []string `json:"paths"`
}

// SnapshotChanged carries a new branch/status for a worktree.
type SnapshotChanged struct {
	Branch string               `json:"branch"`
	Status models.StatusSummary `json:"status"`
}

// OriginChanged reports a repository origin transition. To is "" when no
// remote is configured. Initial marks the first probe after registration.
type OriginChanged struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Upstream string `json:"upstream,omitempty"`
	Initial  bool   `json:"initial,omitempty"`
}

// ForgeCountsChanged carries open pull-request counts keyed by head branch.
type ForgeCountsChanged struct {
	Remote          string         `json:"remote"`
	CountsByBranch  map[string]int `json:"countsByBranch"`
	ReviewsByBranch map[string]int `json:"reviewsByBranch,omitempty"`
}

// ForgeRefreshFailed reports a failed forge fetch for a repository.
type ForgeRefreshFailed struct {
	Remote  string    `json:"remote"`
	Error   string    `json:"error"`
	RetryAt time.Time `json:"retryAt"`
}

func (FilesChanged) Kind() string       { return "fs.files_changed" }
func (SnapshotChanged) Kind() string    { return "git.snapshot_changed" }
func (OriginChanged) Kind() string      { return "git.origin_changed" }
func (ForgeCountsChanged) Kind() string { return "forge.counts_changed" }
func (ForgeRefreshFailed) Kind() string { return "forge.refresh_failed" }

func (FilesChanged) worktreeEvent()       {}
func (SnapshotChanged) worktreeEvent()    {}
func (OriginChanged) worktreeEvent()      {}
func (ForgeCountsChanged) worktreeEvent() {}
func (ForgeRefreshFailed) worktreeEvent() {}
