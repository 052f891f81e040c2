package models

import "time"

// RepoKind distinguishes a directly added repository from a parent folder
// that is scanned for nested repositories.
type RepoKind string

const (
	RepoKindRepo   RepoKind = "repo"
	RepoKindFolder RepoKind = "folder"
)

// CanonicalRepo is a user-declared repository or folder. It only carries
// stable identity; everything observed about it lives in the cache.
type CanonicalRepo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	Kind       RepoKind   `json:"kind"`
	ParentID   string     `json:"parentId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Orphaned   bool       `json:"orphaned,omitempty"`
	OrphanedAt *time.Time `json:"orphanedAt,omitempty"`
}

// CanonicalWorktree is a working directory belonging to a CanonicalRepo.
type CanonicalWorktree struct {
	ID        string    `json:"id"`
	RepoID    string    `json:"repoId"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsMain    bool      `json:"isMain"`
	CreatedAt time.Time `json:"createdAt"`
	Orphaned  bool      `json:"orphaned,omitempty"`
}
