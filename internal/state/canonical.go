package state

import (
	"fmt"
	"maps"
	"path/filepath"
	"sort"

	"github.com/joescharf/forest/internal/models"
)

// Canonical is the user-declared topology: repositories, folders and their
// worktrees, keyed by id.
type Canonical struct {
	Repos     map[string]models.CanonicalRepo
	Worktrees map[string]models.CanonicalWorktree
}

// CanonicalStore is the observable canonical tier.
type CanonicalStore = Store[Canonical]

// NewCanonical returns an empty Canonical.
func NewCanonical() Canonical {
	return Canonical{
		Repos:     make(map[string]models.CanonicalRepo),
		Worktrees: make(map[string]models.CanonicalWorktree),
	}
}

// Clone returns a deep copy.
func (c Canonical) Clone() Canonical {
	out := Canonical{Repos: maps.Clone(c.Repos), Worktrees: maps.Clone(c.Worktrees)}
	if out.Repos == nil {
		out.Repos = make(map[string]models.CanonicalRepo)
	}
	if out.Worktrees == nil {
		out.Worktrees = make(map[string]models.CanonicalWorktree)
	}
	for id, r := range out.Repos {
		if r.OrphanedAt != nil {
			t := *r.OrphanedAt
			r.OrphanedAt = &t
			out.Repos[id] = r
		}
	}
	return out
}

// NewCanonicalStore returns a store seeded with initial.
func NewCanonicalStore(initial Canonical) *CanonicalStore {
	return newStore(initial, Canonical.Clone)
}

// Repo returns the repository with the given id.
func (c Canonical) Repo(id string) (models.CanonicalRepo, error) {
	r, ok := c.Repos[id]
	if !ok {
		return models.CanonicalRepo{}, fmt.Errorf("repo %s: %w", id, ErrNotFound)
	}
	return r, nil
}

// RepoByPath returns the repository registered at path, orphaned or not.
func (c Canonical) RepoByPath(path string) (models.CanonicalRepo, bool) {
	path = filepath.Clean(path)
	for _, r := range c.Repos {
		if filepath.Clean(r.Path) == path {
			return r, true
		}
	}
	return models.CanonicalRepo{}, false
}

// WorktreeByPath returns the live worktree checked out at path.
func (c Canonical) WorktreeByPath(path string) (models.CanonicalWorktree, bool) {
	path = filepath.Clean(path)
	for _, w := range c.Worktrees {
		if !w.Orphaned && filepath.Clean(w.Path) == path {
			return w, true
		}
	}
	return models.CanonicalWorktree{}, false
}

// RepoList returns all repositories sorted by name then id.
func (c Canonical) RepoList() []models.CanonicalRepo {
	out := make([]models.CanonicalRepo, 0, len(c.Repos))
	for _, r := range c.Repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ChildrenOf returns the repositories discovered under a folder.
func (c Canonical) ChildrenOf(folderID string) []models.CanonicalRepo {
	var out []models.CanonicalRepo
	for _, r := range c.Repos {
		if r.ParentID == folderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// WorktreesOf returns the worktrees of a repository, main worktree first.
func (c Canonical) WorktreesOf(repoID string) []models.CanonicalWorktree {
	var out []models.CanonicalWorktree
	for _, w := range c.Worktrees {
		if w.RepoID == repoID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsMain != out[j].IsMain {
			return out[i].IsMain
		}
		return out[i].Path < out[j].Path
	})
	return out
}
