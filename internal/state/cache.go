package state

import (
	"maps"

	"github.com/joescharf/forest/internal/models"
)

// Cache is the derived tier. Everything in it can be rebuilt from
// Canonical plus a fresh enrichment pass.
type Cache struct {
	Repos     map[string]models.RepoEnrichment
	Worktrees map[string]models.WorktreeEnrichment
	Forge     map[string]models.ForgeStatus
}

// CacheStore is the observable cache tier.
type CacheStore = Store[Cache]

// NewCache returns an empty Cache.
func NewCache() Cache {
	return Cache{
		Repos:     make(map[string]models.RepoEnrichment),
		Worktrees: make(map[string]models.WorktreeEnrichment),
		Forge:     make(map[string]models.ForgeStatus),
	}
}

// Clone returns a copy. Enrichment values share their pointer fields,
// which are never mutated in place.
func (c Cache) Clone() Cache {
	out := Cache{
		Repos:     maps.Clone(c.Repos),
		Worktrees: maps.Clone(c.Worktrees),
		Forge:     make(map[string]models.ForgeStatus, len(c.Forge)),
	}
	if out.Repos == nil {
		out.Repos = make(map[string]models.RepoEnrichment)
	}
	if out.Worktrees == nil {
		out.Worktrees = make(map[string]models.WorktreeEnrichment)
	}
	for id, f := range c.Forge {
		f.CountsByBranch = maps.Clone(f.CountsByBranch)
		f.ReviewsByBranch = maps.Clone(f.ReviewsByBranch)
		out.Forge[id] = f
	}
	return out
}

// NewCacheStore returns a store seeded with initial.
func NewCacheStore(initial Cache) *CacheStore {
	return newStore(initial, Cache.Clone)
}

// WorktreesOf returns the enrichment of every worktree of a repository.
func (c Cache) WorktreesOf(repoID string) []models.WorktreeEnrichment {
	var out []models.WorktreeEnrichment
	for _, w := range c.Worktrees {
		if w.RepoID == repoID {
			out = append(out, w)
		}
	}
	return out
}
