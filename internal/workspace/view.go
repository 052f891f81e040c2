package workspace

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/state"
)

// WorktreeView joins a canonical worktree with its enrichment.
type WorktreeView struct {
	models.CanonicalWorktree
	Enrichment *models.WorktreeEnrichment `json:"enrichment,omitempty"`
}

// RepoView joins a canonical repository with everything derived about it.
type RepoView struct {
	models.CanonicalRepo
	Enrichment *models.RepoEnrichment `json:"enrichment,omitempty"`
	Forge      *models.ForgeStatus    `json:"forge,omitempty"`
	Worktrees  []WorktreeView         `json:"worktrees"`
}

// GroupKey returns the identity group of the repository, or "" while the
// origin is unresolved.
func (v RepoView) GroupKey() string {
	if v.Enrichment == nil || !v.Enrichment.IsResolved() {
		return ""
	}
	return v.Enrichment.Identity.GroupKey
}

// Group is a set of repositories sharing one identity.
type Group struct {
	GroupKey     string     `json:"groupKey"`
	DisplayName  string     `json:"displayName"`
	Organization string     `json:"organization,omitempty"`
	Repos        []RepoView `json:"repos"`
}

// CacheView is the JSON form of the cache tier.
type CacheView struct {
	Repos     map[string]models.RepoEnrichment     `json:"repos"`
	Worktrees map[string]models.WorktreeEnrichment `json:"worktrees"`
	Forge     map[string]models.ForgeStatus        `json:"forge"`
}

// NewCacheView wraps a cache snapshot.
func NewCacheView(c state.Cache) CacheView {
	return CacheView{Repos: c.Repos, Worktrees: c.Worktrees, Forge: c.Forge}
}

// BuildRepoView joins one repository.
func BuildRepoView(c state.Canonical, cache state.Cache, repo models.CanonicalRepo) RepoView {
	v := RepoView{CanonicalRepo: repo, Worktrees: []WorktreeView{}}
	if e, ok := cache.Repos[repo.ID]; ok {
		v.Enrichment = &e
	}
	if f, ok := cache.Forge[repo.ID]; ok {
		v.Forge = &f
	}
	for _, wt := range c.WorktreesOf(repo.ID) {
		if wt.Orphaned && !repo.Orphaned {
			continue
		}
		wv := WorktreeView{CanonicalWorktree: wt}
		if e, ok := cache.Worktrees[wt.ID]; ok {
			wv.Enrichment = &e
		}
		v.Worktrees = append(v.Worktrees, wv)
	}
	return v
}

// RepoViews joins every repository, skipping orphaned ones unless all is
// set.
func RepoViews(c state.Canonical, cache state.Cache, all bool) []RepoView {
	out := []RepoView{}
	for _, repo := range c.RepoList() {
		if repo.Orphaned && !all {
			continue
		}
		out = append(out, BuildRepoView(c, cache, repo))
	}
	return out
}

// Groups buckets live repositories by identity. Folders and unresolved
// repositories are left out.
func Groups(c state.Canonical, cache state.Cache) []Group {
	byKey := make(map[string]*Group)
	for _, v := range RepoViews(c, cache, false) {
		key := v.GroupKey()
		if v.Kind != models.RepoKindRepo || key == "" {
			continue
		}
		g, ok := byKey[key]
		if !ok {
			id := v.Enrichment.Identity
			g = &Group{GroupKey: key, DisplayName: id.DisplayName}
			if id.OrganizationName != nil {
				g.Organization = *id.OrganizationName
			}
			byKey[key] = g
		}
		g.Repos = append(g.Repos, v)
	}

	out := make([]Group, 0, len(byKey))
	for _, g := range byKey {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].GroupKey < out[j].GroupKey
	})
	return out
}

// ResolveRepo finds a live repository by id, name, path or unique id
// prefix, in that order.
func ResolveRepo(c state.Canonical, ref string) (models.CanonicalRepo, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.CanonicalRepo{}, fmt.Errorf("empty repository reference: %w", state.ErrNotFound)
	}
	if repo, err := c.Repo(ref); err == nil && !repo.Orphaned {
		return repo, nil
	}

	live := make([]models.CanonicalRepo, 0, len(c.Repos))
	for _, repo := range c.RepoList() {
		if !repo.Orphaned {
			live = append(live, repo)
		}
	}
	for _, repo := range live {
		if strings.EqualFold(repo.Name, ref) {
			return repo, nil
		}
	}
	if filepath.IsAbs(ref) {
		if repo, ok := c.RepoByPath(filepath.Clean(ref)); ok && !repo.Orphaned {
			return repo, nil
		}
	}

	var matches []models.CanonicalRepo
	upper := strings.ToUpper(ref)
	for _, repo := range live {
		if strings.HasPrefix(repo.ID, upper) {
			matches = append(matches, repo)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return models.CanonicalRepo{}, fmt.Errorf("repository %q: %w", ref, state.ErrNotFound)
	default:
		return models.CanonicalRepo{}, fmt.Errorf("repository %q is ambiguous (%d matches)", ref, len(matches))
	}
}
