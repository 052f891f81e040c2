package coordinator

import (
	"maps"
	"time"

	"github.com/joescharf/forest/internal/events"
	"github.com/joescharf/forest/internal/identity"
	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/state"
)

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameIdentity(a, b *models.RepoIdentity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.GroupKey == b.GroupKey && a.DisplayName == b.DisplayName &&
		sameString(a.RemoteSlug, b.RemoteSlug) && sameString(a.OrganizationName, b.OrganizationName)
}

// origin resolves the repository identity and syncs the forge scope.
func (c *Coordinator) origin(repoID string, ev events.OriginChanged, at time.Time) {
	repo, ok := c.live(repoID)
	if !ok || repo.Kind != models.RepoKindRepo {
		return
	}

	raw := models.RawRepoOrigin{Origin: optional(ev.To), Upstream: optional(ev.Upstream)}
	id := identity.Resolve(repo.Name, ev.To)

	var remoteChanged bool
	c.cache.Update(func(s *state.Cache) bool {
		prev, had := s.Repos[repoID]
		if had && prev.IsResolved() && sameString(prev.Raw.Origin, raw.Origin) &&
			sameString(prev.Raw.Upstream, raw.Upstream) && sameIdentity(prev.Identity, &id) {
			return false
		}
		remoteChanged = !had || !prev.IsResolved() || !sameString(prev.Raw.Origin, raw.Origin)
		s.Repos[repoID] = models.Resolved(repoID, raw, id, at)
		if remoteChanged {
			// Counts belong to the previous remote.
			delete(s.Forge, repoID)
			for wtID, wt := range s.Worktrees {
				if wt.RepoID == repoID {
					wt.OpenPullRequests = nil
					wt.ReviewRequests = nil
					s.Worktrees[wtID] = wt
				}
			}
		}
		return true
	})

	if remoteChanged {
		c.log.Info("repository origin resolved", "repo", repoID, "from", ev.From, "to", ev.To, "group", id.GroupKey)
	}

	if c.scopes == nil {
		return
	}
	if ev.To == "" {
		c.scopes.UnregisterScope(repoID)
	} else {
		c.scopes.RegisterScope(repoID, ev.To)
	}
}

// snapshot records the branch and status of one worktree. Pull-request
// counts come from the forge status of the worktree's own repository.
func (c *Coordinator) snapshot(repoID, worktreeID string, ev events.SnapshotChanged, at time.Time) {
	var wt models.CanonicalWorktree
	var ok bool
	c.canonical.View(func(s state.Canonical) {
		wt, ok = s.Worktrees[worktreeID]
	})
	if !ok || wt.Orphaned || wt.RepoID != repoID {
		return
	}
	if _, live := c.live(repoID); !live {
		return
	}

	c.cache.Update(func(s *state.Cache) bool {
		next := models.WorktreeEnrichment{
			WorktreeID: worktreeID,
			RepoID:     repoID,
			Branch:     ev.Branch,
			Status:     ev.Status,
			UpdatedAt:  at.UTC(),
		}
		if fs, ok := s.Forge[repoID]; ok && fs.UpdatedAt != nil {
			next.OpenPullRequests, next.ReviewRequests = countsFor(fs, ev.Branch)
		}
		s.Worktrees[worktreeID] = next
		return true
	})
}

func countsFor(fs models.ForgeStatus, branch string) (open, reviews *int) {
	return models.IntPtr(fs.CountsByBranch[branch]), models.IntPtr(fs.ReviewsByBranch[branch])
}

// originMatches reports whether a forge fact about remote still applies to
// the repository's current origin.
func originMatches(s *state.Cache, repoID, remote string) bool {
	e, ok := s.Repos[repoID]
	if !ok || !e.IsResolved() || e.Raw.Origin == nil {
		return false
	}
	return remote == "" || *e.Raw.Origin == remote
}

// forgeCounts applies pull-request counts to the worktrees of repoID only.
func (c *Coordinator) forgeCounts(repoID string, ev events.ForgeCountsChanged, at time.Time) {
	if _, ok := c.live(repoID); !ok {
		return
	}
	c.cache.Update(func(s *state.Cache) bool {
		if !originMatches(s, repoID, ev.Remote) {
			return false
		}
		t := at.UTC()
		fs := s.Forge[repoID]
		fs.RepoID = repoID
		fs.CountsByBranch = maps.Clone(ev.CountsByBranch)
		if fs.CountsByBranch == nil {
			fs.CountsByBranch = map[string]int{}
		}
		fs.ReviewsByBranch = maps.Clone(ev.ReviewsByBranch)
		fs.UpdatedAt = &t
		fs.LastError = ""
		s.Forge[repoID] = fs

		for id, wt := range s.Worktrees {
			if wt.RepoID != repoID {
				continue
			}
			wt.OpenPullRequests, wt.ReviewRequests = countsFor(fs, wt.Branch)
			s.Worktrees[id] = wt
		}
		return true
	})
}

// forgeFailed marks the forge status of repoID stale. Last good counts are
// kept.
func (c *Coordinator) forgeFailed(repoID string, ev events.ForgeRefreshFailed, at time.Time) {
	if _, ok := c.live(repoID); !ok {
		return
	}
	c.cache.Update(func(s *state.Cache) bool {
		if !originMatches(s, repoID, ev.Remote) {
			return false
		}
		t := at.UTC()
		fs := s.Forge[repoID]
		fs.RepoID = repoID
		fs.LastError = ev.Error
		fs.FailedAt = &t
		s.Forge[repoID] = fs
		return true
	})
	c.log.Debug("forge refresh failed", "repo", repoID, "error", ev.Error, "retry_at", ev.RetryAt)
}
