package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/joescharf/forest/internal/events"
	"github.com/joescharf/forest/internal/git"
	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/watcher"
)

// discovered is one worktree found on disk.
type discovered struct {
	path   string
	key    string
	branch string
	isMain bool
}

// worktreeKey is the stable path-derived key of a worktree: its path
// relative to the repository root.
func worktreeKey(repoPath, wtPath string) string {
	rel, err := filepath.Rel(repoPath, wtPath)
	if err != nil {
		return filepath.ToSlash(wtPath)
	}
	return filepath.ToSlash(rel)
}

// discover lists the worktrees of a repository. The repository path is
// always the main worktree, even when listing fails.
func (c *Coordinator) discover(ctx context.Context, repoPath string) []discovered {
	main := discovered{path: repoPath, key: ".", isMain: true}
	if c.lister == nil {
		return []discovered{main}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	list, err := c.lister.WorktreeList(ctx, repoPath)
	if err != nil {
		c.log.Warn("worktree discovery failed, tracking main worktree only", "path", repoPath, "error", err)
		return []discovered{main}
	}

	out := []discovered{main}
	for _, wt := range list {
		if wt.Bare {
			continue
		}
		p := filepath.Clean(wt.Path)
		if p == repoPath {
			out[0].branch = branchOf(wt)
			continue
		}
		out = append(out, discovered{path: p, key: worktreeKey(repoPath, p), branch: branchOf(wt)})
	}
	sort.Slice(out[1:], func(i, j int) bool { return out[i+1].path < out[j+1].path })
	return out
}

func branchOf(wt git.WorktreeInfo) string {
	if wt.Detached {
		return "HEAD"
	}
	return wt.Branch
}

// reconcileWorktrees maps discovered worktrees onto the existing worktrees
// of repo. Ids are reused by path-derived key first, then by last-known
// branch. Unmatched existing worktrees are orphaned.
func (c *Coordinator) reconcileWorktrees(s *state.Canonical, cache state.Cache, repo models.CanonicalRepo, found []discovered, oldPath string) []models.CanonicalWorktree {
	existing := make(map[string]models.CanonicalWorktree)
	byBranch := make(map[string]string)
	for _, wt := range s.WorktreesOf(repo.ID) {
		existing[wt.ID] = wt
		if b := cache.Worktrees[wt.ID].Branch; b != "" && b != "HEAD" {
			byBranch[b] = wt.ID
		}
	}
	byKey := make(map[string]string, len(existing))
	for id, wt := range existing {
		byKey[worktreeKey(oldPath, wt.Path)] = id
	}

	var attached []models.CanonicalWorktree
	used := make(map[string]bool)
	now := c.opts.Now().UTC()
	for _, d := range found {
		id, ok := byKey[d.key]
		if (!ok || used[id]) && d.branch != "" {
			id, ok = byBranch[d.branch]
		}
		var wt models.CanonicalWorktree
		if ok && !used[id] {
			wt = existing[id]
		} else {
			wt = models.CanonicalWorktree{ID: c.opts.NewID(), RepoID: repo.ID, CreatedAt: now}
		}
		used[wt.ID] = true
		wt.Path = d.path
		wt.Name = filepath.Base(d.path)
		wt.IsMain = d.isMain
		wt.Orphaned = false
		s.Worktrees[wt.ID] = wt
		attached = append(attached, wt)
	}

	for id, wt := range existing {
		if used[id] {
			continue
		}
		wt.Orphaned = true
		s.Worktrees[id] = wt
	}
	return attached
}

// add registers path, reusing the repository already known at that path.
// A linked worktree is tracked through its main worktree, so every
// worktree path has exactly one owning repository. parentID is set for
// repositories discovered inside a folder.
func (c *Coordinator) add(ctx context.Context, path, name, parentID string) (models.CanonicalRepo, error) {
	path, err := absPath(path)
	if err != nil {
		return models.CanonicalRepo{}, err
	}
	kind, err := detectKind(path)
	if err != nil {
		return models.CanonicalRepo{}, fmt.Errorf("add %s: %w", path, err)
	}

	snap := c.canonical.Snapshot()
	repo, reused := snap.RepoByPath(path)
	if reused && !repo.Orphaned && repo.Kind == kind {
		return repo, nil
	}
	if !reused || repo.Orphaned {
		if wt, ok := snap.WorktreeByPath(path); ok {
			if owner, live := c.live(wt.RepoID); live {
				return owner, nil
			}
		}
	}
	if kind == models.RepoKindRepo && watcher.IsLinkedWorktree(path) {
		if main, ok := c.mainWorktreeOf(ctx, path); ok && main != path {
			if owner, live := c.liveAt(main); live && owner.Kind == models.RepoKindRepo {
				c.log.Info("linked worktree joins its repository", "path", path, "repo", owner.ID)
				c.refreshWorktrees(ctx, owner)
				return owner, nil
			}
			c.log.Info("tracking linked worktree through its main worktree", "path", path, "main", main)
			path, name = main, ""
			repo, reused = c.canonical.Snapshot().RepoByPath(path)
			if reused && !repo.Orphaned && repo.Kind == kind {
				return repo, nil
			}
		}
	}

	// A live repository whose kind changed drops its old registrations
	// before the new ones are published.
	var previous []models.CanonicalWorktree
	prevRepo := repo
	kindChanged := reused && !repo.Orphaned && repo.Kind != kind
	if kindChanged {
		c.canonical.View(func(s state.Canonical) {
			for _, wt := range s.WorktreesOf(repo.ID) {
				if !wt.Orphaned {
					previous = append(previous, wt)
				}
			}
		})
	}

	var found []discovered
	if kind == models.RepoKindRepo {
		found = c.discover(ctx, path)
	}

	now := c.opts.Now().UTC()
	if !reused {
		repo = models.CanonicalRepo{ID: c.opts.NewID(), CreatedAt: now}
	}
	oldPath := repo.Path
	if oldPath == "" {
		oldPath = path
	}
	repo.Path = path
	repo.Kind = kind
	repo.Orphaned = false
	repo.OrphanedAt = nil
	if name != "" {
		repo.Name = name
	} else if repo.Name == "" {
		repo.Name = filepath.Base(path)
	}
	if parentID != "" {
		repo.ParentID = parentID
	}

	cache := c.cache.Snapshot()
	var attached []models.CanonicalWorktree
	c.canonical.Update(func(s *state.Canonical) bool {
		s.Repos[repo.ID] = repo
		attached = c.reconcileWorktrees(s, cache, repo, found, oldPath)
		return true
	})

	if kindChanged {
		c.detach(prevRepo, previous)
		if kind == models.RepoKindFolder {
			c.cache.Update(func(s *state.Cache) bool {
				pruneRepo(s, repo.ID)
				return true
			})
			if c.scopes != nil {
				c.scopes.UnregisterScope(repo.ID)
			}
		}
		c.log.Info("repository kind changed", "repo", repo.ID, "path", path, "from", prevRepo.Kind, "to", kind)
	}
	if kind == models.RepoKindRepo {
		c.seedUnresolved(repo.ID)
	}

	switch {
	case kindChanged:
	case reused:
		c.log.Info("repository re-added", "repo", repo.ID, "path", path, "kind", kind)
	default:
		c.log.Info("repository added", "repo", repo.ID, "path", path, "kind", kind)
	}
	c.attach(repo, attached)
	return repo, nil
}

// liveAt returns the live repository rooted at path.
func (c *Coordinator) liveAt(path string) (models.CanonicalRepo, bool) {
	repo, ok := c.canonical.Snapshot().RepoByPath(path)
	if !ok || repo.Orphaned {
		return models.CanonicalRepo{}, false
	}
	return repo, true
}

// mainWorktreeOf asks git for the main worktree of the repository that
// path belongs to. git lists the main worktree first.
func (c *Coordinator) mainWorktreeOf(ctx context.Context, path string) (string, bool) {
	if c.lister == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	list, err := c.lister.WorktreeList(ctx, path)
	if err != nil || len(list) == 0 || list[0].Bare {
		return "", false
	}
	return filepath.Clean(list[0].Path), true
}

// refreshWorktrees rediscovers the worktrees of a live repository and
// publishes registrations only for what changed.
func (c *Coordinator) refreshWorktrees(ctx context.Context, repo models.CanonicalRepo) {
	found := c.discover(ctx, repo.Path)
	cache := c.cache.Snapshot()

	before := make(map[string]models.CanonicalWorktree)
	var attached []models.CanonicalWorktree
	c.canonical.Update(func(s *state.Canonical) bool {
		for _, wt := range s.WorktreesOf(repo.ID) {
			if !wt.Orphaned {
				before[wt.ID] = wt
			}
		}
		attached = c.reconcileWorktrees(s, cache, repo, found, repo.Path)
		return true
	})

	kept := make(map[string]bool, len(attached))
	var fresh []models.CanonicalWorktree
	for _, wt := range attached {
		kept[wt.ID] = true
		if _, ok := before[wt.ID]; !ok {
			fresh = append(fresh, wt)
		}
	}
	var gone []models.CanonicalWorktree
	for id, wt := range before {
		if !kept[id] {
			gone = append(gone, wt)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].Path < gone[j].Path })
	c.detach(repo, gone)
	c.attach(repo, fresh)
}

func (c *Coordinator) seedUnresolved(repoID string) {
	c.cache.Update(func(s *state.Cache) bool {
		if _, ok := s.Repos[repoID]; ok {
			return false
		}
		s.Repos[repoID] = models.Unresolved(repoID)
		return true
	})
}

// attach publishes the watch registrations of a repository.
func (c *Coordinator) attach(repo models.CanonicalRepo, worktrees []models.CanonicalWorktree) {
	if repo.Kind == models.RepoKindFolder {
		c.publish(events.WorktreeAttached{
			RepoID:     repo.ID,
			WorktreeID: repo.ID,
			Path:       repo.Path,
			Watch:      events.WatchParentFolder,
		})
		return
	}
	for _, wt := range worktrees {
		c.publish(events.WorktreeAttached{
			RepoID:     repo.ID,
			WorktreeID: wt.ID,
			Path:       wt.Path,
			Watch:      events.WatchDirectRepo,
			IsMain:     wt.IsMain,
		})
	}
}

func (c *Coordinator) detach(repo models.CanonicalRepo, worktrees []models.CanonicalWorktree) {
	if repo.Kind == models.RepoKindFolder {
		c.publish(events.WorktreeDetached{RepoID: repo.ID, WorktreeID: repo.ID})
		return
	}
	for _, wt := range worktrees {
		c.publish(events.WorktreeDetached{RepoID: repo.ID, WorktreeID: wt.ID})
	}
}

// remove orphans a repository, its worktrees and, for a folder, the
// repositories discovered under it. Ids are kept so a later add at the
// same path relinks them.
func (c *Coordinator) remove(repoID string) error {
	repo, ok := c.live(repoID)
	if !ok {
		return fmt.Errorf("remove repo %s: %w", repoID, state.ErrNotFound)
	}

	type orphan struct {
		repo      models.CanonicalRepo
		worktrees []models.CanonicalWorktree
	}
	var orphans []orphan
	now := c.opts.Now().UTC()

	c.canonical.Update(func(s *state.Canonical) bool {
		targets := []models.CanonicalRepo{repo}
		if repo.Kind == models.RepoKindFolder {
			for _, child := range s.ChildrenOf(repo.ID) {
				if !child.Orphaned {
					targets = append(targets, child)
				}
			}
		}
		for _, r := range targets {
			o := orphan{repo: r}
			for _, wt := range s.WorktreesOf(r.ID) {
				if !wt.Orphaned {
					o.worktrees = append(o.worktrees, wt)
				}
				wt.Orphaned = true
				s.Worktrees[wt.ID] = wt
			}
			r.Orphaned = true
			at := now
			r.OrphanedAt = &at
			s.Repos[r.ID] = r
			orphans = append(orphans, o)
		}
		return true
	})

	c.cache.Update(func(s *state.Cache) bool {
		for _, o := range orphans {
			pruneRepo(s, o.repo.ID)
		}
		return true
	})

	for _, o := range orphans {
		c.detach(o.repo, o.worktrees)
		if c.scopes != nil {
			c.scopes.UnregisterScope(o.repo.ID)
		}
		c.publish(events.RepositoryOrphaned{RepoID: o.repo.ID})
		c.log.Info("repository orphaned", "repo", o.repo.ID, "path", o.repo.Path)
	}
	return nil
}

func pruneRepo(s *state.Cache, repoID string) {
	delete(s.Repos, repoID)
	delete(s.Forge, repoID)
	for id, wt := range s.Worktrees {
		if wt.RepoID == repoID {
			delete(s.Worktrees, id)
		}
	}
}

// relocate moves a repository to a new path, keeping its id and
// reattaching worktrees by relative key, then by branch.
func (c *Coordinator) relocate(ctx context.Context, repoID, path string) error {
	path, err := absPath(path)
	if err != nil {
		return err
	}
	repo, ok := c.canonical.Snapshot().Repos[repoID]
	if !ok {
		return fmt.Errorf("relocate repo %s: %w", repoID, state.ErrNotFound)
	}
	if other, taken := c.canonical.Snapshot().RepoByPath(path); taken && other.ID != repoID && !other.Orphaned {
		return fmt.Errorf("relocate repo %s: %s is already tracked as %s", repoID, path, other.ID)
	}
	kind, err := detectKind(path)
	if err != nil {
		return fmt.Errorf("relocate repo %s: %w", repoID, err)
	}

	oldPath := repo.Path
	var previous []models.CanonicalWorktree
	c.canonical.View(func(s state.Canonical) {
		for _, wt := range s.WorktreesOf(repoID) {
			if !wt.Orphaned {
				previous = append(previous, wt)
			}
		}
	})
	if !repo.Orphaned {
		c.detach(repo, previous)
	}

	var found []discovered
	if kind == models.RepoKindRepo {
		found = c.discover(ctx, path)
	}
	if repo.Name == filepath.Base(oldPath) {
		repo.Name = filepath.Base(path)
	}
	repo.Path = path
	repo.Kind = kind
	repo.Orphaned = false
	repo.OrphanedAt = nil

	cache := c.cache.Snapshot()
	var attached []models.CanonicalWorktree
	c.canonical.Update(func(s *state.Canonical) bool {
		s.Repos[repo.ID] = repo
		attached = c.reconcileWorktrees(s, cache, repo, found, oldPath)
		return true
	})
	if kind == models.RepoKindRepo {
		c.seedUnresolved(repo.ID)
	}

	c.log.Info("repository relocated", "repo", repo.ID, "from", oldPath, "to", path)
	c.attach(repo, attached)
	return nil
}

// nested adds a repository discovered inside a tracked folder.
func (c *Coordinator) nested(ctx context.Context, ev events.NestedRepositoryFound) error {
	folder, ok := c.live(ev.FolderID)
	if !ok || folder.Kind != models.RepoKindFolder {
		return nil
	}
	if existing, ok := c.canonical.Snapshot().RepoByPath(ev.Path); ok && !existing.Orphaned {
		return nil
	}
	_, err := c.add(ctx, ev.Path, "", folder.ID)
	return err
}

// Bootstrap republishes the registrations of every live repository and
// orphans repositories whose path no longer exists. Cache entries without a
// live owner are dropped.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var vanished []string
	for _, repo := range c.canonical.Snapshot().RepoList() {
		if repo.Orphaned {
			continue
		}
		if _, err := os.Stat(repo.Path); err != nil {
			vanished = append(vanished, repo.ID)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.readd(ctx, repo)
	}

	for _, id := range vanished {
		if _, ok := c.live(id); !ok {
			continue
		}
		c.log.Warn("repository path vanished", "repo", id)
		if err := c.remove(id); err != nil {
			c.log.Warn("orphan vanished repository failed", "repo", id, "error", err)
		}
	}

	live := make(map[string]bool)
	liveWT := make(map[string]bool)
	c.canonical.View(func(s state.Canonical) {
		for id, r := range s.Repos {
			live[id] = !r.Orphaned
		}
		for id, wt := range s.Worktrees {
			liveWT[id] = !wt.Orphaned
		}
	})
	c.cache.Update(func(s *state.Cache) bool {
		changed := false
		for id := range s.Repos {
			if !live[id] {
				pruneRepo(s, id)
				changed = true
			}
		}
		for id := range s.Forge {
			if !live[id] {
				delete(s.Forge, id)
				changed = true
			}
		}
		for id := range s.Worktrees {
			if !liveWT[id] {
				delete(s.Worktrees, id)
				changed = true
			}
		}
		return changed
	})
	return nil
}

// readd rediscovers a live repository in place and republishes its
// registrations.
func (c *Coordinator) readd(ctx context.Context, repo models.CanonicalRepo) {
	var found []discovered
	if repo.Kind == models.RepoKindRepo {
		found = c.discover(ctx, repo.Path)
	}
	cache := c.cache.Snapshot()
	var attached []models.CanonicalWorktree
	c.canonical.Update(func(s *state.Canonical) bool {
		attached = c.reconcileWorktrees(s, cache, repo, found, repo.Path)
		return true
	})
	if repo.Kind == models.RepoKindRepo {
		c.seedUnresolved(repo.ID)
	}
	c.attach(repo, attached)
}
