// Package watcher turns raw filesystem notifications under registered roots
// into debounced per-worktree FilesChanged facts.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/joescharf/forest/internal/events"
)

// ErrUnknownRoot is returned for operations on an unregistered worktree id.
var ErrUnknownRoot = errors.New("unknown watch root")

// Options configures a Watcher.
type Options struct {
	Debounce         time.Duration
	MaxLatency       time.Duration
	RescanInterval   time.Duration
	RescanDepth      int
	RespectGitignore bool
	Logger           *slog.Logger
	Now              func() time.Time
}

type root struct {
	worktreeID string
	repoID     string
	path       string
	kind       events.WatchKind
	gitDir     string
	ignore     *ignore.GitIgnore
	nested     map[string]bool
	failed     bool
}

// Watcher owns a single fsnotify watcher shared by all registered roots.
type Watcher struct {
	bus  *events.Bus
	sub  *events.Subscription
	opts Options
	log  *slog.Logger
	fsw  *fsnotify.Watcher

	mu      sync.Mutex
	roots   map[string]*root
	dirs    map[string]string
	batcher *Batcher
	wake    chan struct{}
}

// New creates a Watcher and subscribes it to coordinator and intent
// facts, so attachments published before Run are not missed.
func New(bus *events.Bus, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.MaxLatency <= 0 {
		opts.MaxLatency = 2 * time.Second
	}
	if opts.RescanDepth <= 0 {
		opts.RescanDepth = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		bus:     bus,
		sub:     bus.Subscribe(events.SourceCoordinator, events.SourceIntent),
		opts:    opts,
		log:     log.With("component", "watcher"),
		fsw:     fsw,
		roots:   make(map[string]*root),
		dirs:    make(map[string]string),
		batcher: NewBatcher(opts.Debounce, opts.MaxLatency),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Run processes bus facts, filesystem notifications and batch deadlines
// until ctx is done or the bus closes.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	var rescan <-chan time.Time
	if w.opts.RescanInterval > 0 {
		ticker := time.NewTicker(w.opts.RescanInterval)
		defer ticker.Stop()
		rescan = ticker.C
	}

	for {
		w.armTimer(timer)

		select {
		case <-ctx.Done():
			return nil

		case env, ok := <-w.sub.C():
			if !ok {
				return nil
			}
			w.handle(env)

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleFS(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)

		case <-timer.C:
			w.FlushDue()

		case <-rescan:
			w.rescanAll()

		case <-w.wake:
		}
	}
}

func (w *Watcher) armTimer(timer *time.Timer) {
	w.mu.Lock()
	next, ok := w.batcher.NextDeadline()
	w.mu.Unlock()

	d := time.Hour
	if ok {
		d = max(next.Sub(w.opts.Now()), 0)
	}
	timer.Reset(d)
}

func (w *Watcher) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) handle(env events.Envelope) {
	sys, ok := env.(events.SystemEnvelope)
	if !ok {
		return
	}
	switch ev := sys.Event.(type) {
	case events.WorktreeAttached:
		if err := w.Register(ev.WorktreeID, ev.RepoID, ev.Path, ev.Watch); err != nil {
			w.log.Warn("register root failed", "worktree", ev.WorktreeID, "path", ev.Path, "error", err)
		}
	case events.WorktreeDetached:
		w.Unregister(ev.WorktreeID)
	case events.ActivityChanged:
		w.SetActivity(ev.WorktreeID, ev.Foreground)
	case events.RefreshRequested:
		w.rescanRepo(ev.RepoID)
	}
}

// Register starts watching rootPath for worktreeID. Registering an id
// again replaces the previous root. A failure to watch the root is logged
// and returned, and never affects other roots.
func (w *Watcher) Register(worktreeID, repoID, rootPath string, kind events.WatchKind) error {
	rootPath = filepath.Clean(rootPath)

	w.mu.Lock()
	if _, ok := w.roots[worktreeID]; ok {
		w.unregisterLocked(worktreeID)
	}
	r := &root{
		worktreeID: worktreeID,
		repoID:     repoID,
		path:       rootPath,
		kind:       kind,
		nested:     make(map[string]bool),
	}
	w.roots[worktreeID] = r

	var err error
	if kind == events.WatchParentFolder {
		err = w.addFolderTree(r, rootPath, 0)
	} else {
		r.gitDir = linkedGitDir(rootPath)
		if w.opts.RespectGitignore {
			r.ignore = loadIgnore(rootPath)
		}
		err = w.addRepoTree(r, rootPath)
		if err == nil && r.gitDir != "" {
			if gerr := w.addDir(r, r.gitDir); gerr != nil {
				w.log.Debug("watch linked git dir failed", "path", r.gitDir, "error", gerr)
			}
		}
	}
	if err != nil {
		r.failed = true
	}

	var found []string
	if kind == events.WatchParentFolder && err == nil {
		found = w.rescanLocked(r)
	}
	w.mu.Unlock()

	w.publishNested(r, found)
	w.poke()

	if err != nil {
		return fmt.Errorf("watch %s: %w", rootPath, err)
	}
	w.log.Debug("root registered", "worktree", worktreeID, "path", rootPath, "kind", kind)
	return nil
}

// Unregister stops watching a root and discards its pending batch.
func (w *Watcher) Unregister(worktreeID string) {
	w.mu.Lock()
	w.unregisterLocked(worktreeID)
	w.mu.Unlock()
	w.poke()
}

func (w *Watcher) unregisterLocked(worktreeID string) {
	if _, ok := w.roots[worktreeID]; !ok {
		return
	}
	for dir, owner := range w.dirs {
		if owner == worktreeID {
			_ = w.fsw.Remove(dir)
			delete(w.dirs, dir)
		}
	}
	delete(w.roots, worktreeID)
	w.batcher.Drop(worktreeID)
}

// SetActivity marks a worktree as foreground so its batches flush first.
func (w *Watcher) SetActivity(worktreeID string, foreground bool) {
	w.mu.Lock()
	w.batcher.SetForeground(worktreeID, foreground)
	w.mu.Unlock()
}

// Rescan searches a parent-folder root for repositories it has not
// reported yet and publishes a NestedRepositoryFound for each.
func (w *Watcher) Rescan(worktreeID string) ([]string, error) {
	w.mu.Lock()
	r, ok := w.roots[worktreeID]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, worktreeID)
	}
	var found []string
	if r.kind == events.WatchParentFolder {
		// Pick up directories created while events were dropped.
		_ = w.addFolderTree(r, r.path, 0)
		found = w.rescanLocked(r)
	}
	w.mu.Unlock()

	w.publishNested(r, found)
	return found, nil
}

func (w *Watcher) rescanAll() {
	w.mu.Lock()
	var ids []string
	for id, r := range w.roots {
		if r.kind == events.WatchParentFolder {
			ids = append(ids, id)
		}
	}
	w.mu.Unlock()

	for _, id := range ids {
		if _, err := w.Rescan(id); err != nil {
			w.log.Debug("rescan skipped", "worktree", id, "error", err)
		}
	}
}

func (w *Watcher) rescanRepo(repoID string) {
	w.mu.Lock()
	var ids []string
	for id, r := range w.roots {
		if r.repoID == repoID && r.kind == events.WatchParentFolder {
			ids = append(ids, id)
		}
	}
	w.mu.Unlock()

	for _, id := range ids {
		if _, err := w.Rescan(id); err != nil {
			w.log.Warn("rescan failed", "worktree", id, "error", err)
		}
	}
}

func (w *Watcher) rescanLocked(r *root) []string {
	repos, err := Discover(r.path, w.opts.RescanDepth)
	if err != nil {
		w.log.Warn("rescan failed", "path", r.path, "error", err)
		return nil
	}

	present := make(map[string]bool, len(repos))
	var found []string
	for _, p := range repos {
		present[p] = true
		if !r.nested[p] {
			r.nested[p] = true
			found = append(found, p)
		}
	}
	// Forget vanished repositories so they are reported again if they return.
	for p := range r.nested {
		if !present[p] {
			delete(r.nested, p)
		}
	}
	return found
}

func (w *Watcher) publishNested(r *root, found []string) {
	for _, p := range found {
		env := events.NewSystem(events.SourceFilesystem, events.NestedRepositoryFound{FolderID: r.repoID, Path: p})
		if _, err := w.bus.Publish(env); err != nil {
			w.log.Debug("publish nested repository failed", "path", p, "error", err)
			return
		}
	}
}

func (w *Watcher) addDir(r *root, dir string) error {
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = r.worktreeID
	return nil
}

// addRepoTree watches every directory of a repository worktree. The git
// directory is watched without its subdirectories, and nested repositories
// and ignored directories are skipped.
func (w *Watcher) addRepoTree(r *root, start string) error {
	return filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == r.path {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != r.path {
			name := d.Name()
			if name == RepoMarker {
				if filepath.Dir(path) == r.path {
					if aerr := w.addDir(r, path); aerr != nil {
						w.log.Debug("watch git dir failed", "path", path, "error", aerr)
					}
				}
				return filepath.SkipDir
			}
			if skipDirs[name] || IsRepo(path) || w.ignored(r, path, true) {
				return filepath.SkipDir
			}
		}
		if aerr := w.addDir(r, path); aerr != nil {
			if path == r.path {
				return aerr
			}
			w.log.Debug("watch dir failed", "path", path, "error", aerr)
		}
		return nil
	})
}

// addFolderTree watches a parent folder and its non-repository
// subdirectories down to the rescan depth, so new repositories trigger a
// rescan.
func (w *Watcher) addFolderTree(r *root, dir string, level int) error {
	if err := w.addDir(r, dir); err != nil {
		if dir == r.path {
			return err
		}
		w.log.Debug("watch dir failed", "path", dir, "error", err)
		return nil
	}
	if level+1 >= w.opts.RescanDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() || e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		name := e.Name()
		if name == RepoMarker || skipDirs[name] || strings.HasPrefix(name, ".") {
			continue
		}
		child := filepath.Join(dir, name)
		if IsRepo(child) {
			continue
		}
		_ = w.addFolderTree(r, child, level+1)
	}
	return nil
}

func (w *Watcher) ignored(r *root, path string, isDir bool) bool {
	if r.ignore == nil {
		return false
	}
	rel, err := filepath.Rel(r.path, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == RepoMarker || strings.HasPrefix(rel, RepoMarker+"/") {
		return false
	}
	if isDir {
		return r.ignore.MatchesPath(rel) || r.ignore.MatchesPath(rel+"/")
	}
	return r.ignore.MatchesPath(rel)
}

func loadIgnore(rootPath string) *ignore.GitIgnore {
	gi, err := ignore.CompileIgnoreFile(filepath.Join(rootPath, ".gitignore"))
	if err != nil {
		return nil
	}
	return gi
}

// attribute maps an absolute path to the most specific registered root and
// the path relative to it. Paths in a linked worktree's git directory are
// reported under ".git/".
func (w *Watcher) attribute(path string) (*root, string, bool) {
	var best *root
	bestLen := -1
	var rel string

	for _, r := range w.roots {
		if r.gitDir != "" && (path == r.gitDir || strings.HasPrefix(path, r.gitDir+string(filepath.Separator))) {
			sub, _ := filepath.Rel(r.gitDir, path)
			return r, filepath.ToSlash(filepath.Join(RepoMarker, sub)), true
		}
		if path != r.path && !strings.HasPrefix(path, r.path+string(filepath.Separator)) {
			continue
		}
		if len(r.path) > bestLen {
			best = r
			bestLen = len(r.path)
		}
	}
	if best == nil {
		return nil, "", false
	}
	rel, _ = filepath.Rel(best.path, path)
	return best, filepath.ToSlash(rel), true
}

func (w *Watcher) handleFS(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	r, rel, ok := w.attribute(path)
	if !ok {
		return
	}
	if !w.accept(r, path, rel) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			if r.kind == events.WatchParentFolder {
				depth := strings.Count(rel, "/") + 1
				if !IsRepo(path) && !strings.HasPrefix(filepath.Base(path), ".") {
					_ = w.addFolderTree(r, path, depth)
				}
			} else if rel != RepoMarker && !strings.HasPrefix(rel, RepoMarker+"/") {
				_ = w.addRepoTree(r, path)
			}
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		delete(w.dirs, path)
	}
	if rel == ".gitignore" && w.opts.RespectGitignore && r.kind == events.WatchDirectRepo {
		r.ignore = loadIgnore(r.path)
	}

	w.batcher.Add(r.worktreeID, []string{rel}, w.opts.Now())
	w.poke()
}

// accept filters out lock files in the git directory and ignored paths.
func (w *Watcher) accept(r *root, path, rel string) bool {
	if rel == "." {
		return false
	}
	if strings.HasPrefix(rel, RepoMarker+"/") {
		return !strings.HasSuffix(rel, ".lock")
	}
	return !w.ignored(r, path, false)
}

// FlushDue publishes a FilesChanged fact for every batch whose deadline has
// passed. Parent folders are rescanned as well.
func (w *Watcher) FlushDue() {
	type out struct {
		r     *root
		paths []string
		found []string
	}

	w.mu.Lock()
	flushes := w.batcher.Due(w.opts.Now())
	outs := make([]out, 0, len(flushes))
	for _, f := range flushes {
		r, ok := w.roots[f.WorktreeID]
		if !ok {
			continue
		}
		o := out{r: r, paths: f.Paths}
		if r.kind == events.WatchParentFolder {
			o.found = w.rescanLocked(r)
		}
		outs = append(outs, o)
	}
	w.mu.Unlock()

	for _, o := range outs {
		env := events.NewWorktree(events.SourceFilesystem, o.r.repoID, o.r.worktreeID, events.FilesChanged{Paths: o.paths})
		if _, err := w.bus.Publish(env); err != nil {
			w.log.Debug("publish files changed failed", "worktree", o.r.worktreeID, "error", err)
			return
		}
		w.publishNested(o.r, o.found)
	}
}

// Close releases the fsnotify watcher and the bus subscription. Run calls
// it on exit.
func (w *Watcher) Close() error {
	w.sub.Close()
	return w.fsw.Close()
}

// RootInfo describes a registered root.
type RootInfo struct {
	WorktreeID string           `json:"worktreeId"`
	RepoID     string           `json:"repoId"`
	Path       string           `json:"path"`
	Kind       events.WatchKind `json:"kind"`
	Failed     bool             `json:"failed"`
	Pending    bool             `json:"pending"`
}

// Roots returns the registered roots.
func (w *Watcher) Roots() []RootInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]RootInfo, 0, len(w.roots))
	for _, r := range w.roots {
		out = append(out, RootInfo{
			WorktreeID: r.worktreeID,
			RepoID:     r.repoID,
			Path:       r.path,
			Kind:       r.kind,
			Failed:     r.failed,
			Pending:    w.batcher.Pending(r.worktreeID),
		})
	}
	return out
}
