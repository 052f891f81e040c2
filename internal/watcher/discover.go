package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RepoMarker is the directory (or file, for linked worktrees) that marks a
// repository root.
const RepoMarker = ".git"

// skipDirs are never descended into while discovering or watching.
var skipDirs = map[string]bool{
	"node_modules": true,
	".hg":          true,
	".svn":         true,
}

// IsRepo reports whether dir contains a repository marker.
func IsRepo(dir string) bool {
	_, err := os.Lstat(filepath.Join(dir, RepoMarker))
	return err == nil
}

// IsLinkedWorktree reports whether dir is a linked worktree: its .git is a
// file pointing into another repository's git directory.
func IsLinkedWorktree(dir string) bool {
	return linkedGitDir(dir) != ""
}

// Discover returns the repository roots below root, searching at most
// depth levels. Descent stops at a repository root: nothing inside a
// repository is reported. Linked worktrees stop descent too but are not
// reported, since they belong to their main repository. root itself is
// never reported. Unreadable directories are skipped.
func Discover(root string, depth int) ([]string, error) {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New(root + " is not a directory")
	}

	var found []string
	var walk func(dir string, level int)
	walk = func(dir string, level int) {
		if level > depth {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
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
				if !IsLinkedWorktree(child) {
					found = append(found, child)
				}
				continue
			}
			walk(child, level+1)
		}
	}
	walk(root, 1)

	sort.Strings(found)
	return found, nil
}

// linkedGitDir returns the git directory of a linked worktree, whose .git
// is a file of the form "gitdir: <path>". It returns "" for regular
// repositories.
func linkedGitDir(root string) string {
	marker := filepath.Join(root, RepoMarker)
	info, err := os.Lstat(marker)
	if err != nil || info.IsDir() {
		return ""
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(data))
	dir, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return ""
	}
	dir = strings.TrimSpace(dir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	return filepath.Clean(dir)
}
