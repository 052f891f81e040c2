package models

import "fmt"

// StatusSummary condenses `git status` for one worktree. It is comparable
// with == so projectors can diff it cheaply.
type StatusSummary struct {
	Staged      int  `json:"staged"`
	Modified    int  `json:"modified"`
	Untracked   int  `json:"untracked"`
	Conflicted  int  `json:"conflicted"`
	Ahead       int  `json:"ahead"`
	Behind      int  `json:"behind"`
	HasUpstream bool `json:"hasUpstream"`
}

// Dirty reports whether the worktree has uncommitted or untracked changes.
func (s StatusSummary) Dirty() bool {
	return s.Staged+s.Modified+s.Untracked+s.Conflicted > 0
}

// String renders a compact form like "clean" or "+2 ~1 ?3 ↑1".
func (s StatusSummary) String() string {
	out := ""
	add := func(format string, n int) {
		if n == 0 {
			return
		}
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf(format, n)
	}
	add("+%d", s.Staged)
	add("~%d", s.Modified)
	add("?%d", s.Untracked)
	add("!%d", s.Conflicted)
	add("↑%d", s.Ahead)
	add("↓%d", s.Behind)
	if out == "" {
		return "clean"
	}
	return out
}
