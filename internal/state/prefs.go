package state

import "maps"

// Preferences is UI state persisted alongside the pipeline tiers. The
// pipeline never reads it.
type Preferences struct {
	CollapsedGroups  map[string]bool   `json:"collapsedGroups,omitempty"`
	HiddenRepos      map[string]bool   `json:"hiddenRepos,omitempty"`
	SelectedWorktree string            `json:"selectedWorktree,omitempty"`
	SortBy           string            `json:"sortBy,omitempty"`
	Settings         map[string]string `json:"settings,omitempty"`
}

// PrefsStore is the observable preferences tier.
type PrefsStore = Store[Preferences]

// Clone returns a deep copy.
func (p Preferences) Clone() Preferences {
	p.CollapsedGroups = maps.Clone(p.CollapsedGroups)
	p.HiddenRepos = maps.Clone(p.HiddenRepos)
	p.Settings = maps.Clone(p.Settings)
	return p
}

// NewPrefsStore returns a store seeded with initial.
func NewPrefsStore(initial Preferences) *PrefsStore {
	return newStore(initial, Preferences.Clone)
}
