package store

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/state"
)

// Current schema versions. Bump a version and add a migration when a
// tier's layout changes.
const (
	CanonicalVersion   = 2
	CacheVersion       = 1
	PreferencesVersion = 1
)

var currentVersion = map[Tier]int{
	TierCanonical:   CanonicalVersion,
	TierCache:       CacheVersion,
	TierPreferences: PreferencesVersion,
}

// migration upgrades a decoded document from version n to n+1 in place.
type migration func(doc map[string]any) error

var migrations = map[Tier]map[int]migration{
	TierCanonical: {
		// Version 1 predates folders: every repository was a direct repo.
		1: func(doc map[string]any) error {
			repos, _ := doc["repos"].([]any)
			for _, r := range repos {
				repo, ok := r.(map[string]any)
				if !ok {
					return fmt.Errorf("repo entry is %T", r)
				}
				if _, has := repo["kind"]; !has {
					repo["kind"] = string(models.RepoKindRepo)
				}
			}
			return nil
		},
	},
}

//go:embed schemas/*.json
var schemasFS embed.FS

var (
	schemaOnce sync.Once
	schemas    map[Tier]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() (map[Tier]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[Tier]*jsonschema.Schema, len(Tiers))
		for _, tier := range Tiers {
			name := "schemas/" + string(tier) + ".json"
			raw, err := schemasFS.ReadFile(name)
			if err != nil {
				schemaErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("parse schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(name, doc); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
			sch, err := c.Compile(name)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[tier] = sch
		}
		schemas = out
	})
	return schemas, schemaErr
}

type header struct {
	SchemaVersion int       `json:"schemaVersion"`
	Tier          Tier      `json:"tier"`
	SavedAt       time.Time `json:"savedAt"`
}

func peekHeader(data []byte) (int, Tier) {
	var h header
	_ = json.Unmarshal(data, &h)
	return h.SchemaVersion, h.Tier
}

// upgrade validates data against the tier schema and migrates it to the
// current version. The result is ready to unmarshal into the tier's file
// type.
func upgrade(tier Tier, data []byte) ([]byte, error) {
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, tier, err)
	}
	if err := compiled[tier].Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, tier, err)
	}

	version, _ := peekHeader(data)
	current := currentVersion[tier]
	if version > current {
		return nil, fmt.Errorf("%w: %s snapshot is version %d, this build reads up to %d", ErrUnsupportedVersion, tier, version, current)
	}
	if version == current {
		return data, nil
	}

	doc, ok := inst.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not an object", ErrCorruptSnapshot, tier)
	}
	for v := version; v < current; v++ {
		m, ok := migrations[tier][v]
		if !ok {
			return nil, fmt.Errorf("%w: %s: no migration from version %d", ErrUnsupportedVersion, tier, v)
		}
		if err := m(doc); err != nil {
			return nil, fmt.Errorf("%w: %s: migrate from version %d: %v", ErrCorruptSnapshot, tier, v, err)
		}
	}
	doc["schemaVersion"] = current
	return json.Marshal(doc)
}

type canonicalFile struct {
	header
	Repos     []models.CanonicalRepo     `json:"repos"`
	Worktrees []models.CanonicalWorktree `json:"worktrees"`
}

type cacheFile struct {
	header
	Repos     []models.RepoEnrichment     `json:"repos"`
	Worktrees []models.WorktreeEnrichment `json:"worktrees"`
	Forge     []models.ForgeStatus        `json:"forge"`
}

type preferencesFile struct {
	header
	Preferences state.Preferences `json:"preferences"`
}

func newHeader(tier Tier, now time.Time) header {
	return header{SchemaVersion: currentVersion[tier], Tier: tier, SavedAt: now.UTC()}
}

// EncodeCanonical serializes the canonical tier with entities sorted by id.
func EncodeCanonical(c state.Canonical, now time.Time) ([]byte, error) {
	f := canonicalFile{
		header:    newHeader(TierCanonical, now),
		Repos:     make([]models.CanonicalRepo, 0, len(c.Repos)),
		Worktrees: make([]models.CanonicalWorktree, 0, len(c.Worktrees)),
	}
	for _, r := range c.Repos {
		f.Repos = append(f.Repos, r)
	}
	for _, w := range c.Worktrees {
		f.Worktrees = append(f.Worktrees, w)
	}
	sort.Slice(f.Repos, func(i, j int) bool { return f.Repos[i].ID < f.Repos[j].ID })
	sort.Slice(f.Worktrees, func(i, j int) bool { return f.Worktrees[i].ID < f.Worktrees[j].ID })
	return json.MarshalIndent(f, "", "  ")
}

// DecodeCanonical parses a canonical snapshot.
func DecodeCanonical(data []byte) (state.Canonical, error) {
	data, err := upgrade(TierCanonical, data)
	if err != nil {
		return state.Canonical{}, err
	}
	var f canonicalFile
	if err := json.Unmarshal(data, &f); err != nil {
		return state.Canonical{}, fmt.Errorf("%w: canonical: %v", ErrCorruptSnapshot, err)
	}
	c := state.NewCanonical()
	for _, r := range f.Repos {
		c.Repos[r.ID] = r
	}
	for _, w := range f.Worktrees {
		c.Worktrees[w.ID] = w
	}
	return c, nil
}

// EncodeCache serializes the cache tier.
func EncodeCache(c state.Cache, now time.Time) ([]byte, error) {
	f := cacheFile{
		header:    newHeader(TierCache, now),
		Repos:     make([]models.RepoEnrichment, 0, len(c.Repos)),
		Worktrees: make([]models.WorktreeEnrichment, 0, len(c.Worktrees)),
		Forge:     make([]models.ForgeStatus, 0, len(c.Forge)),
	}
	for _, r := range c.Repos {
		f.Repos = append(f.Repos, r)
	}
	for _, w := range c.Worktrees {
		f.Worktrees = append(f.Worktrees, w)
	}
	for _, fs := range c.Forge {
		f.Forge = append(f.Forge, fs)
	}
	sort.Slice(f.Repos, func(i, j int) bool { return f.Repos[i].RepoID < f.Repos[j].RepoID })
	sort.Slice(f.Worktrees, func(i, j int) bool { return f.Worktrees[i].WorktreeID < f.Worktrees[j].WorktreeID })
	sort.Slice(f.Forge, func(i, j int) bool { return f.Forge[i].RepoID < f.Forge[j].RepoID })
	return json.Marshal(f)
}

// DecodeCache parses a cache snapshot.
func DecodeCache(data []byte) (state.Cache, error) {
	data, err := upgrade(TierCache, data)
	if err != nil {
		return state.Cache{}, err
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return state.Cache{}, fmt.Errorf("%w: cache: %v", ErrCorruptSnapshot, err)
	}
	c := state.NewCache()
	for _, r := range f.Repos {
		c.Repos[r.RepoID] = r
	}
	for _, w := range f.Worktrees {
		c.Worktrees[w.WorktreeID] = w
	}
	for _, fs := range f.Forge {
		c.Forge[fs.RepoID] = fs
	}
	return c, nil
}

// EncodePreferences serializes the preferences tier.
func EncodePreferences(p state.Preferences, now time.Time) ([]byte, error) {
	return json.MarshalIndent(preferencesFile{header: newHeader(TierPreferences, now), Preferences: p}, "", "  ")
}

// DecodePreferences parses a preferences snapshot.
func DecodePreferences(data []byte) (state.Preferences, error) {
	data, err := upgrade(TierPreferences, data)
	if err != nil {
		return state.Preferences{}, err
	}
	var f preferencesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return state.Preferences{}, fmt.Errorf("%w: preferences: %v", ErrCorruptSnapshot, err)
	}
	return f.Preferences, nil
}
