package models

import "time"

// RawRepoOrigin holds the unprocessed remote URLs of a repository.
// A nil field means the remote is not configured.
type RawRepoOrigin struct {
	Origin   *string `json:"origin"`
	Upstream *string `json:"upstream"`
}

// RepoIdentity is the grouping identity derived from an origin URL.
type RepoIdentity struct {
	GroupKey         string  `json:"groupKey"`
	RemoteSlug       *string `json:"remoteSlug"`
	OrganizationName *string `json:"organizationName"`
	DisplayName      string  `json:"displayName"`
}

// EnrichmentState discriminates RepoEnrichment variants.
type EnrichmentState string

const (
	EnrichmentUnresolved EnrichmentState = "unresolved"
	EnrichmentResolved   EnrichmentState = "resolved"
)

// RepoEnrichment is either Unresolved (origin not yet discovered) or
// Resolved. Raw and Identity are only set when Resolved.
type RepoEnrichment struct {
	RepoID    string          `json:"repoId"`
	State     EnrichmentState `json:"state"`
	Raw       *RawRepoOrigin  `json:"raw,omitempty"`
	Identity  *RepoIdentity   `json:"identity,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
}

// Unresolved returns the enrichment of a repository whose origin has not
// been probed yet.
func Unresolved(repoID string) RepoEnrichment {
	return RepoEnrichment{RepoID: repoID, State: EnrichmentUnresolved}
}

// Resolved returns the enrichment of a repository whose origin is known.
// raw.Origin == nil marks a local-only repository.
func Resolved(repoID string, raw RawRepoOrigin, identity RepoIdentity, updatedAt time.Time) RepoEnrichment {
	t := updatedAt.UTC()
	return RepoEnrichment{
		RepoID:    repoID,
		State:     EnrichmentResolved,
		Raw:       &raw,
		Identity:  &identity,
		UpdatedAt: &t,
	}
}

// IsResolved reports whether the origin has been discovered.
func (e RepoEnrichment) IsResolved() bool {
	return e.State == EnrichmentResolved && e.Raw != nil && e.Identity != nil
}

// IsLocal reports whether the repository is resolved without a remote.
func (e RepoEnrichment) IsLocal() bool {
	return e.IsResolved() && e.Raw.Origin == nil
}

// WorktreeEnrichment is the derived git and forge state of one worktree.
type WorktreeEnrichment struct {
	WorktreeID       string        `json:"worktreeId"`
	RepoID           string        `json:"repoId"`
	Branch           string        `json:"branch"`
	Status           StatusSummary `json:"statusSummary"`
	OpenPullRequests *int          `json:"openPullRequests,omitempty"`
	ReviewRequests   *int          `json:"reviewRequests,omitempty"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// ForgeStatus is the last forge result for a repository.
type ForgeStatus struct {
	RepoID          string         `json:"repoId"`
	CountsByBranch  map[string]int `json:"countsByBranch"`
	ReviewsByBranch map[string]int `json:"reviewsByBranch,omitempty"`
	UpdatedAt       *time.Time     `json:"updatedAt,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	FailedAt        *time.Time     `json:"failedAt,omitempty"`
}

// Stale reports whether the last refresh failed after (or without) a success.
func (f ForgeStatus) Stale() bool {
	if f.FailedAt == nil {
		return false
	}
	return f.UpdatedAt == nil || f.FailedAt.After(*f.UpdatedAt)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }
