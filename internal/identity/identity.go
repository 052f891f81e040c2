// Package identity derives repository grouping identities from remote URLs.
// Everything here is pure so the coordinator and the forge worker always
// agree on how a remote is split into organization and name.
package identity

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/joescharf/forest/internal/models"
)

const (
	remotePrefix   = "remote:"
	localPrefix    = "local:"
	fallbackPrefix = "remote-raw:"
)

// Remote is a parsed remote URL.
type Remote struct {
	Host         string
	Organization string
	Name         string
}

// Slug returns "organization/name".
func (r Remote) Slug() string {
	return r.Organization + "/" + r.Name
}

// GroupKey returns the protocol-independent grouping key for the remote.
func (r Remote) GroupKey() string {
	return remotePrefix + strings.ToLower(r.Slug())
}

// scpLike matches the scp-style syntax git accepts, e.g. git@github.com:org/repo.git.
var scpLike = regexp.MustCompile(`^(?:([^@/\s]+)@)?([^:/\s]+):(.+)$`)

var schemes = map[string]bool{
	"ssh":     true,
	"git+ssh": true,
	"https":   true,
	"http":    true,
	"git":     true,
}

// ParseRemote splits a remote URL into host, organization and name.
// It accepts git@host:org/repo, ssh://[user@]host[:port]/org/repo,
// https://[user@]host/org/repo, http:// and git:// forms, with or without a
// trailing .git. Organizations may contain slashes (nested groups).
func ParseRemote(raw string) (Remote, bool) {
	host, path, ok := splitRemote(strings.TrimSpace(raw))
	if !ok {
		return Remote{}, false
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	path = strings.Trim(path, "/")
	if path == "" {
		return Remote{}, false
	}

	segments := strings.Split(path, "/")
	if len(segments) < 2 {
		return Remote{}, false
	}
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return Remote{}, false
		}
	}

	return Remote{
		Host:         strings.ToLower(host),
		Organization: strings.Join(segments[:len(segments)-1], "/"),
		Name:         segments[len(segments)-1],
	}, true
}

func splitRemote(s string) (host, path string, ok bool) {
	if s == "" {
		return "", "", false
	}

	if i := strings.Index(s, "://"); i > 0 {
		scheme := strings.ToLower(s[:i])
		if !schemes[scheme] {
			return "", "", false
		}
		u, err := url.Parse(s)
		if err == nil && u.Host != "" {
			return u.Hostname(), u.Path, true
		}
		// ssh://git@host:org/repo is not a valid URL but shows up in the wild.
		if m := scpLike.FindStringSubmatch(s[i+3:]); m != nil && !strings.HasPrefix(m[3], "/") {
			return m[2], m[3], true
		}
		return "", "", false
	}

	m := scpLike.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	// Without a user, require a dotted host so "c:repo" style paths are not remotes.
	if m[1] == "" && !strings.Contains(m[2], ".") {
		return "", "", false
	}
	return m[2], m[3], true
}

// Normalize returns the identity of a remote URL, or false when the URL is
// empty or cannot be parsed. All protocol variants of the same remote
// produce the same GroupKey.
func Normalize(raw string) (models.RepoIdentity, bool) {
	r, ok := ParseRemote(raw)
	if !ok {
		return models.RepoIdentity{}, false
	}
	slug := r.Slug()
	org := r.Organization
	return models.RepoIdentity{
		GroupKey:         r.GroupKey(),
		RemoteSlug:       &slug,
		OrganizationName: &org,
		DisplayName:      r.Name,
	}, true
}

// Local returns the synthesized identity of a repository without a remote.
func Local(repoName string) models.RepoIdentity {
	return models.RepoIdentity{
		GroupKey:    localPrefix + repoName,
		DisplayName: repoName,
	}
}

// Resolve always returns a usable identity: local for an empty origin, the
// normalized identity for a recognized remote, and a best-effort identity
// derived from the raw string otherwise.
func Resolve(repoName, origin string) models.RepoIdentity {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return Local(repoName)
	}
	if id, ok := Normalize(origin); ok {
		return id
	}
	return fallback(repoName, origin)
}

func fallback(repoName, origin string) models.RepoIdentity {
	key := strings.ToLower(origin)
	if i := strings.Index(key, "://"); i >= 0 {
		key = key[i+3:]
	}
	key = strings.Trim(key, "/")
	key = strings.TrimSuffix(key, ".git")
	key = strings.Trim(key, "/")
	if key == "" {
		key = strings.ToLower(origin)
	}

	display := origin
	if i := strings.LastIndexAny(strings.TrimRight(origin, "/"), "/:"); i >= 0 {
		display = strings.TrimRight(origin, "/")[i+1:]
	}
	display = strings.TrimSuffix(display, ".git")
	if display == "" {
		display = repoName
	}

	return models.RepoIdentity{
		GroupKey:    fallbackPrefix + key,
		DisplayName: display,
	}
}

// IsLocalKey reports whether a group key was synthesized for a local repository.
func IsLocalKey(groupKey string) bool {
	return strings.HasPrefix(groupKey, localPrefix)
}

// Slug splits a remote URL into the owner and repository name used by the
// forge. Nested groups are kept in owner.
func Slug(raw string) (owner, repo string, ok bool) {
	r, ok := ParseRemote(raw)
	if !ok {
		return "", "", false
	}
	return r.Organization, r.Name, true
}
