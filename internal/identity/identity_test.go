package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_ProtocolVariantsShareGroupKey(t *testing.T) {
	variants := []string{
		"git@github.com:org/repo.git",
		"git@github.com:org/repo",
		"ssh://git@github.com/org/repo.git",
		"ssh://git@github.com:22/org/repo",
		"ssh://git@github.com:org/repo.git",
		"https://github.com/org/repo",
		"https://github.com/org/repo.git",
		"https://github.com/org/repo/",
		"https://user@github.com/org/repo.git",
		"http://github.com/org/repo",
		"git://github.com/org/repo.git",
		"  https://github.com/Org/Repo.git  ",
	}

	for _, v := range variants {
		id, ok := Normalize(v)
		require.True(t, ok, "should parse %q", v)
		assert.Equal(t, "remote:org/repo", id.GroupKey, "variant %q", v)
	}
}

func TestNormalize_Fields(t *testing.T) {
	id, ok := Normalize("git@github.com:acme/widgets.git")
	require.True(t, ok)
	assert.Equal(t, "widgets", id.DisplayName)
	require.NotNil(t, id.OrganizationName)
	assert.Equal(t, "acme", *id.OrganizationName)
	require.NotNil(t, id.RemoteSlug)
	assert.Equal(t, "acme/widgets", *id.RemoteSlug)
}

func TestNormalize_NestedGroups(t *testing.T) {
	id, ok := Normalize("https://gitlab.com/group/sub/project.git")
	require.True(t, ok)
	assert.Equal(t, "remote:group/sub/project", id.GroupKey)
	assert.Equal(t, "project", id.DisplayName)
	assert.Equal(t, "group/sub", *id.OrganizationName)
}

func TestNormalize_Invalid(t *testing.T) {
	for _, v := range []string{
		"",
		"   ",
		"not-a-url",
		"https://github.com/",
		"https://github.com/onlyone",
		"ftp://github.com/org/repo",
		"/local/path/repo",
		"c:repo",
	} {
		_, ok := Normalize(v)
		assert.False(t, ok, "should reject %q", v)
	}
}

func TestParseRemote_Host(t *testing.T) {
	r, ok := ParseRemote("ssh://git@GitHub.example.com:2222/team/svc.git")
	require.True(t, ok)
	assert.Equal(t, "github.example.com", r.Host)
	assert.Equal(t, "team", r.Organization)
	assert.Equal(t, "svc", r.Name)
	assert.Equal(t, "team/svc", r.Slug())
}

func TestResolve_Local(t *testing.T) {
	id := Resolve("scratch", "")
	assert.Equal(t, "local:scratch", id.GroupKey)
	assert.Equal(t, "scratch", id.DisplayName)
	assert.Nil(t, id.RemoteSlug)
	assert.True(t, IsLocalKey(id.GroupKey))
}

func TestResolve_Remote(t *testing.T) {
	id := Resolve("whatever", "https://github.com/org/repo")
	assert.Equal(t, "remote:org/repo", id.GroupKey)
	assert.False(t, IsLocalKey(id.GroupKey))
}

func TestResolve_FallbackNeverEmpty(t *testing.T) {
	for _, origin := range []string{
		"/srv/git/project.git",
		"file:///srv/git/project.git",
		"weird-remote",
		"https://host/",
	} {
		id := Resolve("fallback", origin)
		assert.NotEmpty(t, id.GroupKey, "origin %q", origin)
		assert.NotEmpty(t, id.DisplayName, "origin %q", origin)
		assert.False(t, IsLocalKey(id.GroupKey))
	}

	id := Resolve("fallback", "/srv/git/project.git")
	assert.Equal(t, "remote-raw:srv/git/project", id.GroupKey)
	assert.Equal(t, "project", id.DisplayName)
}

func TestSlug(t *testing.T) {
	owner, repo, ok := Slug("git@github.com:joescharf/forest.git")
	require.True(t, ok)
	assert.Equal(t, "joescharf", owner)
	assert.Equal(t, "forest", repo)

	_, _, ok = Slug("not-a-url")
	assert.False(t, ok)
}
