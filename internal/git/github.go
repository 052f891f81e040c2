package git

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// PullRequest is an open pull request as reported by `gh pr list`.
type PullRequest struct {
	Number         int    `json:"number"`
	Title          string `json:"title"`
	Branch         string `json:"headRefName"`
	ReviewDecision string `json:"reviewDecision"`
	IsDraft        bool   `json:"isDraft"`
	URL            string `json:"url"`
}

// NeedsReview reports whether the pull request still awaits a review.
func (p PullRequest) NeedsReview() bool {
	return !p.IsDraft && p.ReviewDecision == "REVIEW_REQUIRED"
}

// GitHubClient wraps the gh CLI for forge metadata.
type GitHubClient interface {
	OpenPullRequests(ctx context.Context, host, owner, repo string) ([]PullRequest, error)
}

// RealGitHubClient implements GitHubClient using the gh CLI. gh must be
// installed and authenticated.
type RealGitHubClient struct {
	// Limit caps the number of pull requests fetched per repository.
	Limit int
}

// NewGitHubClient returns a new RealGitHubClient.
func NewGitHubClient() *RealGitHubClient {
	return &RealGitHubClient{Limit: 200}
}

func ghCmd(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "gh", args...).Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RepoArg returns the --repo argument for gh. The host is omitted for
// github.com.
func RepoArg(host, owner, repo string) string {
	if host == "" || host == "github.com" {
		return fmt.Sprintf("%s/%s", owner, repo)
	}
	return fmt.Sprintf("%s/%s/%s", host, owner, repo)
}

func (c *RealGitHubClient) OpenPullRequests(ctx context.Context, host, owner, repo string) ([]PullRequest, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = 200
	}
	out, err := ghCmd(ctx, "pr", "list",
		"--repo", RepoArg(host, owner, repo),
		"--state", "open",
		"--limit", fmt.Sprint(limit),
		"--json", "number,title,headRefName,reviewDecision,isDraft,url",
	)
	if err != nil {
		return nil, err
	}
	return ParsePullRequests(out)
}

// ParsePullRequests decodes the JSON printed by `gh pr list --json`.
func ParsePullRequests(out string) ([]PullRequest, error) {
	if out == "" {
		return nil, nil
	}
	var prs []PullRequest
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PRs: %w", err)
	}
	return prs, nil
}
