package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/joescharf/forest/internal/events"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/workspace"
)

// ErrNotFound is returned by the client for 404 responses.
var ErrNotFound = errors.New("not found")

// Client talks to a running forest daemon.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the daemon listening on port.
func NewClient(port int) *Client {
	return &Client{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", msg, ErrNotFound)
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// ListRepos returns every tracked repository, including orphaned ones when
// all is set.
func (c *Client) ListRepos(ctx context.Context, all bool) ([]workspace.RepoView, error) {
	path := "/api/v1/repos"
	if all {
		path += "?all=true"
	}
	var out []workspace.RepoView
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetRepo returns one repository.
func (c *Client) GetRepo(ctx context.Context, id string) (workspace.RepoView, error) {
	var out workspace.RepoView
	err := c.do(ctx, http.MethodGet, "/api/v1/repos/"+url.PathEscape(id), nil, &out)
	return out, err
}

// AddRepo tracks path.
func (c *Client) AddRepo(ctx context.Context, path string) (workspace.RepoView, error) {
	var out workspace.RepoView
	err := c.do(ctx, http.MethodPost, "/api/v1/repos", pathRequest{Path: path}, &out)
	return out, err
}

// RemoveRepo stops tracking a repository.
func (c *Client) RemoveRepo(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/repos/"+url.PathEscape(id), nil, nil)
}

// Refresh requests an immediate recompute of a repository.
func (c *Client) Refresh(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/repos/"+url.PathEscape(id)+"/refresh", nil, nil)
}

// Relocate points a repository at a new path.
func (c *Client) Relocate(ctx context.Context, id, path string) (workspace.RepoView, error) {
	var out workspace.RepoView
	err := c.do(ctx, http.MethodPost, "/api/v1/repos/"+url.PathEscape(id)+"/relocate", pathRequest{Path: path}, &out)
	return out, err
}

// SetActivity marks a worktree as in the foreground or background.
func (c *Client) SetActivity(ctx context.Context, worktreeID string, foreground bool) error {
	body := map[string]bool{"foreground": foreground}
	return c.do(ctx, http.MethodPut, "/api/v1/worktrees/"+url.PathEscape(worktreeID)+"/activity", body, nil)
}

// Status returns repositories grouped by identity.
func (c *Client) Status(ctx context.Context) ([]workspace.Group, error) {
	var out []workspace.Group
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

// Cache returns the cache tier.
func (c *Client) Cache(ctx context.Context) (workspace.CacheView, error) {
	var out workspace.CacheView
	err := c.do(ctx, http.MethodGet, "/api/v1/cache", nil, &out)
	return out, err
}

// Stats returns bus and watcher statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &out)
	return out, err
}

// Preferences returns the preferences tier.
func (c *Client) Preferences(ctx context.Context) (state.Preferences, error) {
	var out state.Preferences
	err := c.do(ctx, http.MethodGet, "/api/v1/preferences", nil, &out)
	return out, err
}

// SetPreferences replaces the preferences tier.
func (c *Client) SetPreferences(ctx context.Context, p state.Preferences) (state.Preferences, error) {
	var out state.Preferences
	err := c.do(ctx, http.MethodPut, "/api/v1/preferences", p, &out)
	return out, err
}

// Events streams envelopes until ctx is done, the server goes away or fn
// returns an error.
func (c *Client) Events(ctx context.Context, sources []string, fn func(events.Wire) error) error {
	u := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/api/v1/events"
	if len(sources) > 0 {
		q := url.Values{}
		for _, s := range sources {
			q.Add("source", s)
		}
		u += "?" + q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	for {
		var msg events.Wire
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusGoingAway || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(msg); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}
