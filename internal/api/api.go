// Package api serves the workspace over HTTP and streams bus envelopes
// over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/joescharf/forest/internal/events"
	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/watcher"
	"github.com/joescharf/forest/internal/workspace"
)

// Workspace is the subset of *workspace.Workspace the API needs.
type Workspace interface {
	Canonical() *state.CanonicalStore
	Cache() *state.CacheStore
	Preferences() *state.PrefsStore
	Bus() *events.Bus
	Roots() []watcher.RootInfo
	ForgeScopes() []string
	AddRepository(ctx context.Context, path string) (models.CanonicalRepo, error)
	RemoveRepository(ctx context.Context, repoID string) error
	RelocateRepository(ctx context.Context, repoID, path string) (models.CanonicalRepo, error)
	RequestRefresh(ctx context.Context, repoID string) error
	SetActivity(ctx context.Context, worktreeID string, foreground bool) error
	UpdatePreferences(fn func(*state.Preferences)) state.Preferences
}

// Server provides the REST API handlers.
type Server struct {
	ws  Workspace
	log *slog.Logger
}

// NewServer creates a new API server.
func NewServer(ws Workspace, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ws: ws, log: logger.With("component", "api")}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/repos", s.listRepos)
	mux.HandleFunc("POST /api/v1/repos", s.addRepo)
	mux.HandleFunc("GET /api/v1/repos/{id}", s.getRepo)
	mux.HandleFunc("DELETE /api/v1/repos/{id}", s.removeRepo)
	mux.HandleFunc("POST /api/v1/repos/{id}/refresh", s.refreshRepo)
	mux.HandleFunc("POST /api/v1/repos/{id}/relocate", s.relocateRepo)

	mux.HandleFunc("PUT /api/v1/worktrees/{id}/activity", s.setActivity)

	mux.HandleFunc("GET /api/v1/cache", s.getCache)
	mux.HandleFunc("GET /api/v1/status", s.statusOverview)
	mux.HandleFunc("GET /api/v1/stats", s.stats)

	mux.HandleFunc("GET /api/v1/preferences", s.getPreferences)
	mux.HandleFunc("PUT /api/v1/preferences", s.putPreferences)

	mux.HandleFunc("GET /api/v1/events", s.streamEvents)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeIntentError maps intent failures to a status code.
func writeIntentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, events.ErrBusClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// --- Repositories ---

type pathRequest struct {
	Path string `json:"path"`
}

func (s *Server) listRepos(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	views := workspace.RepoViews(s.ws.Canonical().Snapshot(), s.ws.Cache().Snapshot(), all)
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getRepo(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("id")
	c := s.ws.Canonical().Snapshot()
	repo, err := c.Repo(ref)
	if err != nil {
		repo, err = workspace.ResolveRepo(c, ref)
	}
	if err != nil {
		writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspace.BuildRepoView(c, s.ws.Cache().Snapshot(), repo))
}

func (s *Server) addRepo(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	repo, err := s.ws.AddRepository(r.Context(), req.Path)
	if err != nil {
		writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, workspace.BuildRepoView(s.ws.Canonical().Snapshot(), s.ws.Cache().Snapshot(), repo))
}

func (s *Server) removeRepo(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.RemoveRepository(r.Context(), r.PathValue("id")); err != nil {
		writeIntentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshRepo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ws.RequestRefresh(r.Context(), id); err != nil {
		writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested", "repoId": id})
}

func (s *Server) relocateRepo(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	repo, err := s.ws.RelocateRepository(r.Context(), r.PathValue("id"), req.Path)
	if err != nil {
		writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspace.BuildRepoView(s.ws.Canonical().Snapshot(), s.ws.Cache().Snapshot(), repo))
}

func (s *Server) setActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Foreground bool `json:"foreground"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.ws.SetActivity(r.Context(), r.PathValue("id"), req.Foreground); err != nil {
		writeIntentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Derived state ---

func (s *Server) getCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, workspace.NewCacheView(s.ws.Cache().Snapshot()))
}

func (s *Server) statusOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, workspace.Groups(s.ws.Canonical().Snapshot(), s.ws.Cache().Snapshot()))
}

// Stats is the body of GET /api/v1/stats.
type Stats struct {
	Bus              events.Stats       `json:"bus"`
	Roots            []watcher.RootInfo `json:"roots"`
	ForgeScopes      []string           `json:"forgeScopes"`
	CanonicalVersion uint64             `json:"canonicalVersion"`
	CacheVersion     uint64             `json:"cacheVersion"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Stats{
		Bus:              s.ws.Bus().Stats(),
		Roots:            s.ws.Roots(),
		ForgeScopes:      s.ws.ForgeScopes(),
		CanonicalVersion: s.ws.Canonical().Version(),
		CacheVersion:     s.ws.Cache().Version(),
	})
}

// --- Preferences ---

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ws.Preferences().Snapshot())
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) {
	var next state.Preferences
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	prefs := s.ws.UpdatePreferences(func(p *state.Preferences) { *p = next })
	writeJSON(w, http.StatusOK, prefs)
}

// --- Event stream ---

// streamEvents upgrades to a websocket and writes one events.Wire per
// envelope: buffered history of the requested sources first, then live
// envelopes. Without a source filter only live envelopes are sent.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	var sources []events.Source
	for _, src := range r.URL.Query()["source"] {
		sources = append(sources, events.Source(src))
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := s.ws.Bus().Subscribe(sources...)
	defer sub.Close()

	// The client never sends; CloseRead notices when it goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		env, ok := sub.Next(ctx)
		if !ok {
			if ctx.Err() == nil {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
			}
			return
		}
		msg, err := events.ToWire(env)
		if err != nil {
			s.log.Warn("encode envelope failed", "kind", env.Kind(), "error", err)
			continue
		}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			s.log.Debug("event stream ended", "error", err)
			return
		}
	}
}
