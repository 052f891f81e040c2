package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/forest/internal/models"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/workspace"
)

// Workspace is the subset of *workspace.Workspace the tools need.
type Workspace interface {
	Canonical() *state.CanonicalStore
	Cache() *state.CacheStore
	AddRepository(ctx context.Context, path string) (models.CanonicalRepo, error)
	RequestRefresh(ctx context.Context, repoID string) error
}

// Server exposes a running workspace as MCP tools.
type Server struct {
	ws      Workspace
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(ws Workspace, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{ws: ws, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("forest", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listReposTool())
	srv.AddTool(s.repoStatusTool())
	srv.AddTool(s.listGroupsTool())
	srv.AddTool(s.addRepoTool())
	srv.AddTool(s.refreshTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// forest_list_repos
func (s *Server) listReposTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forest_list_repos",
		mcp.WithDescription("List tracked repositories and folders with their worktrees, branches, working-tree status and pull-request counts."),
		mcp.WithString("group", mcp.Description("Only repositories whose identity group key or display name matches")),
		mcp.WithBoolean("all", mcp.Description("Include orphaned repositories")),
	)
	return tool, s.handleListRepos
}

func (s *Server) handleListRepos(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := request.GetString("group", "")
	all := request.GetBool("all", false)

	views := workspace.RepoViews(s.ws.Canonical().Snapshot(), s.ws.Cache().Snapshot(), all)
	if group != "" {
		filtered := views[:0]
		for _, v := range views {
			if matchesGroup(v, group) {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	return jsonResult(views)
}

func matchesGroup(v workspace.RepoView, group string) bool {
	if v.Enrichment == nil {
		return false
	}
	id := v.Enrichment.Identity
	return v.GroupKey() == group || strings.EqualFold(id.DisplayName, group)
}

// forest_repo_status
func (s *Server) repoStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forest_repo_status",
		mcp.WithDescription("Detailed status of one repository: identity, every worktree with branch and change counts, and forge state."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository id, id prefix, name or path")),
	)
	return tool, s.handleRepoStatus
}

func (s *Server) handleRepoStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError("repo parameter is required"), nil
	}
	c := s.ws.Canonical().Snapshot()
	repo, err := workspace.ResolveRepo(c, ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(workspace.BuildRepoView(c, s.ws.Cache().Snapshot(), repo))
}

// forest_list_groups
func (s *Server) listGroupsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forest_list_groups",
		mcp.WithDescription("List repositories grouped by normalized remote identity, so clones of the same project appear together."),
	)
	return tool, s.handleListGroups
}

func (s *Server) handleListGroups(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(workspace.Groups(s.ws.Canonical().Snapshot(), s.ws.Cache().Snapshot()))
}

// forest_add_repo
func (s *Server) addRepoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forest_add_repo",
		mcp.WithDescription("Start tracking a repository or a folder of repositories."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the repository or folder")),
	)
	return tool, s.handleAddRepo
}

func (s *Server) handleAddRepo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path parameter is required"), nil
	}
	repo, err := s.ws.AddRepository(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add %s: %v", path, err)), nil
	}
	return jsonResult(workspace.BuildRepoView(s.ws.Canonical().Snapshot(), s.ws.Cache().Snapshot(), repo))
}

// forest_refresh
func (s *Server) refreshTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forest_refresh",
		mcp.WithDescription("Recompute git status and re-poll the forge for one repository. Returns immediately; results arrive asynchronously."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository id, id prefix, name or path")),
	)
	return tool, s.handleRefresh
}

func (s *Server) handleRefresh(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError("repo parameter is required"), nil
	}
	repo, err := workspace.ResolveRepo(s.ws.Canonical().Snapshot(), ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.ws.RequestRefresh(ctx, repo.ID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("refresh %s: %v", repo.Name, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Refresh requested for %s (%s)", repo.Name, repo.ID)), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
