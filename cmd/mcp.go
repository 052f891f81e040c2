package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joescharf/forest/internal/mcp"
	"github.com/joescharf/forest/internal/workspace"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio, running the
workspace in-process. Configure an MCP client with:

  {
    "mcpServers": {
      "forest": { "command": "forest", "args": ["mcp"] }
    }
  }

Available tools: forest_list_repos, forest_repo_status, forest_list_groups,
forest_add_repo, forest_refresh`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if rec, ok := daemonFile().Running(); ok {
		ui.Warning("forest is already running (pid %d); the MCP server needs exclusive access to the state", rec.PID)
		ui.Warning("stop it with 'forest run stop' first")
		return nil
	}

	// stdout carries the protocol, so nothing else may write to it.
	ui.Out = ui.ErrOut

	ws, err := workspace.New(ctx, workspaceConfig(), workspace.Deps{})
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- ws.Run(runCtx) }()

	serveErr := mcp.NewServer(ws, buildVersion).ServeStdio(runCtx)
	cancel()
	if err := <-done; err != nil && serveErr == nil {
		serveErr = err
	}
	if serveErr != nil && ctx.Err() == nil && runCtx.Err() == nil {
		return serveErr
	}
	return nil
}
