package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [repo]",
	Short: "Show the status dashboard",
	Long: `Show repositories grouped by their normalized remote, so clones of the same
project appear together, followed by every tracked repository.

With a repository argument, shows detailed status for that repository.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return repoShowRun(cmd.Context(), args[0])
		}
		return statusRun(cmd.Context())
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(statusCmd)
}

func statusRun(ctx context.Context) error {
	return withBackend(ctx, func(ctx context.Context, b backend) error {
		groups, err := b.Status(ctx)
		if err != nil {
			return err
		}
		views, err := b.ListRepos(ctx, false)
		if err != nil {
			return err
		}
		if statusJSON {
			return printJSON(map[string]any{"groups": groups, "repos": views})
		}
		if len(views) == 0 {
			ui.Info("No repositories tracked. Use 'forest repo add <path>' to get started.")
			return nil
		}
		if len(groups) > 0 {
			if err := ui.GroupTable(groups); err != nil {
				return err
			}
			fmt.Fprintln(ui.Out)
		}
		return ui.RepoTable(views)
	})
}
