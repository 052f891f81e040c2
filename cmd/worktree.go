package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/forest/internal/output"
	"github.com/joescharf/forest/internal/state"
	"github.com/joescharf/forest/internal/workspace"
)

var worktreeBackground bool

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Inspect tracked worktrees",
	Long:    "List the worktrees of tracked repositories and mark the one you are working in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd.Context(), "")
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list [repo]",
	Aliases: []string{"ls"},
	Short:   "List worktrees of one or all repositories",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ref string
		if len(args) > 0 {
			ref = args[0]
		}
		return worktreeListRun(cmd.Context(), ref)
	},
}

var worktreeFocusCmd = &cobra.Command{
	Use:   "focus <worktree>",
	Short: "Mark a worktree as the one in the foreground",
	Long: `Mark a worktree as in the foreground (or background with --off). The
argument is a worktree id, id prefix or path.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeFocusRun(cmd.Context(), args[0])
	},
}

func init() {
	worktreeFocusCmd.Flags().BoolVar(&worktreeBackground, "off", false, "Mark as background instead")

	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeFocusCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func worktreeListRun(ctx context.Context, ref string) error {
	return withBackend(ctx, func(ctx context.Context, b backend) error {
		var views []workspace.RepoView
		if ref != "" {
			v, err := b.GetRepo(ctx, ref)
			if err != nil {
				return err
			}
			views = []workspace.RepoView{v}
		} else {
			all, err := b.ListRepos(ctx, false)
			if err != nil {
				return err
			}
			views = all
		}

		table := ui.Table([]string{"Repo", "Worktree", "Branch", "Status", "PRs", "Path"})
		rows := 0
		for _, v := range views {
			for _, wt := range v.Worktrees {
				if wt.RepoID != v.ID {
					continue
				}
				name := wt.Name
				if wt.IsMain {
					name += " (main)"
				}
				branch, status := "-", "-"
				var prs *int
				if e := wt.Enrichment; e != nil {
					branch = e.Branch
					status = output.StatusColor(e.Status)
					prs = e.OpenPullRequests
				}
				_ = table.Append([]string{
					output.Cyan(v.Name),
					name,
					branch,
					status,
					output.CountColor(prs),
					wt.Path,
				})
				rows++
			}
		}
		if rows == 0 {
			ui.Info("No worktrees tracked.")
			return nil
		}
		return table.Render()
	})
}

// findWorktree matches a worktree by id, unique id prefix or path.
func findWorktree(views []workspace.RepoView, ref string) (workspace.WorktreeView, error) {
	var matches []workspace.WorktreeView
	abs, _ := filepath.Abs(ref)
	upper := strings.ToUpper(ref)
	for _, v := range views {
		for _, wt := range v.Worktrees {
			if wt.ID == ref || filepath.Clean(wt.Path) == abs {
				return wt, nil
			}
			if strings.HasPrefix(wt.ID, upper) {
				matches = append(matches, wt)
			}
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return workspace.WorktreeView{}, fmt.Errorf("worktree %q: %w", ref, state.ErrNotFound)
	default:
		return workspace.WorktreeView{}, fmt.Errorf("worktree %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func worktreeFocusRun(ctx context.Context, ref string) error {
	return withBackend(ctx, func(ctx context.Context, b backend) error {
		views, err := b.ListRepos(ctx, false)
		if err != nil {
			return err
		}
		wt, err := findWorktree(views, ref)
		if err != nil {
			return err
		}
		foreground := !worktreeBackground
		if dryRun {
			ui.DryRunMsg("Would mark %s foreground=%t", wt.Path, foreground)
			return nil
		}
		if err := b.SetActivity(ctx, wt.ID, foreground); err != nil {
			return err
		}
		if foreground {
			ui.Success("%s is in the foreground", wt.Path)
		} else {
			ui.Success("%s is in the background", wt.Path)
		}
		return nil
	})
}
