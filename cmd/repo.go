package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/forest/internal/watcher"
	"github.com/joescharf/forest/internal/workspace"
)

var (
	repoListAll  bool
	repoJSON     bool
	repoScanAdd  bool
	repoScanDeep int
)

var repoCmd = &cobra.Command{
	Use:     "repo",
	Aliases: []string{"repos"},
	Short:   "Manage tracked repositories",
	Long:    "Add, remove, list, show, refresh and relocate tracked repositories and folders.",
}

var repoAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Track a repository or a folder of repositories",
	Long: `Track a repository or a folder. A directory containing .git is tracked as a
repository with all its linked worktrees; any other directory is tracked as
a folder whose nested repositories are discovered and tracked too.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoAddRun(cmd.Context(), args[0])
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:     "remove <repo>",
	Aliases: []string{"rm"},
	Short:   "Stop tracking a repository",
	Long:    "Stop tracking a repository. Its id is kept so adding the same path again restores it.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoRemoveRun(cmd.Context(), args[0])
	},
}

var repoListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tracked repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoListRun(cmd.Context())
	},
}

var repoShowCmd = &cobra.Command{
	Use:   "show <repo>",
	Short: "Show a repository and its worktrees",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoShowRun(cmd.Context(), args[0])
	},
}

var repoRefreshCmd = &cobra.Command{
	Use:   "refresh [repo]",
	Short: "Recompute git status and re-poll the forge",
	Long:  "Recompute git status and re-poll the forge for one repository, or all of them.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) == 1 {
			ref = args[0]
		}
		return repoRefreshRun(cmd.Context(), ref)
	},
}

var repoRelocateCmd = &cobra.Command{
	Use:   "relocate <repo> <new-path>",
	Short: "Point a repository at its new location",
	Long:  "Point a moved repository at its new location, keeping its id and the ids of its worktrees.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoRelocateRun(cmd.Context(), args[0], args[1])
	},
}

var repoScanCmd = &cobra.Command{
	Use:   "scan <directory>",
	Short: "Discover git repositories below a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoScanRun(cmd.Context(), args[0])
	},
}

func init() {
	repoListCmd.Flags().BoolVarP(&repoListAll, "all", "a", false, "Include orphaned repositories")
	repoListCmd.Flags().BoolVar(&repoJSON, "json", false, "Print JSON")
	repoShowCmd.Flags().BoolVar(&repoJSON, "json", false, "Print JSON")
	repoScanCmd.Flags().BoolVar(&repoScanAdd, "add", false, "Track every discovered repository")
	repoScanCmd.Flags().IntVar(&repoScanDeep, "depth", 0, "Maximum directory depth (default watch.rescan_depth)")

	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoRemoveCmd)
	repoCmd.AddCommand(repoListCmd)
	repoCmd.AddCommand(repoShowCmd)
	repoCmd.AddCommand(repoRefreshCmd)
	repoCmd.AddCommand(repoRelocateCmd)
	repoCmd.AddCommand(repoScanCmd)
	rootCmd.AddCommand(repoCmd)
}

// withBackend opens a backend, runs fn and closes it.
func withBackend(ctx context.Context, fn func(ctx context.Context, b backend) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, b)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, string(data))
	return nil
}

// printJSONLine prints v as compact JSON on one line.
func printJSONLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, string(data))
	return nil
}

func repoAddRun(ctx context.Context, rawPath string) error {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if dryRun {
		ui.DryRunMsg("Would track %s", absPath)
		return nil
	}
	return withBackend(ctx, func(ctx context.Context, b backend) error {
		v, err := b.AddRepo(ctx, absPath)
		if err != nil {
			return err
		}
		ui.Success("Tracking %s %s (%s)", v.Kind, v.Name, v.ID)
		return nil
	})
}

func repoRemoveRun(ctx context.Context, ref string) error {
	return withBackend(ctx, func(ctx context.Context, b backend) error {
		v, err := b.GetRepo(ctx, ref)
		if err != nil {
			return err
		}
		if dryRun {
			ui.DryRunMsg("Would stop tracking %s (%s)", v.Name, v.ID)
			return nil
		}
		if err := b.RemoveRepo(ctx, v.ID); err != nil {
			return err
		}
		ui.Success("Stopped tracking %s", v.Name)
		return nil
	})
}

func repoListRun(ctx context.Context) error {
	return withBackend(ctx, func(ctx context.Context, b backend) error {
		views, err := b.ListRepos(ctx, repoListAll)
		if err != nil {
			return err
		}
		if repoJSON {
			return printJSON(views)
		}
		if len(views) == 0 {
			ui.Info("No repositories tracked. Use 'forest repo add <path>' to get started.")
			return nil
		}
		return ui.RepoTable(views)
	})
}

func repoShowRun(ctx context.Context, ref string) error {
	return withBackend(ctx, func(ctx context.Context, b backend) error {
		v, err := b.GetRepo(ctx, ref)
		if err != nil {
			return err
		}
		if repoJSON {
			return printJSON(v)
		}
		return ui.RepoDetail(v)
	})
}

func repoRefreshRun(ctx context.Context, ref string) error {
	return withBackend(ctx, func(ctx context.Context, b backend) error {
		var targets []workspace.RepoView
		if ref == "" {
			views, err := b.ListRepos(ctx, false)
			if err != nil {
				return err
			}
			targets = views
		} else {
			v, err := b.GetRepo(ctx, ref)
			if err != nil {
				return err
			}
			targets = []workspace.RepoView{v}
		}

		for _, v := range targets {
			if dryRun {
				ui.DryRunMsg("Would refresh %s", v.Name)
				continue
			}
			if err := b.Refresh(ctx, v.ID); err != nil {
				ui.Warning("Refresh %s: %v", v.Name, err)
				continue
			}
			ui.Success("Refresh requested for %s", v.Name)
		}
		return nil
	})
}

func repoRelocateRun(ctx context.Context, ref, rawPath string) error {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	return withBackend(ctx, func(ctx context.Context, b backend) error {
		v, err := b.GetRepo(ctx, ref)
		if err != nil {
			return err
		}
		if dryRun {
			ui.DryRunMsg("Would relocate %s from %s to %s", v.Name, v.Path, absPath)
			return nil
		}
		moved, err := b.Relocate(ctx, v.ID, absPath)
		if err != nil {
			return err
		}
		ui.Success("Relocated %s to %s", moved.Name, moved.Path)
		return nil
	})
}

func repoScanRun(ctx context.Context, dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	depth := repoScanDeep
	if depth <= 0 {
		depth = viper.GetInt("watch.rescan_depth")
	}

	found, err := watcher.Discover(absDir, depth)
	if err != nil {
		return fmt.Errorf("scan %s: %w", absDir, err)
	}
	if len(found) == 0 {
		ui.Info("No repositories found in %s", absDir)
		return nil
	}

	if !repoScanAdd || dryRun {
		table := ui.Table([]string{"Name", "Path"})
		for _, path := range found {
			_ = table.Append([]string{filepath.Base(path), path})
		}
		if err := table.Render(); err != nil {
			return err
		}
		if repoScanAdd {
			ui.DryRunMsg("Would track %d repositories", len(found))
		}
		return nil
	}

	return withBackend(ctx, func(ctx context.Context, b backend) error {
		added := 0
		for _, path := range found {
			v, err := b.AddRepo(ctx, path)
			if err != nil {
				ui.Warning("Add %s: %v", path, err)
				continue
			}
			ui.VerboseLog("Tracking %s (%s)", v.Name, v.ID)
			added++
		}
		ui.Success("Tracking %d of %d discovered repositories", added, len(found))
		return nil
	})
}
