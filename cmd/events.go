package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/forest/internal/api"
	"github.com/joescharf/forest/internal/events"
)

var (
	eventsSources []string
	eventsJSON    bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail the event stream of the running workspace",
	Long: `Tail envelopes published on the workspace bus. Requires 'forest run'.

With --source, buffered history of those sources is replayed first:
  filesystem-watcher, git-projector, forge-worker, workspace-coordinator, intent`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return eventsRun(cmd.Context())
	},
}

func init() {
	eventsCmd.Flags().StringSliceVarP(&eventsSources, "source", "s", nil, "Replay and follow these sources only")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Print raw JSON envelopes")
	rootCmd.AddCommand(eventsCmd)
}

func eventsRun(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	rec, ok := daemonFile().Running()
	if !ok {
		return errors.New("forest is not running (start it with 'forest run')")
	}

	ctx, stop := signal.NotifyContext(parent, interruptSignals()...)
	defer stop()

	err := api.NewClient(rec.Port).Events(ctx, eventsSources, func(w events.Wire) error {
		if eventsJSON {
			return printJSONLine(w)
		}
		ui.Event(w)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	return nil
}
