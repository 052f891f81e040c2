package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/forest/internal/api"
	"github.com/joescharf/forest/internal/daemon"
	"github.com/joescharf/forest/internal/workspace"
)

var (
	runDetach bool
	stopForce bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workspace and its API server",
	Long: `Run the watcher, git projector, forge worker and coordinator, and serve
the HTTP API and event stream on 127.0.0.1.

Runs in the foreground until interrupted. Use --detach to start it in the
background; its log goes to forest.log in the state directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runDetach {
			return runDetachRun()
		}
		return runForegroundRun(cmd.Context())
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background process is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatusRun()
	},
}

var runStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStopRun()
	},
}

func init() {
	runCmd.Flags().IntP("port", "p", 7420, "port to listen on")
	_ = viper.BindPFlag("server.port", runCmd.Flags().Lookup("port"))
	runCmd.Flags().BoolVarP(&runDetach, "detach", "d", false, "Start in the background")

	runStopCmd.Flags().BoolVar(&stopForce, "force", false, "Kill instead of asking to shut down")

	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runStopCmd)
	rootCmd.AddCommand(runCmd)
}

func runLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "forest.log")
}

func runForegroundRun(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, interruptSignals()...)
	defer stop()

	stateDir := viper.GetString("state_dir")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	port := viper.GetInt("server.port")
	df := daemon.NewFile(stateDir)
	if _, err := df.Claim(port, stateDir); err != nil {
		return err
	}
	defer func() { _ = df.Release() }()

	ws, err := workspace.New(ctx, workspaceConfig(), workspace.Deps{Logger: slog.Default()})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	srv := &http.Server{
		Handler:           api.NewServer(ws, slog.Default()).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wsErr := make(chan error, 1)
	go func() { wsErr <- ws.Run(runCtx) }()

	ui.Success("forest running on http://127.0.0.1:%d (pid %d)", port, os.Getpid())

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = err
	case err := <-wsErr:
		runErr = err
		wsErr = nil
	}

	ui.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	cancel()
	if wsErr != nil {
		if err := <-wsErr; err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func runDetachRun() error {
	if rec, ok := daemonFile().Running(); ok {
		return fmt.Errorf("forest already running (pid %d, port %d)", rec.PID, rec.Port)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	args := []string{"run", "--port", fmt.Sprintf("%d", viper.GetInt("server.port"))}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}

	if dryRun {
		ui.DryRunMsg("Would start: %s %v", exe, args)
		return nil
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(runLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	detach(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start background process: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("forest started in the background (pid %d)", child.Process.Pid)
	ui.Info("Log: %s", runLogPath())
	return nil
}

func runStatusRun() error {
	df := daemonFile()
	rec, ok := df.Running()
	if !ok {
		ui.Info("forest is not running")
		return nil
	}
	ui.Success("forest is running (pid %d, port %d, since %s)",
		rec.PID, rec.Port, rec.StartedAt.Local().Format(time.DateTime))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stats, err := api.NewClient(rec.Port).Stats(ctx)
	if err != nil {
		ui.Warning("API not reachable: %v", err)
		return nil
	}
	ui.Info("%d roots watched, %d forge scopes, %d subscribers",
		len(stats.Roots), len(stats.ForgeScopes), stats.Bus.Subscribers)
	return nil
}

func runStopRun() error {
	df := daemonFile()
	rec, ok := df.Running()
	if !ok {
		return errors.New("forest is not running")
	}

	sig := stopSignal(stopForce)
	if dryRun {
		ui.DryRunMsg("Would send %v to pid %d", sig, rec.PID)
		return nil
	}
	if err := df.Signal(sig); err != nil {
		return err
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, alive := df.Running(); !alive {
			ui.Success("forest stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pid %d did not stop; retry with --force", rec.PID)
}
