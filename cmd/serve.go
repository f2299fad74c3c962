package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/docgen/internal/api"
	"github.com/joescharf/docgen/internal/daemon"
	"github.com/joescharf/docgen/internal/output"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference generation service",
	Long: `Run the reference generation service in the foreground.

The service implements the session API docgen talks to, persisting sessions
in SQLite and generating documents with Anthropic. Use 'docgen serve start'
to run it in the background.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the service in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background service is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8420, "port to listen on")
	_ = viper.BindPFlag("serve.port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd, serveStopCmd, serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

// stateFile returns the background service state file.
func stateFile() *daemon.StateFile {
	return daemon.NewStateFile(filepath.Join(viper.GetString("state_dir"), "serve.yaml"))
}

// serveLogPath returns where the background service writes its output.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "serve.log")
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	port := viper.GetInt("serve.port")

	gen, err := newLLMClient()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	reg, err := getKinds()
	if err != nil {
		return err
	}

	sf := stateFile()
	if err := sf.Acquire(port, os.Getenv("DOCGEN_SERVE_LOG")); err != nil {
		return err
	}
	defer func() { _ = sf.Remove() }()

	srv := api.NewServer(s, reg, gen,
		api.WithToken(viper.GetString("serve.token")),
		api.WithGenerationTimeout(viper.GetDuration("serve.generation_timeout")),
		api.WithLogger(slog.Default()),
	)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()
	ui.Success("Serving docgen API at http://localhost:%d/api/v1", port)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	ui.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func serveStartRun() error {
	sf := stateFile()
	if st, running := sf.IsRunning(); running {
		return fmt.Errorf("service already running (pid %d, port %d)", st.PID, st.Port)
	}

	port := viper.GetInt("serve.port")
	logPath := serveLogPath()
	if dryRun {
		ui.DryRunMsg("Would start service on port %d, logging to %s", port, logPath)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate docgen executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open service log: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve", "--port", strconv.Itoa(port)}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "DOCGEN_SERVE_LOG="+logPath)
	detach(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	ui.Success("Service started (pid %d, port %d)", pid, port)
	ui.Info("Logs: %s", logPath)
	return nil
}

func serveStopRun() error {
	sf := stateFile()
	st, running := sf.IsRunning()
	if !running {
		_ = sf.Remove()
		return fmt.Errorf("service not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop service (pid %d)", st.PID)
		return nil
	}

	if err := sf.Terminate(); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, running := sf.IsRunning(); !running {
			_ = sf.Remove()
			ui.Success("Service stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("Service did not exit, killing pid %d", st.PID)
	if err := sf.Kill(); err != nil {
		return fmt.Errorf("kill service: %w", err)
	}
	_ = sf.Remove()
	return nil
}

func serveStatusRun() error {
	st, running := stateFile().IsRunning()
	if !running {
		ui.Info("Service %s", output.Red("not running"))
		return nil
	}
	ui.Success("Service %s (pid %d, port %d, since %s)", output.Green("running"),
		st.PID, st.Port, st.StartedAt.Local().Format("2006-01-02 15:04"))
	if st.LogFile != "" {
		ui.Info("Logs: %s", st.LogFile)
	}
	return nil
}
