package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"draftsman/internal/apply"
	"draftsman/internal/backend"
	"draftsman/internal/config"
	"draftsman/internal/logging"
	"draftsman/internal/server"
	"draftsman/internal/vcs"
	"draftsman/internal/watch"
	"draftsman/internal/workspace"
)

func main() {
	root := &cobra.Command{
		Use:   "draftsman",
		Short: "Local assistant server for proposing and applying project changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(serveCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var (
		workspaceDir string
		addr         string
		debug        bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API over a workspace directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(workspaceDir, addr, debug)
		},
	}
	cmd.Flags().StringVar(&workspaceDir, "workspace", ".", "workspace root directory")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8750", "listen address")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func serve(workspaceDir, addr string, debug bool) error {
	envResult := config.LoadEnv()
	if !debug {
		debug = config.EnvBool("DRAFTSMAN_DEBUG")
	}
	dataDir, err := config.DataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	logSetup, logErr := logging.NewFileLogger(dataDir, debug)
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "draftsman")
	if logSetup.Enabled {
		logger.Info("draftsman.logging_enabled", "path", logSetup.Path)
	}
	if envResult.Loaded {
		logger.Debug("draftsman.env_loaded", "path", envResult.Path, "keys", envResult.Keys)
	}
	if envResult.Err != nil {
		logger.Warn("draftsman.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if logErr != nil {
		logger.Warn("draftsman.log_setup_failed", "error", logErr.Error())
	}
	if logSetup.Close != nil {
		defer logSetup.Close()
	}

	ws, err := workspace.New(workspaceDir)
	if err != nil {
		logger.Error("draftsman.workspace_failed", "dir", workspaceDir, "error", err.Error())
		return fmt.Errorf("open workspace: %w", err)
	}
	trail := vcs.New(ws.Root(), logger)
	if err := trail.EnsureRepo(); err != nil {
		logger.Error("draftsman.trail_failed", "error", err.Error())
		return fmt.Errorf("version trail: %w", err)
	}
	coord := apply.NewCoordinator(ws, trail, logger)
	store := config.NewStore(filepath.Join(dataDir, "settings.json"))

	// Settings are re-read per request so a key added to .env or the
	// settings file takes effect without a restart.
	backends := func(profile string) (server.ModelClient, error) {
		if profile == "" {
			profile = config.ProfileHosted
		}
		settings, err := store.Load()
		if err != nil {
			return nil, err
		}
		return backend.New(settings, profile, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := watch.New(ws.Root(), logger)
	if err != nil {
		logger.Warn("draftsman.watch_failed", "error", err.Error())
		watcher = nil
	} else {
		go watcher.Run(ctx)
	}

	srv := server.New(ws, coord, trail, backends, watcher, logger)
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	logger.Info("draftsman.listening", "addr", addr, "workspace", ws.Root())
	log.Printf("draftsman listening on %s (workspace %s)", addr, ws.Root())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("draftsman.server_error", "error", err.Error())
		return err
	}
	return nil
}
