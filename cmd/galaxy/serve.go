package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/galaxy/internal/logging"
	"github.com/michaelbrown/galaxy/internal/runner"
	"github.com/michaelbrown/galaxy/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Galaxy server",
	Long: `Start the Galaxy HTTP server with websocket and REST endpoints.

Clients connect to /ws to run code and exchange input and output. REST
endpoints live under /api. Static files are served from server.static_dir.

Examples:
  galaxy serve
  galaxy serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	langs, err := runner.LanguagesFor(cfg.Runner)
	if err != nil {
		return fmt.Errorf("loading languages: %w", err)
	}

	hub := server.NewHub(logger)
	sup := runner.NewSupervisor(runner.NewLauncher(langs, cfg.Runner, logger), hub, cfg.Runner, logger)
	srv := server.New(cfg.Server, sup, langs, hub, logger)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		sig := <-sigCh
		logger.Info("signal received", zap.String("signal", sig.String()))
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil {
		return err
	}
	<-stopped
	return nil
}
