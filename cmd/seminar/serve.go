package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"seminar/internal/app"
	"seminar/internal/config"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the classroom server",
		Long: `Serve the classroom API, the health check and the websocket endpoint.
Settings come from defaults, then the optional --config file (YAML or JSON),
then SEMINAR_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SEMINAR_CONFIG_FILE"), "config file")
	return cmd
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Telemetry.ServiceVersion = version

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	log.Printf("Seminar server stopped")
	return nil
}
