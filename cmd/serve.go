package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/runprogress/internal/app"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP.",
		Long: `serve exposes POST /v1/run, GET /v1/run and POST /v1/run/cancel together
with run history, health and Prometheus metrics endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return a.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}
