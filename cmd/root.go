// Package cmd holds the runprogress command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/config"
)

type configKeyType string

const configKey configKeyType = "config"

// loadConfig is a variable so tests can inject configuration without files.
var loadConfig = config.Load

// newRootCmd creates the root command and attaches every subcommand.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "runprogress",
		Short: "Run a background job and watch its progress.",
		Long: `runprogress drives a single background run made of fixed-size steps.
An observer samples progress on a schedule and settles the run once it
reaches its target. The run can be driven from the terminal or over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Subcommands read the loaded configuration from the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}

// resolveConfig returns the configuration stored by PersistentPreRunE.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
