// Command broker runs the VM request broker: the HTTP API, the operator MCP
// endpoint and the background reconciler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vm-broker/backend/internal/config"
	"vm-broker/backend/internal/logging"
)

var (
	version = "dev"

	// Global flags
	envFile string

	cfg    *config.Config
	logger *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "broker",
		Short: "Human-in-the-loop VM provisioning request broker",
		Long: `broker accepts VM create and update requests, files a tracking ticket,
triggers the provisioning pipeline and releases its manual gate once an
approver signs off.

Without a subcommand it runs the server.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig(envFile)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			cfg = loaded
			logger = logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout).With("service", "vm-broker")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Path to .env file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newReconcileCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
