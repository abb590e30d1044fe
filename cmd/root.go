package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Shugur-Network/gated-relay/internal/application"
	"github.com/Shugur-Network/gated-relay/internal/config"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/Shugur-Network/gated-relay/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command
var rootCmd = &cobra.Command{
	Use:   "gated-relay",
	Short: "A whitelist-gated Nostr relay",
	Long: `A Nostr relay that accepts writes only from whitelisted authors.
Profiles (kind 0) and access requests (kind 9024) are open to everyone.`,
	Example: `
  gated-relay start
  gated-relay start --config /etc/gated-relay/config.yaml --log-level debug
  gated-relay whitelist add <hex-pubkey> --cohort beta
  gated-relay keygen`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipsConfig(cmd) {
			return nil
		}

		path := cfgFile
		if path != "" {
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
			path = abs
		}

		var err error
		cfg, err = config.Load(path, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		flags := cmd.Flags()
		if flags.Changed("log-level") {
			lvl, _ := flags.GetString("log-level")
			if err := logger.UpdateLevel(lvl); err != nil {
				return err
			}
			cfg.Logging.Level = lvl
		}
		if flags.Changed("ws-addr") {
			cfg.Relay.WSAddr, _ = flags.GetString("ws-addr")
		}
		if flags.Changed("database-url") {
			cfg.Database.URL, _ = flags.GetString("database-url")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// skipsConfig reports commands that run without loading configuration.
func skipsConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "keygen", "help":
		return true
	}
	return false
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay server",
	Long:  "Start the relay server and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		metrics.RegisterMetrics()

		logger.Info("Starting relay...",
			zap.String("version", GetVersion()),
			zap.String("environment", cfg.General.Environment))
		app, err := application.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize the relay: %w", err)
		}
		if err := app.Start(); err != nil {
			app.Shutdown()
			return fmt.Errorf("failed to start the relay: %w", err)
		}

		var serveErr error
		select {
		case <-ctx.Done():
			logger.Info("Received termination signal. Shutting down gracefully...")
		case serveErr = <-app.Done():
			if serveErr != nil {
				logger.Error("Server error", zap.Error(serveErr))
			}
		}
		app.Shutdown()
		if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
			return serveErr
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "Print the version number along with build information",
	Run: func(cmd *cobra.Command, args []string) {
		if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
			fmt.Fprintln(cmd.OutOrStdout(), GetFullVersionInfo())
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), GetVersionWithPrefix())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection URL; empty keeps everything in memory")

	startCmd.Flags().String("ws-addr", "", "Listen address for WebSocket and HTTP, e.g. :8080")
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	rootCmd.AddCommand(startCmd, versionCmd, whitelistCmd, keygenCmd)
}
