// Package cmd implements the wabridge command line: the daemon itself and a
// small client for poking a running daemon over its HTTP API.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "0.3.0"

var configFlag string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wabridge",
		Short: "WhatsApp bridge daemon",
		Long: `wabridge multiplexes WhatsApp connections for many channels behind one
HTTP API and WebSocket event feed. Running it with no subcommand starts
the daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.wabridge/config.yaml)")

	cmd.AddCommand(
		serveCmd(),
		channelsCmd(),
		journalCmd(),
		configCmd(),
		doctorCmd(),
		versionCmd(),
	)
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the config file location: the --config flag,
// then $WABRIDGE_CONFIG, then the default path.
func resolveConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if v := os.Getenv("WABRIDGE_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

// setupLogger installs the default slog logger per config and returns the
// level var so hot reload can adjust it.
func setupLogger(cfg *config.Config) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel())

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return level
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wabridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wabridge %s\n", Version)
		},
	}
}
