// Package main provides the CLI entry point for voicebridge, which connects
// FreeSWITCH calls to a cloud voice endpoint.
//
// # Basic Usage
//
// Start the bridge:
//
//	voicebridge serve --config voicebridge.yaml
//
// Check a configuration file without starting:
//
//	voicebridge config validate --config voicebridge.yaml
//
// # Environment Variables
//
//   - VOICEBRIDGE_CONFIG: Path to configuration file (default: voicebridge.yaml)
//   - VOICEBRIDGE_ESL_PASSWORD: Event socket password
//   - VOICEBRIDGE_SERVICE_TOKEN: Bearer token for the outbound API
//   - VOICEBRIDGE_CLOUD_TOKEN: Bearer token for the cloud voice endpoint
//   - VOICEBRIDGE_DATABASE_URL: Postgres DSN for call records
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "voicebridge.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "voicebridge",
		Short: "voicebridge - FreeSWITCH to cloud voice bridge",
		Long: `voicebridge parks calls on FreeSWITCH, streams their audio over a
websocket, transcodes it and relays it to a cloud voice endpoint. It also
places outbound calls on request or on a schedule.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("VOICEBRIDGE_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
