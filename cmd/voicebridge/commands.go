package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/voicebridge/internal/config"
)

// buildServeCmd creates the "serve" command that runs the bridge.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the voice bridge",
		Long: `Start the voice bridge.

The server will:
1. Load configuration from the specified file (or voicebridge.yaml)
2. Connect to the FreeSWITCH event socket and subscribe to park events
3. Serve the audio stream, outbound and health endpoints over HTTP
4. Reload the concurrency ceiling and stream allow-list when the file changes

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  voicebridge serve

  # Start with custom config
  voicebridge serve --config /etc/voicebridge/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (version %d)\n", path, cfg.Version)
			fmt.Fprintf(out, "  esl:            %s\n", cfg.ESL.Addr)
			fmt.Fprintf(out, "  http:           %s\n", cfg.Server.Addr())
			fmt.Fprintf(out, "  stream url:     %s/stream/<callId>\n", cfg.Relay.PublicURL)
			fmt.Fprintf(out, "  cloud:          %s\n", cfg.Cloud.URL)
			fmt.Fprintf(out, "  max concurrent: %d\n", cfg.Limits.MaxConcurrent)
			store := "memory"
			if cfg.Database.URL != "" {
				store = "postgres"
			}
			fmt.Fprintf(out, "  call records:   %s\n", store)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voicebridge %s (commit: %s, built: %s, config version: %d)\n",
				version, commit, date, config.CurrentVersion)
		},
	}
}
