// ABOUTME: The serve command: loads config, prints the banner, and runs the gateway
// ABOUTME: Runs until the command context is canceled by SIGINT or SIGTERM

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-connect/internal/config"
	"github.com/2389/coven-connect/internal/gateway"
)

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the connector gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath()
			out := cmd.OutOrStdout()

			color.New(color.FgCyan).Fprint(out, banner)
			color.New(color.FgHiBlack).Fprintf(out, "    version: %s\n\n", version)

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := setupLogger(cfg.Logging, os.Stdout)

			printStatus(out, path, cfg)
			logger.Info("starting coven-connect",
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
				"max_active", cfg.Connectors.MaxActive,
			)

			gw, err := gateway.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

// printStatus writes the startup summary under the banner.
func printStatus(out io.Writer, path string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}

	line("Config", path)
	line("Database", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s ", "Tailscale:")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Fprint(out, " [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	} else {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Redis.URL != "" {
		line("Redis", "oauth state store")
	}
	for _, p := range cfg.OAuth.Providers {
		line("OAuth", p.ID)
	}
	if cfg.Metrics.Enabled {
		line("Metrics", cfg.Metrics.Path)
	}
	fmt.Fprintln(out)
}
