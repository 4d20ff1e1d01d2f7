// ABOUTME: Entry point for the coven-connect server and its operator commands
// ABOUTME: Builds the cobra command tree and resolves the config file location

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
  ___ _____   _____ _ __         ___ ___  _ __  _ __   ___  ___| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \| '_ \| '_ \ / _ \/ __| __|
| (_| (_) \ V /  __/ | | |_____| (_| (_) | | | | | | |  __/ (__| |_
 \___\___/ \_/ \___|_| |_|      \___\___/|_| |_|_| |_|\___|\___|\__|
`

// getConfigPath returns the path to the config file.
// Priority: --config flag > COVEN_CONNECT_CONFIG env var > XDG_CONFIG_HOME/coven/connect.yaml > ~/.config/coven/connect.yaml
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv("COVEN_CONNECT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "connect.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "connect.yaml")
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:           "coven-connect",
		Short:         "Dynamic tool connectors and confirmation-gated capabilities for chat agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (YAML or .toml)")

	configPath := func() string { return getConfigPath(configFlag) }
	root.AddCommand(
		newServeCmd(configPath),
		newKeygenCmd(),
		newTokenCmd(configPath),
		newValidateCmd(),
		newHealthCmd(configPath),
		newVersionCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
