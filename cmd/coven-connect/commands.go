// ABOUTME: Operator commands: key generation, API tokens, endpoint probes, health, version
// ABOUTME: Each command prints plain results to the command's output stream

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-connect/internal/auth"
	"github.com/2389/coven-connect/internal/config"
	"github.com/2389/coven-connect/internal/connector"
	"github.com/2389/coven-connect/internal/store"
	"github.com/2389/coven-connect/internal/vault"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random vault key (base64)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newTokenCmd(configPath func() string) *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token for an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating verifier: %w", err)
			}
			tok, err := verifier.Generate(owner, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner ID the token authenticates")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var (
		apiKey  string
		header  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "validate <url>",
		Short: "Probe a tool server and list the tools it offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := store.AuthModeNone
			if apiKey != "" {
				mode = store.AuthModeAPIKey
			}
			v := connector.NewValidator(connector.ValidatorConfig{Timeout: timeout})
			res := v.Validate(cmd.Context(), args[0], mode, connector.AuthConfig{APIKey: apiKey, Header: header})
			printValidation(cmd.OutOrStdout(), res)
			return res.Err()
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key to send")
	cmd.Flags().StringVar(&header, "header", "", "header carrying the API key (default Authorization: Bearer)")
	cmd.Flags().DurationVar(&timeout, "timeout", connector.DefaultValidateTimeout, "probe timeout")
	return cmd
}

func printValidation(out io.Writer, res *connector.ValidationResult) {
	if !res.Success {
		color.New(color.FgRed).Fprint(out, "✗ ")
		fmt.Fprintf(out, "%s: %s\n", res.ErrorCode, res.ErrorMessage)
		return
	}
	color.New(color.FgGreen).Fprint(out, "✓ ")
	fmt.Fprintf(out, "%d tools\n", len(res.Tools))
	if res.Warning != "" {
		color.New(color.FgYellow).Fprintf(out, "  warning: %s\n", res.Warning)
	}
	for _, t := range res.Tools {
		fmt.Fprintf(out, "  %s", t.Name)
		if t.Description != "" {
			color.New(color.FgHiBlack).Fprintf(out, "  %s", t.Description)
		}
		fmt.Fprintln(out)
	}
}

func newHealthCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a running server is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return checkHealth(cmd.Context(), cmd.OutOrStdout(), "http://"+cfg.Server.HTTPAddr)
		},
	}
}

// checkHealth queries the readiness endpoint under baseURL.
func checkHealth(ctx context.Context, out io.Writer, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("health check failed: status %d: %s", resp.StatusCode, body)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coven-connect %s\n", version)
		},
	}
}
