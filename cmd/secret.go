package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/auth"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
)

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Show or rotate the shared secret",
	}
	cmd.AddCommand(secretShowCmd())
	cmd.AddCommand(secretRotateCmd())
	return cmd
}

func secretShowCmd() *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the configured shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			token := cfg.Token()
			if token == "" {
				return fmt.Errorf("no shared secret configured (run: agentrelay onboard)")
			}
			if !reveal {
				token = maskSecret(token)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the full secret instead of a masked form")
	return cmd
}

func secretRotateCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Replace the shared secret",
		Long: "Rotates the secret on the running relay, which persists it, closes every socket and restarts the bridge. " +
			"When the relay is not running (or with --offline) the new secret is written to the config file; " +
			"a running relay picks the edit up from disk.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if !offline && cfg.Token() != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), 45*time.Second)
				defer cancel()

				var out struct {
					Token string `json:"token"`
				}
				err := newRelayClient(cfg).do(ctx, http.MethodPost, "/api/secret/rotate", nil, &out)
				if err == nil {
					fmt.Println(out.Token)
					return nil
				}
				var apiErr *apiError
				if errors.As(err, &apiErr) {
					return fmt.Errorf("rotate: %w", err)
				}
				// Relay unreachable: fall through to the file.
			}

			secret, err := auth.GenerateSecret()
			if err != nil {
				return err
			}
			cfg.SetToken(secret)
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Println(secret)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "write the new secret to the config file without contacting the relay")
	return cmd
}
