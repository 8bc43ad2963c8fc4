package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
)

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Mint a one-time pairing code on the running relay",
		Long:  "Asks the running relay for a short-lived pairing code. A new device exchanges the code for the shared secret via POST /api/pairing/consume.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Token() == "" {
				return fmt.Errorf("no shared secret configured (run: agentrelay onboard)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			var out struct {
				Code      string `json:"code"`
				ExpiresAt int64  `json:"expiresAt"`
			}
			if err := newRelayClient(cfg).do(ctx, http.MethodPost, "/api/pairing/codes", nil, &out); err != nil {
				return fmt.Errorf("mint pairing code: %w", err)
			}

			expires := time.UnixMilli(out.ExpiresAt)
			fmt.Println()
			fmt.Printf("  Pairing code:  %s\n", out.Code)
			fmt.Printf("  Relay:         %s\n", cfg.BaseURL())
			fmt.Printf("  Expires:       %s (in %s)\n", expires.Format(time.Kitchen), time.Until(expires).Round(time.Second))
			fmt.Println()
			fmt.Println("  The code works once. Minting another one does not revoke this one.")
			return nil
		},
	}
}
