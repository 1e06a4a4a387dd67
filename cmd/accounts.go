package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/gravitygate/pkg/account"
	"github.com/lkarlslund/gravitygate/pkg/config"
	"github.com/lkarlslund/gravitygate/pkg/oauth"
	"github.com/lkarlslund/gravitygate/pkg/store"
	"github.com/lkarlslund/gravitygate/pkg/upstream"
)

func init() {
	var configPath string

	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the upstream account pool",
	}
	accountsCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	openPool := func() (*account.Pool, *config.ServerConfig, error) {
		cfg, err := config.LoadOrCreateServerConfig(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load server config: %w", err)
		}
		cfg.Normalize()
		p := account.NewPool(store.NewFileCredentialStore(cfg.Pool.CredentialsPath), account.Options{
			StaleAfter:  time.Duration(cfg.Pool.QuotaStaleMinutes) * time.Minute,
			MinFraction: cfg.Pool.QuotaMinFraction,
		})
		if _, err := p.Reload(); err != nil {
			return nil, nil, fmt.Errorf("load credentials: %w", err)
		}
		return p, cfg, nil
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pool accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := openPool()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEMAIL\tPROJECT\tTIER\tHEALTH\tTOKEN")
			for _, c := range p.All() {
				token := "none"
				if !c.ExpiresAt.IsZero() {
					if time.Now().Before(c.ExpiresAt) {
						token = "valid " + time.Until(c.ExpiresAt).Round(time.Second).String()
					} else {
						token = "expired"
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Email, c.ProjectID, c.Tier, c.Health, token)
			}
			return tw.Flush()
		},
	}

	var addRefreshToken, addEmail, addName, addID string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account from an OAuth refresh token",
		RunE: func(cmd *cobra.Command, args []string) error {
			refreshToken := strings.TrimSpace(addRefreshToken)
			if refreshToken == "" {
				return fmt.Errorf("--refresh-token is required")
			}
			p, cfg, err := openPool()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			tok, err := oauth.NewClient(cfg.Upstream.TokenURL).Refresh(ctx, refreshToken)
			if err != nil {
				return fmt.Errorf("verify refresh token: %w", err)
			}
			if tok.RefreshToken != "" {
				refreshToken = tok.RefreshToken
			}

			cred := account.Credential{
				ID:           strings.TrimSpace(addID),
				Email:        strings.TrimSpace(addEmail),
				Name:         strings.TrimSpace(addName),
				AccessToken:  tok.AccessToken,
				RefreshToken: refreshToken,
				ExpiresAt:    tok.ExpiresAt,
				Health:       account.HealthGood,
			}
			if cred.ID == "" {
				cred.ID = "acc-" + uuid.NewString()[:8]
			}

			caller := upstream.Caller{AccessToken: tok.AccessToken}
			if info, err := upstream.NewClient(cfg.Upstream.BaseURL, 0).LoadAccountInfo(ctx, caller); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not load account info: %v\n", err)
			} else {
				cred.ProjectID = info.ProjectID
				cred.Tier = info.Tier
			}

			if err := p.Add(cred); err != nil {
				return fmt.Errorf("add account: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added account %s (project %q, tier %q)\n", cred.ID, cred.ProjectID, cred.Tier)
			return nil
		},
	}
	addCmd.Flags().StringVar(&addRefreshToken, "refresh-token", "", "OAuth refresh token for the account")
	addCmd.Flags().StringVar(&addEmail, "email", "", "Account email, for display")
	addCmd.Flags().StringVar(&addName, "name", "", "Friendly account name")
	addCmd.Flags().StringVar(&addID, "id", "", "Account ID (generated when empty)")

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an account from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := openPool()
			if err != nil {
				return err
			}
			if err := p.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed account %s\n", args[0])
			return nil
		},
	}

	accountsCmd.AddCommand(listCmd, addCmd, removeCmd)
	rootCmd.AddCommand(accountsCmd)
}
