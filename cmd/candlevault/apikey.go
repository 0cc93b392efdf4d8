package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketforge/candlevault/internal/config"
	"github.com/marketforge/candlevault/internal/store"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage admin API keys",
		Long: `Issue, list, and revoke the API keys that guard the admin endpoints.
Key material is printed exactly once at issue time; only its SHA-256
digest is stored.`,
	}
	cmd.AddCommand(newAPIKeyIssueCmd(), newAPIKeyListCmd(), newAPIKeyRevokeCmd())
	return cmd
}

// withKeyStore handles the shared connect boilerplate for the apikey
// subcommands. Only the database is needed, so the upstream credential
// checks are skipped.
func withKeyStore(fn func(ctx context.Context, st *store.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, st)
}

func newAPIKeyIssueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue <name>",
		Short: "Issue a new API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyStore(func(ctx context.Context, st *store.Store) error {
				key, material, err := st.APIKeys.Create(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("id:   %s\n", key.ID)
				fmt.Printf("name: %s\n", key.Name)
				fmt.Printf("key:  %s\n", material)
				fmt.Println("\nStore this key now; it cannot be recovered later.")
				return nil
			})
		},
	}
}

func newAPIKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyStore(func(ctx context.Context, st *store.Store) error {
				keys, err := st.APIKeys.List(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tACTIVE\tREQUESTS\tCREATED")
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n",
						k.ID, k.Name, k.Active, k.RequestCount,
						k.CreatedAt.UTC().Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func newAPIKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyStore(func(ctx context.Context, st *store.Store) error {
				if err := st.APIKeys.Revoke(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}
