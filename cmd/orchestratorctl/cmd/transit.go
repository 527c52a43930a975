package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var transitCmd = &cobra.Command{
	Use:   "transit",
	Short: "List UDP tunnel accounts and their device groups",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, s *session, _ []string) error {
		accounts, err := s.client.TransitAccounts(ctx)
		if err != nil {
			return err
		}
		return s.printer.TransitAccounts(accounts)
	}),
}

var transitRefreshCmd = &cobra.Command{
	Use:   "transit-refresh <account-id>",
	Short: "Reload balance, rule limits and device groups of a tunnel account",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, s *session, args []string) error {
		id, err := parseID("account", args[0])
		if err != nil {
			return err
		}
		account, err := s.client.RefreshTransitAccount(ctx, id)
		if err != nil {
			return err
		}
		return s.printer.TransitAccount(account)
	}),
}

func init() {
	rootCmd.AddCommand(transitCmd, transitRefreshCmd)
}
