package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var fulfillCmd = &cobra.Command{
	Use:   "fulfill <order-id>",
	Short: "Queue provisioning for a paid order",
	Long: `Create the order's missing nodes on eligible panels and queue their provisioning.
Repeating the command only tops up nodes that do not exist yet.`,
	Args: cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, s *session, args []string) error {
		id, err := parseID("order", args[0])
		if err != nil {
			return err
		}
		acc, err := s.client.Fulfill(ctx, id)
		if err != nil {
			return err
		}
		return s.printer.Accepted(acc)
	}),
}

var migrateOrderCmd = &cobra.Command{
	Use:   "migrate-order <order-id> --panel <panel-id>",
	Short: "Move every live node of an order to another panel",
	Args:  cobra.ExactArgs(1),
}

var refundsCmd = &cobra.Command{
	Use:   "refunds",
	Short: "List refunds recorded for nodes that could not be provisioned",
	Args:  cobra.NoArgs,
}

func init() {
	migrateOrderCmd.Flags().Uint("panel", 0, "destination panel id")
	_ = migrateOrderCmd.MarkFlagRequired("panel")
	migrateOrderCmd.RunE = func(cmd *cobra.Command, args []string) error {
		panelID, _ := cmd.Flags().GetUint("panel")
		return run(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID("order", args[0])
			if err != nil {
				return err
			}
			acc, err := s.client.MigrateOrder(ctx, id, panelID)
			if err != nil {
				return err
			}
			return s.printer.Accepted(acc)
		})(cmd, args)
	}

	refundsCmd.Flags().Bool("unsettled", false, "only refunds not yet settled")
	refundsCmd.RunE = func(cmd *cobra.Command, args []string) error {
		unsettled, _ := cmd.Flags().GetBool("unsettled")
		return run(func(ctx context.Context, s *session, _ []string) error {
			refunds, err := s.client.Refunds(ctx, unsettled)
			if err != nil {
				return err
			}
			return s.printer.Refunds(refunds)
		})(cmd, args)
	}

	rootCmd.AddCommand(fulfillCmd, migrateOrderCmd, refundsCmd)
}
