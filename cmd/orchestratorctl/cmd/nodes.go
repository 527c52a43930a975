package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ventupx/wrb-vpn-system/pkg/api"
)

var nodeCmd = &cobra.Command{
	Use:   "node <node-id>",
	Short: "Show a node",
	Long:  `Show a node's status, endpoint and last error. Poll it to follow a queued task.`,
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, s *session, args []string) error {
		id, err := parseID("node", args[0])
		if err != nil {
			return err
		}
		n, err := s.client.Node(ctx, id)
		if err != nil {
			return err
		}
		return s.printer.Node(n)
	}),
}

var deleteCmd = &cobra.Command{
	Use:   "delete <node-id>",
	Short: "Delete a node and its remote inbound",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, s *session, args []string) error {
		id, err := parseID("node", args[0])
		if err != nil {
			return err
		}
		n, err := s.client.DeleteNode(ctx, id)
		if err != nil {
			return err
		}
		return s.printer.Node(n)
	}),
}

var checkCmd = &cobra.Command{
	Use:   "check <node-id>",
	Short: "Reconcile a pending or inactive node with its panel",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, s *session, args []string) error {
		id, err := parseID("node", args[0])
		if err != nil {
			return err
		}
		acc, err := s.client.CheckNode(ctx, id)
		if err != nil {
			return err
		}
		return s.printer.Accepted(acc)
	}),
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <node-id> --panel <panel-id>",
	Short: "Move a node to another panel",
	Long: `Move a node to another panel of the same family. The node is re-bound at once and the
new inbound is created in the background.

Examples:
  orchestratorctl migrate 1017 --panel 12`,
	Args: cobra.ExactArgs(1),
}

var renewCmd = &cobra.Command{
	Use:   "renew <node-id> --until <time>",
	Short: "Extend a node",
	Long: `Extend a node's expiry. --until takes RFC 3339 or a date (YYYY-MM-DD, local time).

Examples:
  orchestratorctl renew 1017 --until 2026-12-31`,
	Args: cobra.ExactArgs(1),
}

var udpCmd = &cobra.Command{
	Use:   "udp <node-id> --inbound <group-id> --outbound <group-id>",
	Short: "Forward a node's UDP traffic through a tunnel account",
	Long: `Queue UDP forwarding of a serving node through the given entry and exit device groups.
Without --account the node keeps its current tunnel account, or takes the first enabled one.
List accounts and their groups with "transit".

Examples:
  orchestratorctl udp 1017 --inbound 7 --outbound 9
  orchestratorctl udp 1017 --account 2 --inbound 11 --outbound 12`,
	Args: cobra.ExactArgs(1),
}

// parseUntil accepts RFC 3339 timestamps and plain dates.
func parseUntil(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, raw, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid --until %q (use RFC 3339 or YYYY-MM-DD)", raw)
}

func init() {
	migrateCmd.Flags().Uint("panel", 0, "destination panel id")
	_ = migrateCmd.MarkFlagRequired("panel")
	migrateCmd.RunE = func(cmd *cobra.Command, args []string) error {
		panelID, _ := cmd.Flags().GetUint("panel")
		return run(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID("node", args[0])
			if err != nil {
				return err
			}
			acc, err := s.client.MigrateNode(ctx, id, panelID)
			if err != nil {
				return err
			}
			return s.printer.Accepted(acc)
		})(cmd, args)
	}

	renewCmd.Flags().String("until", "", "new expiry time")
	_ = renewCmd.MarkFlagRequired("until")
	renewCmd.RunE = func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("until")
		until, err := parseUntil(raw)
		if err != nil {
			return err
		}
		return run(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID("node", args[0])
			if err != nil {
				return err
			}
			acc, err := s.client.Renew(ctx, id, until)
			if err != nil {
				return err
			}
			return s.printer.Accepted(acc)
		})(cmd, args)
	}

	udpCmd.Flags().Uint("account", 0, "tunnel account id")
	udpCmd.Flags().Int("inbound", 0, "entry device group id")
	udpCmd.Flags().Int("outbound", 0, "exit device group id")
	_ = udpCmd.MarkFlagRequired("inbound")
	_ = udpCmd.MarkFlagRequired("outbound")
	udpCmd.RunE = func(cmd *cobra.Command, args []string) error {
		req := api.BindUDPRequest{}
		req.InboundGroupID, _ = cmd.Flags().GetInt("inbound")
		req.OutboundGroupID, _ = cmd.Flags().GetInt("outbound")
		if cmd.Flags().Changed("account") {
			account, _ := cmd.Flags().GetUint("account")
			req.AccountID = &account
		}
		return run(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID("node", args[0])
			if err != nil {
				return err
			}
			acc, err := s.client.BindUDP(ctx, id, req)
			if err != nil {
				return err
			}
			return s.printer.Accepted(acc)
		})(cmd, args)
	}

	rootCmd.AddCommand(nodeCmd, deleteCmd, checkCmd, migrateCmd, renewCmd, udpCmd)
}
