package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ventupx/wrb-vpn-system/pkg/api"
)

var panelsCmd = &cobra.Command{
	Use:   "panels",
	Short: "List panels",
	Long: `List registered panels with their load and last health sweep.

Examples:
  orchestratorctl panels
  orchestratorctl panels --country JP --type 3x-ui --online`,
	Args: cobra.NoArgs,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep <panel-id>",
	Short: "Run a health sweep of one panel",
	Long: `Sweep one panel now: list its inbounds, reconcile the used-port set and refresh its
online flag and server stats.`,
	Args: cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, s *session, args []string) error {
		id, err := parseID("panel", args[0])
		if err != nil {
			return err
		}
		res, err := s.client.Sweep(ctx, id)
		if err != nil {
			return err
		}
		return s.printer.Sweep(res)
	}),
}

var restartCmd = &cobra.Command{
	Use:   "restart <panel-id>",
	Short: "Restart the proxy core of a 3x-ui panel",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, s *session, args []string) error {
		id, err := parseID("panel", args[0])
		if err != nil {
			return err
		}
		p, err := s.client.Restart(ctx, id)
		if err != nil {
			return err
		}
		return s.printer.Panel(p)
	}),
}

var testPanelCmd = &cobra.Command{
	Use:   "test-panel <panel-id>",
	Short: "Log in to a panel afresh and report the result",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, s *session, args []string) error {
		id, err := parseID("panel", args[0])
		if err != nil {
			return err
		}
		res, err := s.client.TestPanel(ctx, id)
		if err != nil {
			return err
		}
		return s.printer.Connection(res)
	}),
}

var activateCmd = &cobra.Command{
	Use:   "activate <panel-id>",
	Short: "Take a panel in or out of node placement",
	Long: `Mark a panel active so new nodes may be placed on it, or pass --off to stop placing
nodes there. Nodes already on the panel keep serving.`,
	Args: cobra.ExactArgs(1),
}

var outboundsCmd = &cobra.Command{
	Use:   "outbounds <panel-id>",
	Short: "Show the global xray template of a 3x-ui panel",
	Long: `Show the outbound tags of a 3x-ui panel. Use -o json to get the whole template,
edit it, and write it back with save-outbounds.`,
	Args: cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, s *session, args []string) error {
		id, err := parseID("panel", args[0])
		if err != nil {
			return err
		}
		out, err := s.client.Outbounds(ctx, id)
		if err != nil {
			return err
		}
		return s.printer.Outbounds(out)
	}),
}

var saveOutboundsCmd = &cobra.Command{
	Use:   "save-outbounds <panel-id> --file <template.json>",
	Short: "Replace the global xray template of a 3x-ui panel",
	Long: `Replace a 3x-ui panel's global xray template. The file holds either the template itself
or the output of "outbounds -o json".`,
	Args: cobra.ExactArgs(1),
}

// loadTemplate reads an xray template file. A wrapping {"template": ...} object is unwrapped.
func loadTemplate(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var template map[string]any
	if err := json.Unmarshal(raw, &template); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if inner, ok := template["template"].(map[string]any); ok {
		template = inner
	}
	if _, ok := template["outbounds"].([]any); !ok {
		return nil, fmt.Errorf("%s: template has no outbounds list", path)
	}
	return template, nil
}

func init() {
	panelsCmd.Flags().String("country", "", "only panels in this country")
	panelsCmd.Flags().String("type", "", "only panels of this family (x-ui or 3x-ui)")
	panelsCmd.Flags().Bool("online", false, "only panels that passed their last sweep")
	panelsCmd.RunE = func(cmd *cobra.Command, args []string) error {
		country, _ := cmd.Flags().GetString("country")
		panelType, _ := cmd.Flags().GetString("type")
		online, _ := cmd.Flags().GetBool("online")
		return run(func(ctx context.Context, s *session, _ []string) error {
			panels, err := s.client.Panels(ctx, api.PanelListParams{Country: country, PanelType: panelType, OnlineOnly: online})
			if err != nil {
				return err
			}
			return s.printer.Panels(panels)
		})(cmd, args)
	}

	activateCmd.Flags().Bool("off", false, "stop placing nodes on the panel")
	activateCmd.RunE = func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		return run(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID("panel", args[0])
			if err != nil {
				return err
			}
			p, err := s.client.SetPanelActive(ctx, id, !off)
			if err != nil {
				return err
			}
			return s.printer.Panel(p)
		})(cmd, args)
	}

	saveOutboundsCmd.Flags().StringP("file", "f", "", "template file")
	_ = saveOutboundsCmd.MarkFlagRequired("file")
	saveOutboundsCmd.RunE = func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		return run(func(ctx context.Context, s *session, args []string) error {
			id, err := parseID("panel", args[0])
			if err != nil {
				return err
			}
			template, err := loadTemplate(file)
			if err != nil {
				return err
			}
			out, err := s.client.SaveOutbounds(ctx, id, template)
			if err != nil {
				return err
			}
			return s.printer.Outbounds(out)
		})(cmd, args)
	}

	rootCmd.AddCommand(panelsCmd, sweepCmd, restartCmd, testPanelCmd, activateCmd, outboundsCmd, saveOutboundsCmd)
}
