// Package cmd implements the orchestratorctl commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ventupx/wrb-vpn-system/internal/ctl/client"
	"github.com/ventupx/wrb-vpn-system/internal/ctl/output"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

const envPrefix = "WRB_ORCHESTRATOR"

var rootCmd = &cobra.Command{
	Use:   "orchestratorctl",
	Short: "Operate the panel orchestration engine",
	Long: `orchestratorctl talks to the orchestrator HTTP API.

The server address and operator token are read from --server and --token, or from
WRB_ORCHESTRATOR_SERVER and WRB_ORCHESTRATOR_TOKEN.

Examples:
  # List online panels in one country
  orchestratorctl panels --country US --online

  # Queue provisioning for an order and poll one of its nodes
  orchestratorctl fulfill 42
  orchestratorctl node 1017 -o yaml`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "orchestrator API address")
	rootCmd.PersistentFlags().String("token", "", "operator bearer token")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json, or yaml")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().Bool("verbose", false, "log requests to stderr")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"server", "token", "output", "timeout", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// session bundles what every command needs.
type session struct {
	client  *client.Client
	printer *output.Printer
}

func newSession(cmd *cobra.Command) (*session, context.Context, context.CancelFunc, error) {
	format, err := output.ParseFormat(viper.GetString("output"))
	if err != nil {
		return nil, nil, nil, err
	}

	log := logger.NewNop()
	if viper.GetBool("verbose") {
		log = logger.New(logger.LoggerConfig{
			Level:     logger.LevelDebug,
			Format:    logger.FormatText,
			Component: "orchestratorctl",
			Output:    os.Stderr,
		})
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	return &session{
		client:  client.NewClient(viper.GetString("server"), viper.GetString("token"), log),
		printer: output.NewPrinter(format, cmd.OutOrStdout()),
	}, ctx, cancel, nil
}

// run wraps a command body with session setup.
func run(fn func(ctx context.Context, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, ctx, cancel, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		return fn(ctx, s, args)
	}
}

func parseID(kind, raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, raw)
	}
	return uint(id), nil
}
