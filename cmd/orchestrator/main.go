package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/api"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/config"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

const version = "1.0.0"

var configPath string

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadWithPath(configPath)
	}
	return config.NewLoader().Load()
}

var rootCmd = &cobra.Command{
	Use:          "orchestrator",
	Short:        "Panel orchestration engine",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := context.Background()

		log := logger.NewProduction("orchestrator", version)
		log.InfoContext(ctx, "starting orchestrator", "version", version)

		cfg, err := loadConfig()
		if err != nil {
			log.ErrorCtx(ctx, "failed to load configuration", err)
			return err
		}

		log = logger.New(logger.LoggerConfig{
			Level:     logger.LogLevel(cfg.Log.Level),
			Format:    logger.OutputFormat(cfg.Log.Format),
			Component: "orchestrator",
			Version:   version,
		})
		log.DebugContext(ctx, "configuration loaded")

		service, err := orchestrator.NewService(cfg, version, log)
		if err != nil {
			log.ErrorCtx(ctx, "failed to create service", err)
			return err
		}

		if err := service.Start(ctx); err != nil {
			log.ErrorCtx(ctx, "failed to start service", err)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if stopErr := service.Stop(shutdownCtx); stopErr != nil {
				log.ErrorCtx(ctx, "failed to clean up after startup failure", stopErr)
			}
			return err
		}

		log.InfoContext(ctx, "service started, waiting for shutdown signal")
		service.WaitForShutdown()
		log.InfoContext(ctx, "main process exiting")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator token signed with the configured secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := api.IssueToken(cfg.API.JWTSecret, subject, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	tokenCmd.Flags().String("subject", "operator", "token subject")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
