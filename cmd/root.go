package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jmehdipour/campaign-gateway/cmd/worker"
	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	envPath string
	rootCmd = &cobra.Command{
		Use:           "campaign-gateway",
		Short:         "Campaign dispatch gateway CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a missing .env is fine; values may come from the real environment
			if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envPath, err)
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if _, err := logger.Init(cfg.Log.Level); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return nil
		},
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env-file", ".env", "path to a .env file loaded before the config")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}
