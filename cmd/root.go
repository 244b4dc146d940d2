package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "oppsync",
	Short: "SAM.gov opportunity ingestion pipeline",
	Long:  "Imports the SAM.gov bulk feed, fetches and downloads attachments, extracts text, analyzes opportunities via Claude, and syncs results to a remote API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
