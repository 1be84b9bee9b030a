package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "robustty",
	Short: "Resilient multi-provider media search",
	Long:  "Fans a query out to YouTube, PeerTube, Odysee and Rumble behind circuit breakers, retries and a stale-serving cache, then merges duplicates and ranks the results.",
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
