package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sqwatch/sqwatch/internal/config"
	"github.com/sqwatch/sqwatch/internal/storage"
)

const version = "0.1.0"

var (
	cfgPath string
	cfg     *config.Config
	logger  *logrus.Logger
	store   storage.Storage
)

var rootCmd = &cobra.Command{
	Use:     "sqwatch",
	Short:   "Slow query watchdog for MySQL",
	Version: version,
	Long: `sqwatch watches a MySQL instance for slow queries, deduplicates them
by structural fingerprint, and runs an AI analysis chain over each
distinct query shape. Reports, samples, and analysis state live in a
local SQLite database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger = config.NewLogger(cfg.Log)

		store, err = storage.New(cmd.Context(), &storage.Config{Path: cfg.Storage.Path})
		if err != nil {
			return fmt.Errorf("failed to open storage at %s: %w", cfg.Storage.Path, err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "sqwatch.yaml",
		"path to the configuration file")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
