package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/risetech/openfiscal/internal/config"
	"github.com/risetech/openfiscal/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "openfiscal",
	Short: "Brazilian tax-classification data engine",
	Long:  "Ingests the per-jurisdiction IBPT rate tables and the CONFAZ special-regime annex into an embedded search index, and serves fuzzy NCM classification over HTTP.",
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

// openStore opens the writable store selected by configuration.
func openStore(cmd *cobra.Command) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(cmd.Context(), cfg.Store.DatabaseURL)
	default:
		return store.NewSQLite(cfg.Store.Path)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
