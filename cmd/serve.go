package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/risetech/openfiscal/internal/search"
	"github.com/risetech/openfiscal/internal/server"
	"github.com/risetech/openfiscal/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the classification search server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// The search path gets a read-only handle where the driver
		// supports it; suggestions need a writable one. A missing or
		// broken index fails here, before the listener starts.
		searchStore, suggestStore, err := openServeStores(cmd)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer searchStore.Close()  //nolint:errcheck
		defer suggestStore.Close() //nolint:errcheck

		srv := server.New(search.NewService(searchStore), suggestStore)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// openServeStores opens the read path and the suggestion write path.
// With postgres one pool serves both.
func openServeStores(cmd *cobra.Command) (store.Store, store.Store, error) {
	if cfg.Store.Driver == "postgres" {
		st, err := store.NewPostgres(cmd.Context(), cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}

	rw, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := rw.Migrate(cmd.Context()); err != nil {
		rw.Close() //nolint:errcheck
		return nil, nil, err
	}

	ro, err := store.OpenReadOnly(cfg.Store.Path)
	if err != nil {
		rw.Close() //nolint:errcheck
		return nil, nil, err
	}
	return ro, rw, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
