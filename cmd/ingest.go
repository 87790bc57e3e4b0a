package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/risetech/openfiscal/internal/fetcher"
	"github.com/risetech/openfiscal/internal/ingest"
	"github.com/risetech/openfiscal/internal/sources"
)

var ingestSchedule string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch the rate tables and regime annex and rebuild the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		st, err := openStore(cmd)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:    cfg.Sources.UserAgent,
			Timeout:      time.Duration(cfg.Ingest.TimeoutSecs) * time.Second,
			MaxRetries:   cfg.Ingest.MaxRetries,
			RateLimiters: fetcher.DefaultRateLimiters(),
			InsecureTLS:  cfg.Sources.InsecureSkipVerify,
		})
		dir := sources.NewDirectory(httpFetcher, fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout: time.Duration(cfg.Ingest.TimeoutSecs) * time.Second,
		}))

		runner := ingest.NewRunner(st, httpFetcher, dir, cfg.Sources, cfg.Ingest)

		if ingestSchedule == "" {
			report, err := runner.Run(cmd.Context())
			if err != nil {
				return err
			}
			zap.L().Info("ingest finished",
				zap.Int("rate_rows", report.Rates.RowsInserted),
				zap.String("regimes", string(report.Regimes.Status)),
			)
			return nil
		}

		// Scheduled mode: run on the cron spec until interrupted. A
		// tick that fires while a run is still going is skipped.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c := cron.New()
		err = c.AddFunc(ingestSchedule, func() {
			if _, err := runner.TryRun(ctx); err != nil {
				zap.L().Error("scheduled ingest failed", zap.Error(err))
			}
		})
		if err != nil {
			return eris.Wrapf(err, "invalid schedule %q", ingestSchedule)
		}

		c.Start()
		defer c.Stop()
		zap.L().Info("ingest schedule active", zap.String("spec", ingestSchedule))

		<-ctx.Done()
		zap.L().Info("ingest schedule stopped")
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSchedule, "schedule", "",
		`cron spec for recurring ingestion, e.g. "0 0 2 * * 0" (empty = run once)`)
	rootCmd.AddCommand(ingestCmd)
}
