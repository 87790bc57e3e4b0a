// Package ingest orchestrates the batch pipeline: discover the
// per-jurisdiction rate tables, fetch and normalize them in parallel,
// re-parse the regime annex when its upstream markers changed, and swap
// each dataset into the store as one atomic generation.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/risetech/openfiscal/internal/annex"
	"github.com/risetech/openfiscal/internal/config"
	"github.com/risetech/openfiscal/internal/fetcher"
	"github.com/risetech/openfiscal/internal/model"
	"github.com/risetech/openfiscal/internal/normalize"
	"github.com/risetech/openfiscal/internal/sources"
	"github.com/risetech/openfiscal/internal/store"
)

// rateColumns is the published rate-table layout:
// codigo;ex;tipo;descricao;nacionalfederal;importadosfederal;estadual;
// municipal;vigenciainicio;vigenciafim;chave;versao;fonte
const rateColumns = 13

// Runner executes ingestion runs. A Runner serializes its runs: the
// store sees at most one writer transaction at a time.
type Runner struct {
	store   store.Store
	http    fetcher.Fetcher
	dir     *sources.Directory
	sources config.SourcesConfig
	ingest  config.IngestConfig

	mu sync.Mutex
}

// NewRunner creates a Runner over an opened store and fetchers.
func NewRunner(st store.Store, http fetcher.Fetcher, dir *sources.Directory, src config.SourcesConfig, ing config.IngestConfig) *Runner {
	return &Runner{
		store:   st,
		http:    http,
		dir:     dir,
		sources: src,
		ingest:  ing,
	}
}

// EnsureSchema applies the store migration.
func (r *Runner) EnsureSchema(ctx context.Context) error {
	return r.store.Migrate(ctx)
}

// Run executes one full ingestion: schema, rate tables, then the regime
// annex. Per-jurisdiction and per-row failures are folded into the
// report counters; only store-initialization and commit errors abort.
func (r *Runner) Run(ctx context.Context) (*model.RunReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run(ctx)
}

// TryRun executes a run unless one is already in flight, in which case
// it logs and returns a nil report. The cron schedule uses it so a slow
// run is never overlapped by the next tick.
func (r *Runner) TryRun(ctx context.Context) (*model.RunReport, error) {
	if !r.mu.TryLock() {
		zap.L().Warn("ingest: previous run still in flight, skipping")
		return nil, nil
	}
	defer r.mu.Unlock()
	return r.run(ctx)
}

func (r *Runner) run(ctx context.Context) (*model.RunReport, error) {
	log := zap.L().With(zap.String("component", "ingest.runner"))

	report := &model.RunReport{StartedAt: time.Now().UTC()}
	defer func() { report.Elapsed = time.Since(report.StartedAt) }()

	if err := r.EnsureSchema(ctx); err != nil {
		return report, eris.Wrap(err, "ingest: ensure schema")
	}

	rates, err := r.IngestRates(ctx)
	if err != nil {
		return report, err
	}
	report.Rates = *rates

	report.Regimes = *r.IngestRegimes(ctx)

	log.Info("run complete",
		zap.Int("jurisdictions", report.Rates.Jurisdictions),
		zap.Int("rate_rows", report.Rates.RowsInserted),
		zap.String("regimes", string(report.Regimes.Status)),
		zap.Int("regime_rows", report.Regimes.RowsInserted),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// IngestRates discovers the per-jurisdiction tables, fetches and parses
// them concurrently, and replaces the rate generation in one
// transaction. A jurisdiction that fails to download or decode is
// logged and skipped, never fatal.
func (r *Runner) IngestRates(ctx context.Context) (*model.RateSummary, error) {
	log := zap.L().With(zap.String("component", "ingest.rates"))

	srcs, skippedNames, err := r.dir.List(ctx, r.sources.RateTableURL)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list rate sources")
	}
	if len(srcs) == 0 {
		return nil, eris.Errorf("ingest: no rate tables found under %s", r.sources.RateTableURL)
	}
	log.Info("discovered rate tables", zap.Int("count", len(srcs)), zap.Int("skipped", skippedNames))

	summary := &model.RateSummary{SkippedFiles: skippedNames}

	var (
		resMu   sync.Mutex
		records []model.RateRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.ingest.Concurrency)

	for _, src := range srcs {
		g.Go(func() error {
			recs, skippedRows, err := r.fetchRateTable(gctx, src)

			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				log.Warn("jurisdiction failed, skipping",
					zap.String("uf", src.UF),
					zap.String("file", src.Name),
					zap.Error(err),
				)
				summary.SkippedFiles++
				return nil
			}
			records = append(records, recs...)
			summary.Jurisdictions++
			summary.SkippedRows += skippedRows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "ingest: fetch rate tables")
	}
	if len(records) == 0 {
		return nil, eris.New("ingest: every jurisdiction failed, keeping previous generation")
	}

	if err := r.store.ReplaceRates(ctx, records); err != nil {
		return nil, eris.Wrap(err, "ingest: replace rate generation")
	}
	summary.RowsInserted = len(records)

	return summary, nil
}

// fetchRateTable downloads and parses one jurisdiction's table.
func (r *Runner) fetchRateTable(ctx context.Context, src sources.RateSource) ([]model.RateRecord, int, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.ingest.TimeoutSecs)*time.Second)
	defer cancel()

	body, err := r.dir.FetcherFor(src.URL).Download(ctx, src.URL)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "ingest: download %s", src.Name)
	}
	defer body.Close() //nolint:errcheck

	decoded, err := fetcher.DecodeCharset(body, r.sources.RateCharset)
	if err != nil {
		return nil, 0, err
	}

	rowCh, errCh := fetcher.StreamCSV(ctx, decoded, fetcher.CSVOptions{
		Delimiter:  ';',
		HasHeader:  true,
		LazyQuotes: true,
		TrimSpace:  true,
	})

	var (
		records []model.RateRecord
		skipped int
	)
	for row := range rowCh {
		rec, ok := parseRateRow(row, src.UF)
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := <-errCh; err != nil {
		return nil, 0, eris.Wrapf(err, "ingest: parse %s", src.Name)
	}

	return records, skipped, nil
}

// parseRateRow maps one CSV row onto a RateRecord. Rows with missing
// columns or an empty code after normalization are rejected.
func parseRateRow(row []string, uf string) (model.RateRecord, bool) {
	if len(row) < rateColumns {
		return model.RateRecord{}, false
	}
	ncm := normalize.Code(row[0])
	if ncm == "" {
		return model.RateRecord{}, false
	}
	return model.RateRecord{
		NCM:            ncm,
		UF:             uf,
		Ex:             row[1],
		Tipo:           row[2],
		Descricao:      normalize.Collapse(row[3]),
		AliqNacional:   normalize.Rate(row[4]),
		AliqImportado:  normalize.Rate(row[5]),
		AliqEstadual:   normalize.Rate(row[6]),
		AliqMunicipal:  normalize.Rate(row[7]),
		VigenciaInicio: row[8],
		VigenciaFim:    row[9],
		Chave:          row[10],
		Versao:         row[11],
		Fonte:          row[12],
	}, true
}

// IngestRegimes re-parses the regime annex when the upstream identity
// markers changed, replacing the regime generation in one transaction.
// Failures never propagate: the summary carries the error and the
// previous generation keeps serving.
func (r *Runner) IngestRegimes(ctx context.Context) *model.RegimeSummary {
	log := zap.L().With(zap.String("component", "ingest.regimes"))

	meta, err := LoadMetadata(r.sources.MetadataPath)
	if err != nil {
		// Corrupt state file: log it and re-ingest.
		log.Warn("metadata unreadable, forcing re-ingest", zap.Error(err))
		meta = model.FetchMetadata{}
	}

	remote, changed := r.regimeChanged(ctx, meta)
	if !changed {
		log.Info("regime annex unchanged, skipping",
			zap.String("etag", meta.ETag),
			zap.Time("last_update", meta.LastUpdate),
		)
		return &model.RegimeSummary{Status: model.RegimeUnchanged}
	}

	summary, err := r.ingestRegimes(ctx)
	if err != nil {
		log.Error("regime ingest failed, keeping previous generation", zap.Error(err))
		return &model.RegimeSummary{Status: model.RegimeFailed, Error: err.Error()}
	}

	newMeta := model.FetchMetadata{
		ETag:         remote.ETag,
		LastModified: remote.LastModified,
		LastUpdate:   time.Now().UTC(),
	}
	if err := SaveMetadata(r.sources.MetadataPath, newMeta); err != nil {
		// The data is committed; stale markers only cost one extra
		// re-fetch next run.
		log.Warn("metadata write failed", zap.Error(err))
	}

	log.Info("regime annex ingested",
		zap.Int("rows", summary.RowsInserted),
		zap.Int("skipped", summary.SkippedRows),
	)
	return summary
}

// regimeChanged probes the regime URL and compares identity markers
// against the stored metadata. Any probe failure reads as changed, so a
// flaky upstream degrades to an unnecessary re-fetch rather than a
// silently stale dataset.
func (r *Runner) regimeChanged(ctx context.Context, meta model.FetchMetadata) (fetcher.ResourceMeta, bool) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.ingest.TimeoutSecs)*time.Second)
	defer cancel()

	remote, err := r.http.HeadMeta(ctx, r.sources.RegimeURL)
	if err != nil {
		zap.L().Warn("ingest: regime metadata probe failed, assuming changed", zap.Error(err))
		return fetcher.ResourceMeta{}, true
	}

	if meta.ETag != "" && remote.ETag != "" {
		return remote, meta.ETag != remote.ETag
	}
	if meta.LastModified != "" && remote.LastModified != "" {
		return remote, meta.LastModified != remote.LastModified
	}
	return remote, true
}

func (r *Runner) ingestRegimes(ctx context.Context) (*model.RegimeSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.ingest.TimeoutSecs)*time.Second)
	defer cancel()

	body, err := r.http.Download(ctx, r.sources.RegimeURL)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: download regime annex")
	}
	defer body.Close() //nolint:errcheck

	records, err := annex.Parse(body)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, eris.New("ingest: regime annex yielded no records")
	}

	if err := r.store.ReplaceRegimes(ctx, records); err != nil {
		return nil, eris.Wrap(err, "ingest: replace regime generation")
	}

	return &model.RegimeSummary{
		Status:       model.RegimeUpdated,
		RowsInserted: len(records),
	}, nil
}
