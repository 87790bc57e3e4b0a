// Package model defines the core data types shared across the ingestion
// pipeline, the store drivers, and the search service.
package model

import "time"

// RateRecord is one row of the IBPT tax-rate table for a single
// (NCM code, UF) pair. Codes are stored normalized (digits only); rate
// fields are decimal fractions already converted from the source's
// comma-decimal notation.
type RateRecord struct {
	NCM            string  `json:"ncm"`
	UF             string  `json:"uf"`
	Ex             string  `json:"ex"`
	Tipo           string  `json:"tipo"`
	Descricao      string  `json:"descricao"`
	AliqNacional   float64 `json:"aliqNacional"`
	AliqEstadual   float64 `json:"aliqEstadual"`
	AliqMunicipal  float64 `json:"aliqMunicipal"`
	AliqImportado  float64 `json:"aliqImportado"`
	VigenciaInicio string  `json:"vigenciaInicio"`
	VigenciaFim    string  `json:"vigenciaFim"`
	Chave          string  `json:"chave"`
	Versao         string  `json:"versao"`
	Fonte          string  `json:"fonte"`
}

// RegimeRecord is one row of the CEST special-regime table. A single
// annex row listing N NCM codes expands into N RegimeRecords.
type RegimeRecord struct {
	CEST      string `json:"cest"`
	NCM       string `json:"ncm"`
	Descricao string `json:"descricao"`
}

// FetchMetadata is the change-detection state for the regime annex,
// persisted as a small JSON file beside the store. It is read at the
// start of each scheduled run and written only after a successful full
// re-ingest of the regime source.
type FetchMetadata struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	LastUpdate   time.Time `json:"lastUpdate,omitempty"`
}

// Search result provenance tags.
const (
	SourceFTS    = "fts"    // ranked full-text match
	SourcePrefix = "prefix" // direct code-prefix scan
)

// SearchResult is a single classification candidate returned by the
// search service.
type SearchResult struct {
	NCM       string  `json:"ncm"`
	Descricao string  `json:"descricao"`
	Score     float64 `json:"score"`
	Source    string  `json:"source"`
}

// Suggestion is a user-submitted classification correction captured by
// the suggestion endpoint for later curation.
type Suggestion struct {
	ID            string    `json:"id"`
	OriginalQuery string    `json:"original_query"`
	NCM           string    `json:"ncm"`
	Descricao     string    `json:"descricao"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExportRow is a rate record joined with its applicable special regime
// (longest-prefix match), as produced for the export artifacts.
type ExportRow struct {
	RateRecord
	CEST          string `json:"cest,omitempty"`
	CESTDescricao string `json:"cestDescricao,omitempty"`
}

// RateSummary aggregates the outcome of a rate-table ingest.
type RateSummary struct {
	Jurisdictions int `json:"jurisdictions"`
	SkippedFiles  int `json:"skipped_files"`
	SkippedRows   int `json:"skipped_rows"`
	RowsInserted  int `json:"rows_inserted"`
}

// RegimeStatus describes what the regime ingest did on a given run.
type RegimeStatus string

const (
	RegimeUpdated   RegimeStatus = "updated"
	RegimeUnchanged RegimeStatus = "unchanged"
	RegimeFailed    RegimeStatus = "failed"
)

// RegimeSummary aggregates the outcome of a regime-table ingest.
type RegimeSummary struct {
	Status       RegimeStatus `json:"status"`
	RowsInserted int          `json:"rows_inserted"`
	SkippedRows  int          `json:"skipped_rows"`
	Error        string       `json:"error,omitempty"`
}

// RunReport is the aggregate outcome of one ingestion run. Per-item
// failures are folded into the counters; only store-initialization and
// transactional-commit failures abort a run.
type RunReport struct {
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Rates     RateSummary   `json:"rates"`
	Regimes   RegimeSummary `json:"regimes"`
}
