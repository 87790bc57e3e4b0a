// Package store persists the classification-rate and special-regime
// tables and serves the full-text search index built over them.
package store

import (
	"context"

	"github.com/risetech/openfiscal/internal/model"
)

// Store defines the persistence interface shared by the sqlite and
// postgres drivers. The two record tables are fully owned by the index
// builder: each Replace call swaps in a complete new generation inside
// a single transaction, or leaves the previous generation untouched.
type Store interface {
	// Index builder write path.
	Migrate(ctx context.Context) error
	ReplaceRates(ctx context.Context, records []model.RateRecord) error
	ReplaceRegimes(ctx context.Context, records []model.RegimeRecord) error

	// Search read path. Search receives pre-filtered query tokens and
	// assembles the engine-specific disjunctive prefix expression.
	Search(ctx context.Context, tokens []string, limit int) ([]model.SearchResult, error)
	FilterByPrefix(ctx context.Context, prefix string, limit int) ([]model.SearchResult, error)

	// RegimeForCode returns the regime record whose classification code
	// is the longest prefix of ncm, or nil when no candidate matches.
	// Equal-length candidates tie-break to the lexicographically
	// smallest (ncm, cest) pair.
	RegimeForCode(ctx context.Context, ncm string) (*model.RegimeRecord, error)

	CountRates(ctx context.Context) (int, error)
	CountRegimes(ctx context.Context) (int, error)

	SaveSuggestion(ctx context.Context, s model.Suggestion) error

	// ExportRows joins every rate record with its longest-prefix regime.
	ExportRows(ctx context.Context) ([]model.ExportRow, error)

	Close() error
}
