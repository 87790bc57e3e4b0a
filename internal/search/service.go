// Package search classifies free-text product descriptions against the
// indexed classification codes.
package search

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/risetech/openfiscal/internal/model"
	"github.com/risetech/openfiscal/internal/normalize"
	"github.com/risetech/openfiscal/internal/store"
)

const (
	maxResults       = 25
	maxPrefixResults = 20
	minTokenLen      = 3
)

// stopwords are high-frequency Portuguese words that carry no
// classification signal.
var stopwords = map[string]bool{
	"de": true, "da": true, "do": true, "e": true, "a": true,
	"o": true, "para": true, "em": true, "um": true, "uma": true,
}

// Service answers classification queries over an opened store.
type Service struct {
	store store.Store
}

// NewService creates a search service over st.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Search tokenizes the free-text query and runs a ranked prefix-match
// search. A query that filters down to no usable tokens returns an
// empty result without touching the store.
func (s *Service) Search(ctx context.Context, query string) ([]model.SearchResult, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return []model.SearchResult{}, nil
	}

	results, err := s.store.Search(ctx, tokens, maxResults)
	if err != nil {
		return nil, eris.Wrapf(err, "search: query %q", query)
	}
	if results == nil {
		results = []model.SearchResult{}
	}
	return results, nil
}

// ByPrefix returns the records whose classification code starts with
// the given digits.
func (s *Service) ByPrefix(ctx context.Context, prefix string) ([]model.SearchResult, error) {
	prefix = normalize.Code(prefix)
	if prefix == "" {
		return []model.SearchResult{}, nil
	}

	results, err := s.store.FilterByPrefix(ctx, prefix, maxPrefixResults)
	if err != nil {
		return nil, eris.Wrapf(err, "search: prefix %q", prefix)
	}
	if results == nil {
		results = []model.SearchResult{}
	}
	return results, nil
}

// RegimeForCode resolves the special regime applicable to a code.
func (s *Service) RegimeForCode(ctx context.Context, ncm string) (*model.RegimeRecord, error) {
	ncm = normalize.Code(ncm)
	if ncm == "" {
		return nil, nil
	}
	return s.store.RegimeForCode(ctx, ncm)
}

// Tokenize lowercases the query, removes dots and commas so formatted
// codes and decimals stay whole ("8471.30" -> "847130", "12,5" -> "125"),
// and drops short tokens and stopwords. The surviving tokens feed the
// store's disjunctive prefix search.
func Tokenize(query string) []string {
	cleaned := strings.ToLower(query)
	cleaned = strings.NewReplacer(".", "", ",", "").Replace(cleaned)

	var tokens []string
	for _, tok := range strings.Fields(cleaned) {
		tok = sanitize(tok)
		if utf8.RuneCountInString(tok) < minTokenLen || stopwords[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// sanitize keeps only letters and digits so user input can never carry
// match-expression syntax into the store.
func sanitize(tok string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, tok)
}
