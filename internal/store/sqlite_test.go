package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risetech/openfiscal/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "openfiscal.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func rateRec(ncm, uf, descricao string) model.RateRecord {
	return model.RateRecord{
		NCM:          ncm,
		UF:           uf,
		Descricao:    descricao,
		AliqNacional: 13.45,
		Versao:       "25.1.B",
		Fonte:        "IBPT",
	}
}

// --- Replace ---

func TestSQLite_ReplaceRates_FullReplace(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRates(ctx, []model.RateRecord{
		rateRec("84713019", "SP", "Notebook de pequeno porte"),
		rateRec("84713019", "RJ", "Notebook com tela menor"),
	}))

	n, err := st.CountRates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Second generation fully replaces the first, no partial merge.
	require.NoError(t, st.ReplaceRates(ctx, []model.RateRecord{
		rateRec("04021010", "SP", "Leite em pó integral"),
	}))

	n, err = st.CountRates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := st.Search(ctx, []string{"notebook"}, 25)
	require.NoError(t, err)
	assert.Empty(t, results, "old generation must be gone from the search index")
}

func TestSQLite_ReplaceRates_RollbackKeepsPreviousGeneration(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRates(ctx, []model.RateRecord{
		rateRec("84713019", "SP", "Notebook de pequeno porte"),
		rateRec("84713019", "RJ", "Notebook com tela menor"),
	}))

	// The second record violates the jurisdiction constraint mid-way
	// through the transaction.
	err := st.ReplaceRates(ctx, []model.RateRecord{
		rateRec("04021010", "SP", "Leite em pó"),
		rateRec("04021090", "XXX", "UF inválida"),
	})
	require.Error(t, err)

	n, err := st.CountRates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "previous generation must remain intact")

	results, err := st.Search(ctx, []string{"notebook"}, 25)
	require.NoError(t, err)
	assert.Len(t, results, 2, "previous generation must remain queryable")
}

func TestSQLite_ReplaceRegimes_Rollback(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRegimes(ctx, []model.RegimeRecord{
		{CEST: "0100100", NCM: "38151210", Descricao: "Catalisadores"},
	}))

	// A cancelled context fails the replacement mid-transaction.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := st.ReplaceRegimes(cancelled, []model.RegimeRecord{
		{CEST: "0100200", NCM: "21069010", Descricao: "Complementos alimentares"},
	})
	require.Error(t, err)

	n, err := st.CountRegimes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_ReplaceRegimes_DuplicatesIgnored(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRegimes(ctx, []model.RegimeRecord{
		{CEST: "0100100", NCM: "38151210", Descricao: "a"},
		{CEST: "0100100", NCM: "38151210", Descricao: "b"},
	}))

	n, err := st.CountRegimes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// --- Search ---

func TestSQLite_Search_RankedAndTagged(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRates(ctx, []model.RateRecord{
		rateRec("84713019", "SP", "Notebook de pequeno porte"),
		rateRec("84713019", "RJ", "Notebook com tela menor que 14 polegadas"),
		rateRec("04021010", "SP", "Leite em pó integral"),
	}))

	results, err := st.Search(ctx, []string{"notebook"}, 25)
	require.NoError(t, err)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "84713019", r.NCM)
		assert.Equal(t, model.SourceFTS, r.Source)
		assert.Greater(t, r.Score, 0.0)
	}
}

func TestSQLite_Search_PrefixWildcard(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRates(ctx, []model.RateRecord{
		rateRec("04021010", "SP", "Leite em pó integral"),
	}))

	// "leit" only matches through the trailing wildcard.
	results, err := st.Search(ctx, []string{"leit"}, 25)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "04021010", results[0].NCM)
}

func TestSQLite_Search_Disjunctive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRates(ctx, []model.RateRecord{
		rateRec("84713019", "SP", "Notebook de pequeno porte"),
		rateRec("04021010", "SP", "Leite em pó integral"),
	}))

	// Either token alone is useful signal.
	results, err := st.Search(ctx, []string{"notebook", "leite"}, 25)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSQLite_Search_NoTokens(t *testing.T) {
	st := newTestSQLiteStore(t)

	results, err := st.Search(context.Background(), nil, 25)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLite_FilterByPrefix(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRates(ctx, []model.RateRecord{
		rateRec("84713019", "SP", "Notebook"),
		rateRec("84714900", "SP", "Outras máquinas"),
		rateRec("04021010", "SP", "Leite em pó"),
	}))

	results, err := st.FilterByPrefix(ctx, "8471", 20)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, model.SourcePrefix, r.Source)
	}
}

// --- Regime association ---

func TestSQLite_RegimeForCode_LongestPrefixWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRegimes(ctx, []model.RegimeRecord{
		{CEST: "0100100", NCM: "8471", Descricao: "curto"},
		{CEST: "0100200", NCM: "847130", Descricao: "longo"},
	}))

	rec, err := st.RegimeForCode(ctx, "84713099")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "847130", rec.NCM)
	assert.Equal(t, "0100200", rec.CEST)
}

func TestSQLite_RegimeForCode_TieBreakDeterministic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// Two candidates with equal-length prefixes of the same code only
	// happen with identical ncm values; the smaller cest wins.
	require.NoError(t, st.ReplaceRegimes(ctx, []model.RegimeRecord{
		{CEST: "0200200", NCM: "847130", Descricao: "b"},
		{CEST: "0100100", NCM: "847130", Descricao: "a"},
	}))

	rec, err := st.RegimeForCode(ctx, "84713099")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "0100100", rec.CEST)
}

func TestSQLite_RegimeForCode_NoMatch(t *testing.T) {
	st := newTestSQLiteStore(t)

	rec, err := st.RegimeForCode(context.Background(), "99999999")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// --- Suggestions ---

func TestSQLite_SaveSuggestion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.SaveSuggestion(ctx, model.Suggestion{
		OriginalQuery: "notebook gamer",
		NCM:           "84713019",
		Descricao:     "Notebook",
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, st.db.QueryRow(`SELECT count(*) FROM suggestions`).Scan(&n))
	assert.Equal(t, 1, n)
}

// --- Export join ---

func TestSQLite_ExportRows_RegimeJoin(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceRates(ctx, []model.RateRecord{
		rateRec("84713019", "SP", "Notebook"),
		rateRec("04021010", "SP", "Leite em pó"),
	}))
	require.NoError(t, st.ReplaceRegimes(ctx, []model.RegimeRecord{
		{CEST: "0100100", NCM: "8471", Descricao: "curto"},
		{CEST: "0100200", NCM: "847130", Descricao: "longo"},
	}))

	rows, err := st.ExportRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byNCM := map[string]model.ExportRow{}
	for _, r := range rows {
		byNCM[r.NCM] = r
	}
	assert.Equal(t, "0100200", byNCM["84713019"].CEST, "longest prefix wins in the export join")
	assert.Equal(t, "", byNCM["04021010"].CEST, "no regime candidate")
}

// --- Lifecycle ---

func TestOpenReadOnly_MissingFile(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
}

func TestOpenReadOnly_ServesCommittedGeneration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "openfiscal.db")
	rw, err := NewSQLite(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, rw.Migrate(ctx))
	require.NoError(t, rw.ReplaceRates(ctx, []model.RateRecord{
		rateRec("84713019", "SP", "Notebook"),
	}))

	ro, err := OpenReadOnly(dbPath)
	require.NoError(t, err)
	defer ro.Close() //nolint:errcheck

	results, err := ro.Search(ctx, []string{"notebook"}, 25)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// Writes through the read-only handle are refused.
	err = ro.SaveSuggestion(ctx, model.Suggestion{OriginalQuery: "q", NCM: "1", Descricao: "d"})
	require.Error(t, err)

	require.NoError(t, rw.Close())
}
