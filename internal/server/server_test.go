package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risetech/openfiscal/internal/model"
	"github.com/risetech/openfiscal/internal/search"
	"github.com/risetech/openfiscal/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "fiscal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.ReplaceRates(ctx, []model.RateRecord{
		{NCM: "84713019", UF: "SP", Descricao: "Notebook com tela menor que 14 polegadas"},
		{NCM: "84713019", UF: "RJ", Descricao: "Notebook portatil de ate 10kg"},
		{NCM: "04021090", UF: "SP", Descricao: "Leite em po desnatado"},
	}))

	return New(search.NewService(st), st), st
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSearch_TwoJurisdictionsSameCode(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/ncm-search?description=notebook", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Query   string               `json:"query"`
		Count   int                  `json:"count"`
		Results []model.SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "notebook", resp.Query)
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Results, 2)
	for _, r := range resp.Results {
		assert.Equal(t, "84713019", r.NCM)
		assert.Equal(t, model.SourceFTS, r.Source)
	}
}

func TestSearch_LegacyNameParameter(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/ncm-search?name=leite", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestSearch_MissingDescription(t *testing.T) {
	s, _ := newTestServer(t)

	for _, target := range []string{"/api/ncm-search", "/api/ncm-search?description=+++"} {
		w := doRequest(t, s, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, target)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp["error"])
	}
}

func TestSearch_StopwordOnlyQueryReturnsEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/ncm-search?description=de+para+um", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count   int                  `json:"count"`
		Results []model.SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Results)
}

func TestSuggestion_Valid(t *testing.T) {
	s, st := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/ncm-suggestion",
		`{"original_query":"notebook gamer","ncm":"84713019","descricao":"Notebook para jogos"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["message"])

	// Persisted: saving again with the same content must not error and
	// the store remains reachable.
	_, err := st.CountRates(context.Background())
	assert.NoError(t, err)
}

func TestSuggestion_MissingFields(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/ncm-suggestion",
		`{"original_query":"notebook gamer","ncm":"84713019"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error   string            `json:"error"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
	assert.Contains(t, resp.Details, "descricao")
}

func TestSuggestion_InvalidJSON(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/ncm-suggestion", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
