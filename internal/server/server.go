// Package server exposes the classification search over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/risetech/openfiscal/internal/model"
	"github.com/risetech/openfiscal/internal/search"
	"github.com/risetech/openfiscal/internal/store"
)

// Server holds the handler dependencies: a search service over the
// read-only store and a writable store for suggestions.
type Server struct {
	search      *search.Service
	suggestions store.Store
	validate    *validator.Validate
}

// New creates a Server.
func New(svc *search.Service, suggestions store.Store) *Server {
	return &Server{
		search:      svc,
		suggestions: suggestions,
		validate:    validator.New(),
	}
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/api/ncm-search", s.handleSearch)
	r.Post("/api/ncm-suggestion", s.handleSuggestion)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSearch classifies a free-text description. The historical
// "name" parameter is accepted as an alias of "description".
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("description")
	if query == "" {
		query = r.URL.Query().Get("name")
	}
	if strings.TrimSpace(query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": `parameter "description" is required`,
		})
		return
	}

	results, err := s.search.Search(r.Context(), query)
	if err != nil {
		zap.L().Error("search failed", zap.String("query", query), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal error while searching the classification index",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"count":   len(results),
		"results": results,
	})
}

// suggestionRequest is the payload of POST /api/ncm-suggestion.
type suggestionRequest struct {
	OriginalQuery string `json:"original_query" validate:"required"`
	NCM           string `json:"ncm" validate:"required"`
	Descricao     string `json:"descricao" validate:"required"`
}

func (s *Server) handleSuggestion(w http.ResponseWriter, r *http.Request) {
	var req suggestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}

	if err := s.validate.Struct(req); err != nil {
		details := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fieldName(fe)] = "this field is required"
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "invalid payload",
			"details": details,
		})
		return
	}

	sg := model.Suggestion{
		OriginalQuery: req.OriginalQuery,
		NCM:           req.NCM,
		Descricao:     req.Descricao,
	}
	if err := s.suggestions.SaveSuggestion(r.Context(), sg); err != nil {
		zap.L().Error("save suggestion failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal error while recording the suggestion",
		})
		return
	}

	zap.L().Info("suggestion received",
		zap.String("query", req.OriginalQuery),
		zap.String("ncm", req.NCM),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "suggestion recorded",
	})
}

// fieldName maps a validation error back to the JSON field name.
func fieldName(fe validator.FieldError) string {
	switch fe.Field() {
	case "OriginalQuery":
		return "original_query"
	case "NCM":
		return "ncm"
	case "Descricao":
		return "descricao"
	}
	return fe.Field()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
