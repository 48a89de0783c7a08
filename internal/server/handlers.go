package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"newsdesk/internal/core"
	"newsdesk/internal/logger"
	"newsdesk/internal/trends"
)

const (
	defaultGroupWindowHours = 24
	defaultTrendWindowHours = 48
	defaultEntityLimit      = 20
	defaultTrendLimit       = 20
	defaultGroupLimit       = 5
	// homeGroupLimit caps the home view at the top groups per category.
	homeGroupLimit = 3
)

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	if err := s.store.Ping(r.Context()); err != nil {
		checks["database"] = "error"
		s.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Checks: checks})
		return
	}
	checks["database"] = "ok"
	s.respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Checks: checks})
}

// handleHomeGroups handles GET /api/home_groups?hours=N
func (s *Server) handleHomeGroups(w http.ResponseWriter, r *http.Request) {
	window := windowParam(r, defaultGroupWindowHours)
	groups, err := s.store.HomeGroups(window, homeGroupLimit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load groups", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"window_hours": int(window.Hours()),
		"categories":   groups,
	})
}

// handleCategoryGroups handles GET /api/category_groups?category=X&hours=N
func (s *Server) handleCategoryGroups(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		s.respondError(w, http.StatusBadRequest, "category parameter is required", nil)
		return
	}
	category = core.NormalizeCategory(category)
	window := windowParam(r, defaultGroupWindowHours)
	groups, err := s.store.CategoryGroups(category, window, limitParam(r, defaultGroupLimit))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load groups", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"category":     category,
		"window_hours": int(window.Hours()),
		"groups":       emptyIfNil(groups),
	})
}

// handleGroup handles GET /api/groups/{id}
func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid group id", nil)
		return
	}
	group, err := s.store.GroupByID(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load group", err)
		return
	}
	if group == nil {
		s.respondError(w, http.StatusNotFound, "group not found", nil)
		return
	}
	s.respondJSON(w, http.StatusOK, group)
}

// handleArticle handles GET /api/articles/{id}
func (s *Server) handleArticle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid article id", nil)
		return
	}
	article, err := s.store.GetArticle(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load article", err)
		return
	}
	if article == nil {
		s.respondError(w, http.StatusNotFound, "article not found", nil)
		return
	}
	entities, err := s.store.EntitiesForArticle(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load entities", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"article":  article,
		"entities": emptyIfNil(entities),
	})
}

// handleTrending handles GET /api/trending?category=X&hours=N
func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category != "" {
		category = core.NormalizeCategory(category)
	}
	window := windowParam(r, defaultTrendWindowHours)
	// The synthesizer keeps at least trends.DefaultMinimum trends live, and
	// the feed never serves fewer than that even for a smaller ?limit=.
	limit := limitParam(r, defaultTrendLimit)
	if limit < trends.DefaultMinimum {
		limit = trends.DefaultMinimum
	}
	trendRows, err := s.store.Trends(category, window, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load trends", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"window_hours": int(window.Hours()),
		"trends":       emptyIfNil(trendRows),
	})
}

// handleTrendingEntities handles GET /api/trending_entities?hours=N&limit=N
func (s *Server) handleTrendingEntities(w http.ResponseWriter, r *http.Request) {
	window := windowParam(r, defaultTrendWindowHours)
	entities, err := s.store.TrendingEntities(window, limitParam(r, defaultEntityLimit))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load entities", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"window_hours": int(window.Hours()),
		"entities":     emptyIfNil(entities),
	})
}

// handleCategoryEntities handles GET /api/category_entities?category=X&limit=N
func (s *Server) handleCategoryEntities(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		s.respondError(w, http.StatusBadRequest, "category parameter is required", nil)
		return
	}
	category = core.NormalizeCategory(category)
	entities, err := s.store.CategoryEntities(category, limitParam(r, defaultEntityLimit))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load entities", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"entities": emptyIfNil(entities),
	})
}

// handleCVETable handles GET /api/cve_table?hours=N
func (s *Server) handleCVETable(w http.ResponseWriter, r *http.Request) {
	window := windowParam(r, defaultTrendWindowHours)
	rows, err := s.store.CVETable(window)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load CVE table", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"window_hours": int(window.Hours()),
		"cves":         emptyIfNil(rows),
	})
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", err)
	}
}

// respondError writes a JSON error response, logging server-side failures
func (s *Server) respondError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		logger.Error(message, err)
	}
	s.respondJSON(w, status, map[string]string{"error": message})
}

// windowParam reads ?hours=N, clamped to [1, 720].
func windowParam(r *http.Request, defaultHours int) time.Duration {
	hours := defaultHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			hours = n
		}
	}
	if hours > 720 {
		hours = 720
	}
	return time.Duration(hours) * time.Hour
}

// limitParam reads ?limit=N, clamped to [1, 100].
func limitParam(r *http.Request, fallback int) int {
	limit := fallback
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

// emptyIfNil keeps list payloads as [] instead of null.
func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
