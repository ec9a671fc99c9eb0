package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/heic2jpg/internal/config"
)

func (a *API) CoreRoutes(r chi.Router) {
	r.Get("/health", a.handleHealth)
	r.Get("/analytics", a.handleAnalytics)
	r.Get("/limits", a.handleLimits)
	if a.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.Metrics)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, 200, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   config.Version,
	})
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, 200, a.Usage.Snapshot(false))
}

func (a *API) handleLimits(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, 200, map[string]interface{}{
		"maxFileSize":   config.FileSizeLimit,
		"maxFiles":      a.Config.MaxFiles(),
		"multiFile":     a.Config.MultiFile,
		"quality":       a.Config.Quality,
		"requireApiKey": a.Config.RequireAPIKey,
	})
}
