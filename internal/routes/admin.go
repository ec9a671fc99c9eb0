package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/heic2jpg/internal/auth"
	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/util"
)

func (a *API) AdminRoutes(r chi.Router, loginMiddlewares ...func(http.Handler) http.Handler) {
	r.With(loginMiddlewares...).Post("/admin/login", a.handleLogin)
	r.With(a.Auth.RequireAdmin).Get("/admin/analytics", a.handleAdminAnalytics)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.JSONBodyLimit)
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, 400, "Invalid request body")
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || body.Password == "" {
		respondError(w, 400, "Username and password required")
		return
	}

	token, err := a.Auth.Login(body.Username, body.Password)
	switch {
	case errors.Is(err, auth.ErrLoginDisabled):
		respondError(w, 503, util.ToUserError(err))
		return
	case err != nil:
		a.Auth.Event(r, auth.EventLoginFailed, "")
		respondJSON(w, 401, map[string]interface{}{"success": false, "error": util.ToUserError(err)})
		return
	}

	a.Auth.Event(r, auth.EventLoginSuccess, "")
	respondJSON(w, 200, map[string]interface{}{
		"success":   true,
		"token":     token,
		"expiresIn": formatTTL(a.Auth.TTL()),
	})
}

func (a *API) handleAdminAnalytics(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"analytics":       a.Usage.Snapshot(true),
		"pendingCleanups": a.Cleanup.Pending(),
		"uptimeSeconds":   int64(time.Since(a.started).Seconds()),
		"version":         config.Version,
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		body["user"] = claims.Username
	}
	if ds, err := util.GetDiskSpace(a.Config.OutputDir); err == nil {
		body["diskSpace"] = ds
		if ds.Low(config.DiskSpaceMinGB) {
			a.Alerts.DiskSpaceLow(ds.AvailGB)
		}
	}
	respondJSON(w, 200, body)
}
