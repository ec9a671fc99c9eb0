// Package routes holds the HTTP handlers. Handlers share one API value that
// carries every dependency; nothing is read from package state.
package routes

import (
	"net/http"
	"time"

	"github.com/coah80/heic2jpg/internal/alerts"
	"github.com/coah80/heic2jpg/internal/analytics"
	"github.com/coah80/heic2jpg/internal/auth"
	"github.com/coah80/heic2jpg/internal/cleanup"
	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/convert"
)

type Deps struct {
	Config    *config.Config
	Converter *convert.Converter
	Usage     *analytics.Usage
	Cleanup   *cleanup.Scheduler
	Auth      *auth.Authenticator
	Alerts    *alerts.Notifier
	// Metrics serves the Prometheus exposition; nil disables /metrics.
	Metrics http.Handler
}

type API struct {
	Deps
	started time.Time
}

func New(d Deps) *API {
	return &API{Deps: d, started: time.Now()}
}
