package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/coah80/heic2jpg/internal/auth"
	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/logger"
	"github.com/coah80/heic2jpg/internal/middleware"
	"github.com/coah80/heic2jpg/internal/routes"
)

// Limiters are the three per-IP windows. Each may share one Store.
type Limiters struct {
	General *middleware.Limiter
	Convert *middleware.Limiter
	Login   *middleware.Limiter
}

func NewLimiters(store middleware.Store, events ...auth.EventRecorder) Limiters {
	return Limiters{
		General: middleware.NewLimiter("requests", config.GeneralRateLimit, config.RateLimitWindow, store, events...),
		Convert: middleware.NewLimiter("conversion requests", config.ConvertRateLimit, config.RateLimitWindow, store, events...),
		Login:   middleware.NewLimiter("login attempts", config.LoginRateLimit, config.RateLimitWindow, store, events...),
	}
}

func NewRouter(cfg *config.Config, api *routes.API, limits Limiters) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(limits.General.Handler)

	api.CoreRoutes(r)
	api.ConvertRoutes(r, limits.Convert.Handler)
	api.DownloadRoutes(r)
	api.AdminRoutes(r, limits.Login.Handler)

	if cfg.PublicDir != "" {
		servePublic(r, cfg.PublicDir)
	}
	return r
}

func New(cfg *config.Config, api *routes.API, limits Limiters) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(cfg, api, limits),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// requestLogger stores a logger tagged with the request ID in the context.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logger.L.With(slog.String("request_id", chimw.GetReqID(r.Context())))
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), l)))
	})
}

// servePublic serves the static front-end, falling back to index.html.
func servePublic(r chi.Router, dir string) {
	publicDir, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	if info, err := os.Stat(publicDir); err != nil || !info.IsDir() {
		return
	}
	fileServer := http.FileServer(http.Dir(publicDir))
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		cleaned := filepath.Clean(filepath.Join(publicDir, strings.TrimPrefix(r.URL.Path, "/")))
		if cleaned != publicDir && !strings.HasPrefix(cleaned, publicDir+string(filepath.Separator)) {
			http.NotFound(w, r)
			return
		}
		if _, err := os.Stat(cleaned); os.IsNotExist(err) {
			http.ServeFile(w, r, filepath.Join(publicDir, "index.html"))
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

func PrintBanner() {
	fmt.Printf(`
  ┌──────────────────────────────────┐
  │        heic2jpg %s          │
  │    HEIC to JPEG conversion api   │
  └──────────────────────────────────┘
`, padVersion(config.Version))
}

func padVersion(v string) string {
	for len(v) < 11 {
		v += " "
	}
	return v
}
