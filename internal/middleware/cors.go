package middleware

import (
	"bufio"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/cors"

	"github.com/coah80/heic2jpg/internal/logger"
)

const CORSOriginsFile = "cors-origins.txt"

var corsMethods = []string{"GET", "POST", "OPTIONS"}
var corsHeaders = []string{"Content-Type", "Authorization", "X-API-Key"}
var exposedHeaders = []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"}

// CORS allows the configured origins. With none configured it falls back to
// cors-origins.txt, then to any origin without credentials.
func CORS(origins []string) func(http.Handler) http.Handler {
	log := logger.Component("cors")
	if len(origins) == 0 {
		origins = loadCORSOrigins(CORSOriginsFile)
		if len(origins) > 0 {
			log.Info("loaded CORS origins", slog.String("file", CORSOriginsFile), slog.Int("count", len(origins)))
		}
	}

	if len(origins) > 0 {
		return cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   corsMethods,
			AllowedHeaders:   corsHeaders,
			ExposedHeaders:   exposedHeaders,
			AllowCredentials: true,
			MaxAge:           86400,
		})
	}

	log.Warn("no CORS origins configured, allowing all origins with credentials disabled")
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   corsMethods,
		AllowedHeaders:   corsHeaders,
		ExposedHeaders:   exposedHeaders,
		AllowCredentials: false,
		MaxAge:           86400,
	})
}

func loadCORSOrigins(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var origins []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			origins = append(origins, line)
		}
	}
	return origins
}

// SecurityHeaders sets the baseline response headers on every request.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Resource-Policy", "same-site")
		next.ServeHTTP(w, r)
	})
}
