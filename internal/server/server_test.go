package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coah80/heic2jpg/internal/analytics"
	"github.com/coah80/heic2jpg/internal/auth"
	"github.com/coah80/heic2jpg/internal/cleanup"
	"github.com/coah80/heic2jpg/internal/codec"
	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/convert"
	"github.com/coah80/heic2jpg/internal/middleware"
	"github.com/coah80/heic2jpg/internal/routes"
)

func newTestServer(t *testing.T) (*httptest.Server, *config.Config) {
	t.Helper()
	root := t.TempDir()
	public := filepath.Join(root, "public")
	require.NoError(t, os.MkdirAll(public, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(public, "index.html"), []byte("<h1>heic2jpg</h1>"), 0644))

	cfg := &config.Config{
		Port:       "0",
		InputDir:   filepath.Join(root, "uploads"),
		OutputDir:  filepath.Join(root, "converted"),
		ArchiveDir: filepath.Join(root, "archives"),
		Quality:    config.DefaultQuality,
		PublicDir:  public,
		JWTSecret:  "server-test",
	}
	reg := prometheus.NewRegistry()
	usage := analytics.New(reg)
	api := routes.New(routes.Deps{
		Config:    cfg,
		Converter: convert.New(codec.NewExecCodec("heif-convert")),
		Usage:     usage,
		Cleanup:   cleanup.New(),
		Auth:      auth.New(cfg, usage),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	srv := New(cfg, api, NewLimiters(middleware.NewMemoryStore(), usage))
	assert.Equal(t, ":0", srv.Addr)

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, cfg
}

func TestServerMiddlewareStack(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"))
}

func TestServerMetricsAndStatic(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/some/client/route")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestServerLoginLimiter(t *testing.T) {
	ts, _ := newTestServer(t)
	codes := make([]int, 0, config.LoginRateLimit+1)
	for i := 0; i <= config.LoginRateLimit; i++ {
		resp, err := http.Post(ts.URL+"/admin/login", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	for _, c := range codes[:config.LoginRateLimit] {
		assert.Equal(t, http.StatusBadRequest, c)
	}
	assert.Equal(t, http.StatusTooManyRequests, codes[config.LoginRateLimit])
}

func TestPadVersion(t *testing.T) {
	assert.Len(t, padVersion("dev"), 11)
	assert.Equal(t, "1.2.3-long-version", padVersion("1.2.3-long-version"))
}
