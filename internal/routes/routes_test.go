package routes

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/coah80/heic2jpg/internal/analytics"
	"github.com/coah80/heic2jpg/internal/auth"
	"github.com/coah80/heic2jpg/internal/cleanup"
	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/convert"
	"github.com/coah80/heic2jpg/internal/middleware"
)

// stubCodec accepts inputs whose content starts with "heic" and writes a
// JPEG-sized payload proportional to quality.
type stubCodec struct {
	mu       sync.Mutex
	qualitys []int
}

func (s *stubCodec) Convert(ctx context.Context, in, out string, quality int) error {
	s.mu.Lock()
	s.qualitys = append(s.qualitys, quality)
	s.mu.Unlock()

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(data, []byte("heic")) {
		return fmt.Errorf("not a HEIF container")
	}
	return os.WriteFile(out, bytes.Repeat([]byte{0xff}, 1024+quality), 0644)
}

type upload struct {
	name    string
	content string
}

func heic(name string) upload { return upload{name: name, content: "heic" + strings.Repeat("x", 512)} }

func multipartRequest(t *testing.T, target, field string, files []upload, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(field, f.name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(f.content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type harness struct {
	api    *API
	router chi.Router
	cfg    *config.Config
	codec  *stubCodec
}

func newHarness(t *testing.T, mutate func(*config.Config), convertMiddlewares ...func(http.Handler) http.Handler) *harness {
	t.Helper()
	root := t.TempDir()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := &config.Config{
		InputDir:          filepath.Join(root, "uploads"),
		OutputDir:         filepath.Join(root, "converted"),
		ArchiveDir:        filepath.Join(root, "converted", "archives"),
		Quality:           config.DefaultQuality,
		MultiFile:         true,
		AdminUsername:     "admin",
		AdminPasswordHash: string(hash),
		JWTSecret:         "routes-test",
	}
	if mutate != nil {
		mutate(cfg)
	}

	sc := &stubCodec{}
	usage := analytics.New(nil)
	api := New(Deps{
		Config:    cfg,
		Converter: convert.New(sc),
		Usage:     usage,
		Cleanup:   cleanup.New(),
		Auth:      auth.New(cfg, usage),
	})

	r := chi.NewRouter()
	api.CoreRoutes(r)
	api.ConvertRoutes(r, convertMiddlewares...)
	api.DownloadRoutes(r)
	api.AdminRoutes(r)
	return &harness{api: api, router: r, cfg: cfg, codec: sc}
}

func (h *harness) do(req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	w, body := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, config.Version, body["version"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestConvertSingleFile(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MultiFile = false })
	big := upload{name: "IMG_0001.HEIC", content: "heic" + strings.Repeat("x", 2<<20)}

	w, body := h.do(multipartRequest(t, "/convert", "file", []upload{big}, map[string]string{"quality": "90"}))
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "IMG_0001.HEIC", body["originalName"])
	assert.Equal(t, float64(1), body["successCount"])
	assert.Equal(t, float64(1), body["totalFiles"])

	filename := body["filename"].(string)
	assert.True(t, strings.HasSuffix(filename, "-01-IMG_0001.jpg"), filename)
	assert.FileExists(t, filepath.Join(h.cfg.OutputDir, filename))
	assert.Equal(t, []int{90}, h.codec.qualitys)

	snap := h.api.Usage.Snapshot(false)
	assert.Equal(t, 1, snap.TotalConversions)
	assert.Equal(t, 1, snap.SuccessfulConversions)
	assert.Equal(t, 2, h.api.Cleanup.Pending())
}

func TestConvertQualityFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	for _, q := range []string{"0", "101", "abc"} {
		w, _ := h.do(multipartRequest(t, "/convert", "file", []upload{heic("a.heic")}, map[string]string{"quality": q}))
		require.Equal(t, 200, w.Code)
	}
	assert.Equal(t, []int{85, 85, 85}, h.codec.qualitys)
}

func TestConvertSingleFailures(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MultiFile = false })

	w, body := h.do(multipartRequest(t, "/convert", "file", []upload{{name: "photo.png", content: "heic"}}, nil))
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "HEIC/HEIF")

	w, body = h.do(multipartRequest(t, "/convert", "file", []upload{{name: "fake.heic", content: "\x89PNG"}}, nil))
	assert.Equal(t, 500, w.Code)
	assert.Equal(t, false, body["success"])
	assert.NotContains(t, body["error"], h.cfg.InputDir)

	assert.Len(t, h.codec.qualitys, 1, "png upload never reached the codec")
}

func TestConvertIntakeRejections(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MultiFile = false })

	w, body := h.do(multipartRequest(t, "/convert", "file", nil, map[string]string{"quality": "90"}))
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "No file uploaded", body["error"])

	w, body = h.do(multipartRequest(t, "/convert", "file", []upload{heic("a.heic"), heic("b.heic")}, nil))
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, body["error"], "Too many files")

	assert.Equal(t, 0, h.api.Usage.Snapshot(false).TotalConversions)
	entries, _ := os.ReadDir(h.cfg.InputDir)
	assert.Empty(t, entries)
}

func TestConvertBatchWithOneBadFile(t *testing.T) {
	h := newHarness(t, nil)
	var files []upload
	for i := 1; i <= 10; i++ {
		f := heic(fmt.Sprintf("IMG_%02d.heic", i))
		if i == 4 {
			f.content = "\x89PNG renamed"
		}
		files = append(files, f)
	}

	w, body := h.do(multipartRequest(t, "/convert", "files", files, nil))
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Equal(t, float64(9), body["successCount"])
	assert.Equal(t, float64(10), body["totalFiles"])

	errs := body["errors"].([]interface{})
	require.Len(t, errs, 1)
	assert.Equal(t, "IMG_04.heic", errs[0].(map[string]interface{})["file"])

	zipName := body["zipFile"].(string)
	zr, err := zip.OpenReader(filepath.Join(h.cfg.ArchiveDir, zipName))
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 9)
	for _, f := range zr.File {
		assert.NotContains(t, f.Name, "/")
		assert.NotEqual(t, "IMG_04.jpg", f.Name)
	}

	snap := h.api.Usage.Snapshot(false)
	assert.Equal(t, 10, snap.TotalConversions)
	assert.Equal(t, 9, snap.SuccessfulConversions)
	assert.Equal(t, 90.0, snap.SuccessRate)
	// 10 intake files, 9 outputs, 1 archive
	assert.Equal(t, 20, h.api.Cleanup.Pending())
}

func TestConvertBatchAllFailed(t *testing.T) {
	h := newHarness(t, nil)
	files := []upload{{name: "a.jpg", content: "x"}, {name: "b.heic", content: "nope"}}

	w, body := h.do(multipartRequest(t, "/convert", "files", files, nil))
	assert.Equal(t, 422, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, float64(0), body["successCount"])
	assert.Len(t, body["errors"], 2)
}

func TestConvertBatchSingleSuccessHasNoArchive(t *testing.T) {
	h := newHarness(t, nil)
	files := []upload{heic("a.heic"), {name: "b.png", content: "x"}}

	w, body := h.do(multipartRequest(t, "/convert", "files", files, nil))
	require.Equal(t, 200, w.Code)
	assert.NotContains(t, body, "zipFile")
	assert.NotEmpty(t, body["filename"])
}

func TestConvertArchiveFailureDegrades(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	h := newHarness(t, func(c *config.Config) { c.ArchiveDir = filepath.Join(blocker, "archives") })

	w, body := h.do(multipartRequest(t, "/convert", "files", []upload{heic("a.heic"), heic("b.heic")}, nil))
	require.Equal(t, 200, w.Code)
	assert.Contains(t, body, "zipFile")
	assert.Nil(t, body["zipFile"])
	assert.Equal(t, float64(2), body["successCount"])
	assert.Len(t, body["files"], 2)
	errs := body["errors"].([]interface{})
	require.Len(t, errs, 1)
	assert.Equal(t, "archive", errs[0].(map[string]interface{})["file"])
}

func TestConvertRequiresAPIKey(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RequireAPIKey = true
		c.APIKeys = []string{"good-key-9999"}
	})

	w, _ := h.do(multipartRequest(t, "/convert", "file", []upload{heic("a.heic")}, nil))
	assert.Equal(t, 401, w.Code)

	req := multipartRequest(t, "/convert", "file", []upload{heic("a.heic")}, nil)
	req.Header.Set("X-API-Key", "good-key-9999")
	w, _ = h.do(req)
	assert.Equal(t, 200, w.Code)

	assert.Equal(t, 1, h.api.Usage.Snapshot(true).SecurityEvents[auth.EventMissingAPIKey])
}

func TestConvertRateLimited(t *testing.T) {
	limiter := middleware.NewLimiter("conversion requests", config.ConvertRateLimit, config.RateLimitWindow, middleware.NewMemoryStore())
	h := newHarness(t, nil, limiter.Handler)

	for i := 0; i < config.ConvertRateLimit; i++ {
		w, _ := h.do(multipartRequest(t, "/convert", "file", []upload{heic("a.heic")}, nil))
		require.Equal(t, 200, w.Code, "request %d", i+1)
	}
	before := h.api.Usage.Snapshot(false).TotalConversions

	w, body := h.do(multipartRequest(t, "/convert", "file", []upload{heic("a.heic")}, nil))
	assert.Equal(t, 429, w.Code)
	assert.Equal(t, "Too many conversion requests", body["error"])
	assert.Equal(t, before, h.api.Usage.Snapshot(false).TotalConversions)
	assert.Equal(t, config.ConvertRateLimit, before)
}

func TestDownload(t *testing.T) {
	h := newHarness(t, nil)
	_, body := h.do(multipartRequest(t, "/convert", "files", []upload{heic("a.heic"), heic("b.heic")}, nil))
	files := body["files"].([]interface{})
	jpg := files[0].(map[string]interface{})["filename"].(string)
	zipName := body["zipFile"].(string)

	cleanups := h.api.Cleanup.Pending()

	w, _ := h.do(httptest.NewRequest(http.MethodGet, "/download/"+jpg, nil))
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), jpg)
	assert.Equal(t, 1024+config.DefaultQuality, w.Body.Len())
	assert.FileExists(t, filepath.Join(h.cfg.OutputDir, jpg))
	assert.Equal(t, cleanups, h.api.Cleanup.Pending())

	w, _ = h.do(httptest.NewRequest(http.MethodGet, "/download/"+zipName, nil))
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.NoFileExists(t, filepath.Join(h.cfg.ArchiveDir, zipName))
	assert.Equal(t, cleanups-1, h.api.Cleanup.Pending())

	w, _ = h.do(httptest.NewRequest(http.MethodGet, "/download/"+zipName, nil))
	assert.Equal(t, 404, w.Code)
}

func TestDownloadRejectsBadNames(t *testing.T) {
	h := newHarness(t, nil)
	secret := filepath.Join(h.cfg.InputDir, "secret.jpg")
	require.NoError(t, os.MkdirAll(h.cfg.InputDir, 0755))
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0644))

	for _, target := range []string{
		"/download/evil/../../etc/passwd",
		"/download/..%2Fuploads%2Fsecret.jpg",
		"/download/archives/x.zip",
		"/download/notes.txt",
		"/download/a.heic",
	} {
		w, _ := h.do(httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, 400, w.Code, target)
	}

	w, _ := h.do(httptest.NewRequest(http.MethodGet, "/download/missing.jpg", nil))
	assert.Equal(t, 404, w.Code)
}

func TestDownloadZipOnlyInMultiFileMode(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MultiFile = false })
	require.NoError(t, os.MkdirAll(h.cfg.ArchiveDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(h.cfg.ArchiveDir, "sess.zip"), []byte("PK"), 0644))

	w, _ := h.do(httptest.NewRequest(http.MethodGet, "/download/sess.zip", nil))
	assert.Equal(t, 400, w.Code)
	assert.FileExists(t, filepath.Join(h.cfg.ArchiveDir, "sess.zip"))

	w, _ = h.do(httptest.NewRequest(http.MethodGet, "/download/missing.jpg", nil))
	assert.Equal(t, 404, w.Code)
}

func TestConvertRoutesLeavesCallerMiddlewaresAlone(t *testing.T) {
	h := newHarness(t, nil)
	passthrough := func(next http.Handler) http.Handler { return next }
	mws := make([]func(http.Handler) http.Handler, 1, 2)
	mws[0] = passthrough

	h.api.ConvertRoutes(chi.NewRouter(), mws...)
	assert.Nil(t, mws[:2][1])
}

func TestAdminLoginAndAnalytics(t *testing.T) {
	h := newHarness(t, nil)

	w, _ := h.do(httptest.NewRequest(http.MethodGet, "/admin/analytics", nil))
	assert.Equal(t, 401, w.Code)

	login := func(user, pass string) (*httptest.ResponseRecorder, map[string]interface{}) {
		payload, _ := json.Marshal(map[string]string{"username": user, "password": pass})
		req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		return h.do(req)
	}

	w, body := login("admin", "wrong")
	assert.Equal(t, 401, w.Code)
	assert.Equal(t, "Invalid credentials", body["error"])

	w, _ = login("", "")
	assert.Equal(t, 400, w.Code)

	w, body = login("admin", "hunter2")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "24h", body["expiresIn"])
	token := body["token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/admin/analytics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w, body = h.do(req)
	require.Equal(t, 200, w.Code)
	stats := body["analytics"].(map[string]interface{})
	events := stats["securityEventCounts"].(map[string]interface{})
	assert.Equal(t, float64(1), events[auth.EventLoginFailed])
	assert.Equal(t, "admin", body["user"])

	w, _ = h.do(httptest.NewRequest(http.MethodGet, "/analytics", nil))
	var public map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &public))
	assert.NotContains(t, public, "securityEventCounts")
}

func TestAdminLoginDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.AdminPasswordHash = "" })
	payload := `{"username":"admin","password":"x"}`
	w, _ := h.do(httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(payload)))
	assert.Equal(t, 503, w.Code)
}

func TestMegabytesAndTTL(t *testing.T) {
	assert.Equal(t, "2.00", megabytes(2<<20))
	assert.Equal(t, "0.00", megabytes(0))
	assert.Equal(t, "24h", formatTTL(24*time.Hour))
	assert.Equal(t, "1m30s", formatTTL(90*time.Second))
}
