package routes

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/logger"
	"github.com/coah80/heic2jpg/internal/util"
)

func (a *API) DownloadRoutes(r chi.Router) {
	// The wildcard keeps names with separators in one parameter so they can
	// be rejected instead of routed elsewhere.
	r.Get("/download/*", a.handleDownload)
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	name := chi.URLParam(r, "*")

	check := util.ValidateDownloadName(name, a.downloadExts()...)
	if !check.Valid {
		log.Warn("download rejected", slog.String("name", name), slog.String("reason", check.Error))
		respondError(w, 400, check.Error)
		return
	}

	isZip := strings.EqualFold(filepath.Ext(name), ".zip")
	dir, contentType := a.Config.OutputDir, "image/jpeg"
	if isZip {
		dir, contentType = a.Config.ArchiveDir, "application/zip"
	}
	path := filepath.Join(dir, name)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respondError(w, 404, "File not found")
			return
		}
		log.Error("download open failed", slog.String("file", name), slog.Any("error", err))
		respondError(w, 500, "Download failed")
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || !stat.Mode().IsRegular() {
		respondError(w, 404, "File not found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(stat.Size(), 10))
	w.Header().Set("Content-Disposition", attachment(name))

	if _, err := io.Copy(w, f); err != nil {
		log.Warn("download interrupted", slog.String("file", name), slog.Any("error", err))
		return
	}

	if isZip {
		f.Close()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("archive removal failed", slog.String("file", name), slog.Any("error", err))
		}
		a.Cleanup.Cancel(path)
		return
	}
	a.Cleanup.Schedule(config.ShortDelay, path)
}

// downloadExts lists the artifact types this deployment produces; archives
// only exist in multi-file mode.
func (a *API) downloadExts() []string {
	if a.Config.MultiFile {
		return []string{".jpg", ".zip"}
	}
	return []string{".jpg"}
}
