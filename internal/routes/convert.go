package routes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/heic2jpg/internal/archive"
	"github.com/coah80/heic2jpg/internal/codec"
	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/convert"
	"github.com/coah80/heic2jpg/internal/logger"
	"github.com/coah80/heic2jpg/internal/util"
)

// uploadFields are the multipart fields files are read from, in order.
var uploadFields = []string{"file", "files"}

func (a *API) ConvertRoutes(r chi.Router, middlewares ...func(http.Handler) http.Handler) {
	chain := slices.Concat(middlewares, []func(http.Handler) http.Handler{a.Auth.APIKey})
	r.With(chain...).Post("/convert", a.handleConvert)
}

type fileError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

type convertedFile struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	FileSize     string `json:"fileSize"`
}

func (a *API) handleConvert(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	session := util.NewSessionToken()
	log := logger.FromContext(r.Context()).With(slog.String("session", util.ShortToken(session)))
	ctx := logger.WithContext(r.Context(), log)

	files, err := a.saveUploadedFiles(w, r, session)
	if err != nil {
		log.Info("upload rejected", slog.Any("error", err))
		respondError(w, 400, util.ToUserError(err))
		return
	}

	quality := codec.NormalizeQuality(r.FormValue("quality"), a.Config.Quality)
	result := a.Converter.ConvertBatch(ctx, files, a.Config.MaxFiles(), a.Config.OutputDir, quality)

	var art *archive.Artifact
	var archiveErr error
	if result.Succeeded > 1 {
		art, archiveErr = a.packageOutputs(ctx, result, session)
	}

	a.Usage.RecordAttempt(result, time.Since(started))
	if result.Succeeded == 0 && hasCodecFailure(result) {
		a.Alerts.ConversionFailed(session, result.Total, util.ToUserError(result.Outcomes[0].Err))
	}

	if len(files) == 1 {
		a.respondSingle(w, result.Outcomes[0], time.Since(started))
	} else {
		a.respondBatch(w, result, art, archiveErr)
	}

	a.scheduleCleanup(files, result, art)
}

// saveUploadedFiles enforces the intake ceilings and moves every upload into
// the intake directory under a session-scoped name.
func (a *API) saveUploadedFiles(w http.ResponseWriter, r *http.Request, session string) ([]convert.UploadedFile, error) {
	maxFiles := a.Config.MaxFiles()
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxFiles)*config.FileSizeLimit+config.MultipartMemory)
	if err := r.ParseMultipartForm(config.MultipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, util.NewError(util.KindValidation, err, "File too large (max %d MB)", config.FileSizeLimit/bytesPerMB)
		}
		return nil, util.NewError(util.KindValidation, err, "Failed to parse upload")
	}
	defer r.MultipartForm.RemoveAll()

	var headers []*multipart.FileHeader
	for _, field := range uploadFields {
		headers = append(headers, r.MultipartForm.File[field]...)
	}
	if len(headers) == 0 {
		return nil, util.NewError(util.KindValidation, nil, "No file uploaded")
	}
	if len(headers) > maxFiles {
		return nil, util.NewError(util.KindValidation, nil, "Too many files (max %d per request)", maxFiles)
	}
	for _, h := range headers {
		if h.Size > config.FileSizeLimit {
			return nil, util.NewError(util.KindValidation, nil, "%s is too large (max %d MB)",
				util.SanitizeFilename(h.Filename), config.FileSizeLimit/bytesPerMB)
		}
	}

	if err := os.MkdirAll(a.Config.InputDir, 0755); err != nil {
		return nil, fmt.Errorf("prepare intake directory: %w", err)
	}

	files := make([]convert.UploadedFile, 0, len(headers))
	for i, h := range headers {
		f, err := saveUploadedFile(h, filepath.Join(a.Config.InputDir, util.IntakeName(session, i+1, h.Filename)))
		if err != nil {
			for _, saved := range files {
				os.Remove(saved.Path)
			}
			return nil, util.NewError(util.KindValidation, err, "Failed to save file")
		}
		files = append(files, f)
	}
	return files, nil
}

func saveUploadedFile(h *multipart.FileHeader, dest string) (convert.UploadedFile, error) {
	src, err := h.Open()
	if err != nil {
		return convert.UploadedFile{}, err
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return convert.UploadedFile{}, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return convert.UploadedFile{}, err
	}
	return convert.UploadedFile{
		Path:         dest,
		OriginalName: h.Filename,
		MIMEType:     h.Header.Get("Content-Type"),
		Size:         n,
	}, nil
}

func (a *API) packageOutputs(ctx context.Context, result convert.BatchResult, session string) (*archive.Artifact, error) {
	var members []archive.Member
	for _, o := range result.Successes() {
		members = append(members, archive.Member{Path: o.OutputPath, Name: o.DisplayName()})
	}
	art, err := archive.Package(ctx, members, filepath.Join(a.Config.ArchiveDir, util.ArchiveName(session)))
	if err != nil {
		logger.FromContext(ctx).Error("archive failed", slog.Any("error", err))
		a.Alerts.ArchiveFailed(session, err)
		return nil, err
	}
	return art, nil
}

func (a *API) respondSingle(w http.ResponseWriter, o convert.Outcome, took time.Duration) {
	if !o.OK() {
		status := 500
		if errors.Is(o.Err, util.ErrInvalidInput) {
			status = 400
		}
		respondJSON(w, status, map[string]interface{}{
			"success": false,
			"error":   util.ToUserError(o.Err),
		})
		return
	}
	respondJSON(w, 200, map[string]interface{}{
		"success":        true,
		"filename":       filepath.Base(o.OutputPath),
		"originalName":   o.File.OriginalName,
		"fileSize":       megabytes(o.Size),
		"processingTime": took.Milliseconds(),
		"successCount":   1,
		"totalFiles":     1,
	})
}

func (a *API) respondBatch(w http.ResponseWriter, result convert.BatchResult, art *archive.Artifact, archiveErr error) {
	var errs []fileError
	for _, o := range result.Failures() {
		errs = append(errs, fileError{File: o.File.OriginalName, Error: util.ToUserError(o.Err)})
	}

	if result.Succeeded == 0 {
		respondJSON(w, 422, map[string]interface{}{
			"success":      false,
			"successCount": 0,
			"totalFiles":   result.Total,
			"errors":       errs,
		})
		return
	}

	converted := make([]convertedFile, 0, result.Succeeded)
	for _, o := range result.Successes() {
		converted = append(converted, convertedFile{
			Filename:     filepath.Base(o.OutputPath),
			OriginalName: o.File.OriginalName,
			FileSize:     megabytes(o.Size),
		})
	}

	body := map[string]interface{}{
		"success":      true,
		"successCount": result.Succeeded,
		"totalFiles":   result.Total,
		"totalSize":    megabytes(result.Bytes()),
		"files":        converted,
	}
	switch {
	case result.Succeeded == 1:
		body["filename"] = converted[0].Filename
	case art != nil:
		body["zipFile"] = art.Name()
	default:
		body["zipFile"] = nil
		errs = append(errs, fileError{File: "archive", Error: util.ToUserError(archiveErr)})
	}
	if len(errs) > 0 {
		body["errors"] = errs
	}
	respondJSON(w, 200, body)
}

// scheduleCleanup hands every artifact of the request to the cleanup
// scheduler once the response is written.
func (a *API) scheduleCleanup(files []convert.UploadedFile, result convert.BatchResult, art *archive.Artifact) {
	paths := make([]string, 0, len(files)+result.Succeeded+1)
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	for _, o := range result.Successes() {
		paths = append(paths, o.OutputPath)
	}
	if art != nil {
		paths = append(paths, art.Path)
	}
	a.Cleanup.Schedule(config.LongDelay, paths...)
}

func hasCodecFailure(result convert.BatchResult) bool {
	for _, o := range result.Failures() {
		if errors.Is(o.Err, util.ErrCodec) || errors.Is(o.Err, util.ErrEmptyOutput) {
			return true
		}
	}
	return false
}
