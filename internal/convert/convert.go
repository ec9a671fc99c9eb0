// Package convert runs uploaded HEIC/HEIF files through the codec, one at a
// time or as an ordered batch in which one file's failure never stops the rest.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coah80/heic2jpg/internal/codec"
	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/logger"
	"github.com/coah80/heic2jpg/internal/util"
)

// UploadedFile is one file accepted at intake. Path is owned by the request
// until the response is sent, then by the cleanup scheduler.
type UploadedFile struct {
	Path         string
	OriginalName string
	MIMEType     string
	Size         int64
}

func (f UploadedFile) name() string {
	if f.OriginalName != "" {
		return f.OriginalName
	}
	return filepath.Base(f.Path)
}

// Outcome is the result for one file: a success when Err is nil, a failure
// otherwise. Outcomes are never mutated after ConvertOne returns.
type Outcome struct {
	File       UploadedFile
	OutputPath string
	Size       int64
	Err        *util.Error
}

func (o Outcome) OK() bool { return o.Err == nil }

// DisplayName is the name a client sees for the converted file.
func (o Outcome) DisplayName() string {
	return util.JPEGName(util.SanitizeFilename(o.File.name()))
}

func success(file UploadedFile, path string, size int64) Outcome {
	return Outcome{File: file, OutputPath: path, Size: size}
}

func failure(file UploadedFile, err error) Outcome {
	var e *util.Error
	if !errors.As(err, &e) {
		e = util.NewError(util.KindCodec, err, "conversion failed")
	}
	return Outcome{File: file, Err: e}
}

// BatchResult is request-scoped and never persisted.
type BatchResult struct {
	Total     int
	Succeeded int
	Outcomes  []Outcome
}

func (r BatchResult) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

func (r BatchResult) Successes() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Bytes is the total size of all successful outputs.
func (r BatchResult) Bytes() int64 {
	var n int64
	for _, o := range r.Outcomes {
		n += o.Size
	}
	return n
}

type Converter struct {
	codec   codec.Codec
	timeout time.Duration
}

func New(c codec.Codec) *Converter {
	return &Converter{codec: c, timeout: config.CodecTimeout}
}

// WithTimeout bounds each codec invocation. Zero disables the bound.
func (c *Converter) WithTimeout(d time.Duration) *Converter {
	c.timeout = d
	return c
}

// ConvertOne validates file, converts it into destDir and checks the result.
// The output name is the intake name with its extension swapped for .jpg,
// suffixed -1, -2 ... when an earlier output already holds that name.
// Every failure is returned as an Outcome, never as an error or panic.
func (c *Converter) ConvertOne(ctx context.Context, file UploadedFile, destDir string, quality int) (out Outcome) {
	log := logger.FromContext(ctx)
	name := file.name()
	var outputPath string

	defer func() {
		if r := recover(); r != nil {
			if outputPath != "" {
				os.Remove(outputPath)
			}
			log.Error("conversion panicked", slog.String("file", name), slog.Any("panic", r))
			out = failure(file, util.NewError(util.KindCodec, fmt.Errorf("%v", r), "conversion failed for %s", filepath.Base(name)))
		}
	}()

	info, err := os.Stat(file.Path)
	if err != nil || !info.Mode().IsRegular() {
		return failure(file, util.NewError(util.KindInvalidInput, err, "%s is not a readable file", filepath.Base(name)))
	}
	if !util.HasAcceptedExt(name) {
		return failure(file, util.NewError(util.KindInvalidInput, nil, "%s: only HEIC/HEIF files are allowed", filepath.Base(name)))
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return failure(file, util.NewError(util.KindCodec, err, "could not prepare output directory"))
	}
	outputPath, err = reserveOutput(destDir, util.JPEGName(filepath.Base(file.Path)))
	if err != nil {
		return failure(file, util.NewError(util.KindCodec, err, "could not prepare output file"))
	}

	codecCtx := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		codecCtx, cancel = context.WithTimeout(codecCtx, c.timeout)
		defer cancel()
	}

	started := time.Now()
	if err := c.codec.Convert(codecCtx, file.Path, outputPath, quality); err != nil {
		os.Remove(outputPath)
		log.Warn("conversion failed", slog.String("file", name), slog.Any("error", err))
		if util.KindOf(err) == "" {
			err = util.NewError(util.KindCodec, err, "could not convert %s", filepath.Base(name))
		}
		return failure(file, err)
	}

	stat, err := os.Stat(outputPath)
	if err != nil || stat.Size() == 0 {
		os.Remove(outputPath)
		log.Warn("conversion produced no output", slog.String("file", name))
		return failure(file, util.NewError(util.KindEmptyOutput, err, "%s produced an empty file", filepath.Base(name)))
	}

	log.Info("converted",
		slog.String("file", name),
		slog.Int64("bytes", stat.Size()),
		slog.Int("quality", quality),
		slog.Duration("took", time.Since(started)))
	return success(file, outputPath, stat.Size())
}

// ConvertBatch converts files sequentially in input order. Files beyond
// maxCount are reported as validation failures rather than converted; the
// intake layer is expected to reject such requests before they get here.
func (c *Converter) ConvertBatch(ctx context.Context, files []UploadedFile, maxCount int, destDir string, quality int) BatchResult {
	result := BatchResult{Total: len(files), Outcomes: make([]Outcome, 0, len(files))}
	for i, f := range files {
		if maxCount > 0 && i >= maxCount {
			result.Outcomes = append(result.Outcomes, failure(f, util.NewError(util.KindValidation, nil,
				"%s: more than %d files in one request", filepath.Base(f.name()), maxCount)))
			continue
		}
		o := c.ConvertOne(ctx, f, destDir, quality)
		if o.OK() {
			result.Succeeded++
		}
		result.Outcomes = append(result.Outcomes, o)
	}

	logger.FromContext(ctx).Info("batch finished",
		slog.Int("total", result.Total),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Total-result.Succeeded))
	return result
}

const maxOutputNameAttempts = 1000

// reserveOutput creates an empty file under the first free variant of name in
// dir and returns its path. The codec then writes over it.
func reserveOutput(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxOutputNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			f.Close()
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free output name for %s", name)
}
