// Package codec turns a HEIC/HEIF file into a JPEG. Decoding is delegated to
// an external program; the JPEG is encoded in-process at the requested quality.
package codec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/logger"
	"github.com/coah80/heic2jpg/internal/util"
)

// Codec writes a JPEG for inputPath at outputPath. The directory of
// outputPath must already exist.
type Codec interface {
	Convert(ctx context.Context, inputPath, outputPath string, quality int) error
}

// NormalizeQuality parses a client-supplied quality. Empty, non-numeric or
// out-of-range values fall back to def with a warning; they are never an error.
func NormalizeQuality(raw string, def int) int {
	if def < 1 || def > 100 {
		def = config.DefaultQuality
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	q, err := strconv.Atoi(raw)
	if err != nil || q < 1 || q > 100 {
		logger.Component("codec").Warn("quality out of range, using default",
			slog.String("quality", raw), slog.Int("default", def))
		return def
	}
	return q
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// ExecCodec decodes with an external HEIF decoder into a temporary PNG next to
// the output, then encodes that PNG as JPEG.
type ExecCodec struct {
	decoder string
	run     runFunc
}

func NewExecCodec(decoder string) *ExecCodec {
	return &ExecCodec{decoder: decoder, run: runCommand}
}

func (c *ExecCodec) Decoder() string { return c.decoder }

func (c *ExecCodec) Convert(ctx context.Context, inputPath, outputPath string, quality int) error {
	if quality < 1 || quality > 100 {
		quality = config.DefaultQuality
	}
	name := filepath.Base(inputPath)
	tmp := outputPath + ".decode.png"
	defer os.Remove(tmp)

	stderr, err := c.run(ctx, c.decoder, decoderArgs(c.decoder, inputPath, tmp)...)
	if err != nil {
		logger.FromContext(ctx).Warn("decoder failed",
			slog.String("decoder", c.decoder),
			slog.String("file", name),
			slog.String("stderr", truncate(strings.TrimSpace(string(stderr)), 500)),
			slog.Any("error", err))
		if ctx.Err() != nil {
			return util.NewError(util.KindCodec, ctx.Err(), "decoding %s timed out", name)
		}
		return util.NewError(util.KindCodec, err, "could not decode %s", name)
	}

	if err := EncodeJPEG(tmp, outputPath, quality); err != nil {
		return util.NewError(util.KindCodec, err, "could not encode %s", name)
	}
	return nil
}

func decoderArgs(decoder, in, out string) []string {
	switch filepath.Base(decoder) {
	case "magick", "convert":
		return []string{in + "[0]", out}
	case "ffmpeg":
		return []string{"-y", "-v", "error", "-i", in, "-frames:v", "1", out}
	default:
		return []string{in, out}
	}
}

// EncodeJPEG re-encodes the image at src as a JPEG at dst. A partially written
// dst is removed on failure.
func EncodeJPEG(src, dst string, quality int) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("read decoded image: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("encode jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
