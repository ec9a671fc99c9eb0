package util

import (
	"errors"
	"log/slog"
	"os/exec"

	"github.com/coah80/heic2jpg/internal/logger"
)

// HEIFDecoders are the external programs that can turn HEIC/HEIF into PNG,
// in order of preference.
var HEIFDecoders = []string{"heif-convert", "magick", "ffmpeg"}

var ErrNoDecoder = errors.New("no HEIF decoder found (install libheif-examples, imagemagick or ffmpeg)")

var lookPath = exec.LookPath

// FindDecoder returns the preferred decoder if set and present, otherwise the
// first of HEIFDecoders on PATH. It logs what it found, like a startup check.
func FindDecoder(preferred string) (string, error) {
	log := logger.Component("deps")
	candidates := HEIFDecoders
	if preferred != "" {
		candidates = append([]string{preferred}, HEIFDecoders...)
	}
	for _, name := range candidates {
		path, err := lookPath(name)
		if err != nil {
			log.Debug("decoder not found", slog.String("name", name))
			continue
		}
		log.Info("decoder found", slog.String("name", name), slog.String("path", path))
		return name, nil
	}
	log.Error("no HEIF decoder available", slog.Any("candidates", candidates))
	return "", ErrNoDecoder
}
