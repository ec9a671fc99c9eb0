package util

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/logger"
)

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9.-]`)
var multiUnderscoreRe = regexp.MustCompile(`_{2,}`)
var acceptedExtRe = regexp.MustCompile(`(?i)\.(heic|heif)$`)

// EnsureDirs creates every directory, ignoring ones that already exist.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Base(dir), err)
		}
	}
	return nil
}

// ClearTempDirs empties the given directories. Subdirectories that are
// themselves in dirs are left in place.
func ClearTempDirs(dirs ...string) {
	keep := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		keep[filepath.Clean(d)] = true
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			os.MkdirAll(dir, 0755)
			continue
		}
		for _, e := range entries {
			p := filepath.Join(dir, e.Name())
			if keep[filepath.Clean(p)] {
				continue
			}
			os.RemoveAll(p)
		}
	}
	logger.Component("cleanup").Info("cleared temp directories", slog.Int("dirs", len(dirs)))
}

// CleanupStaleFiles removes regular files older than retention from dirs and
// reports how many were removed.
func CleanupStaleFiles(now time.Time, retention time.Duration, dirs ...string) int {
	log := logger.Component("cleanup")
	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > retention {
				if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
					log.Warn("stale file removal failed", slog.String("file", e.Name()), slog.Any("error", err))
					continue
				}
				log.Info("removed stale file", slog.String("file", e.Name()))
				removed++
			}
		}
	}

	if len(dirs) > 0 {
		if ds, err := GetDiskSpace(dirs[0]); err == nil {
			log.Debug("disk space",
				slog.Float64("free_gb", ds.AvailGB),
				slog.Float64("total_gb", ds.TotalGB),
				slog.Float64("used_gb", ds.UsedGB))
			if ds.Low(config.DiskSpaceMinGB) {
				log.Warn("disk space below threshold",
					slog.Float64("free_gb", ds.AvailGB),
					slog.Int("threshold_gb", config.DiskSpaceMinGB))
			}
		}
	}
	return removed
}

// SanitizeFilename keeps [a-zA-Z0-9.-], maps everything else to '_',
// collapses runs of '_' and caps the length.
func SanitizeFilename(filename string) string {
	s := unsafeFilenameRe.ReplaceAllString(filepath.Base(filename), "_")
	s = multiUnderscoreRe.ReplaceAllString(s, "_")
	s = strings.TrimLeft(s, ".")
	if len(s) > config.MaxFilenameLen {
		ext := filepath.Ext(s)
		if len(ext) >= config.MaxFilenameLen {
			ext = ""
		}
		s = s[:config.MaxFilenameLen-len(ext)] + ext
	}
	if s == "" || s == "_" {
		return "file"
	}
	return s
}

// HasAcceptedExt reports whether name ends in .heic or .heif, any case.
func HasAcceptedExt(name string) bool {
	return acceptedExtRe.MatchString(name)
}

// JPEGName swaps an accepted extension for .jpg; other names get .jpg appended.
func JPEGName(name string) string {
	if HasAcceptedExt(name) {
		return acceptedExtRe.ReplaceAllString(name, ".jpg")
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
}

// IntakeName is the on-disk name for an uploaded file within a session.
func IntakeName(session string, index int, original string) string {
	return fmt.Sprintf("%s-%02d-%s", session, index, SanitizeFilename(original))
}

// ArchiveName is the on-disk archive name for a session.
func ArchiveName(session string) string {
	return session + ".zip"
}
