package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/coah80/heic2jpg/internal/logger"
	"github.com/coah80/heic2jpg/internal/util"
)

// Member is one file to put in an archive. Name is the entry name; only its
// base is used so no server directory leaks into the archive.
type Member struct {
	Path string
	Name string
}

type Artifact struct {
	Path    string
	Members []string
	Size    int64
}

// Name is the artifact's filename, which doubles as its download token.
func (a *Artifact) Name() string {
	return filepath.Base(a.Path)
}

// Package writes members into a zip at dest. The archive is built under a
// temporary name and renamed into place, so dest never holds a partial zip.
// Members that no longer exist are skipped with a warning; any other I/O
// failure returns an archive-kind error.
func Package(ctx context.Context, members []Member, dest string) (*Artifact, error) {
	log := logger.FromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, util.NewError(util.KindArchive, err, "could not prepare archive directory")
	}
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, util.NewError(util.KindArchive, err, "could not create archive")
	}

	art, err := writeZip(f, members, log)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err == nil && len(art.Members) == 0 {
		err = errors.New("no files left to archive")
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		os.Remove(tmp)
		return nil, util.NewError(util.KindArchive, err, "failed to create zip")
	}

	stat, err := os.Stat(dest)
	if err != nil {
		return nil, util.NewError(util.KindArchive, err, "failed to create zip")
	}
	art.Path = dest
	art.Size = stat.Size()

	log.Info("archive created",
		slog.String("archive", filepath.Base(dest)),
		slog.Int("members", len(art.Members)),
		slog.Int64("bytes", art.Size))
	return art, nil
}

func writeZip(w io.Writer, members []Member, log *slog.Logger) (*Artifact, error) {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	art := &Artifact{}
	used := make(map[string]int)
	for _, m := range members {
		added, err := addMember(zw, m, used)
		if err != nil {
			zw.Close()
			return nil, err
		}
		if added == "" {
			log.Warn("archive member vanished, skipping", slog.String("file", filepath.Base(m.Path)))
			continue
		}
		art.Members = append(art.Members, added)
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return art, nil
}

// addMember returns the entry name, or "" when the source no longer exists.
func addMember(zw *zip.Writer, m Member, used map[string]int) (string, error) {
	src, err := os.Open(m.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return "", err
	}
	name := m.Name
	if name == "" {
		name = m.Path
	}
	hdr.Name = uniqueName(filepath.Base(name), used)
	hdr.Method = zip.Deflate

	entry, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(entry, src); err != nil {
		return "", fmt.Errorf("copy %s: %w", hdr.Name, err)
	}
	return hdr.Name, nil
}

// uniqueName appends -1, -2 ... before the extension for repeated names.
func uniqueName(name string, used map[string]int) string {
	n := used[name]
	used[name] = n + 1
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	candidate := fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
	if used[candidate] > 0 {
		return uniqueName(candidate, used)
	}
	used[candidate] = 1
	return candidate
}
