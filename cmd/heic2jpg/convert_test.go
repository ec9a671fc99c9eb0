package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coah80/heic2jpg/internal/convert"
)

type fileCodec struct{}

func (fileCodec) Convert(ctx context.Context, in, out string, quality int) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(string(data), "heic") {
		return errors.New("bad header")
	}
	return os.WriteFile(out, []byte("jpeg"), 0644)
}

func TestConvertFileRenamesToRequestedOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "IMG_1.HEIC")
	require.NoError(t, os.WriteFile(in, []byte("heic"), 0644))
	out := filepath.Join(dir, "out", "holiday.jpg")

	var buf bytes.Buffer
	require.NoError(t, convertFile(context.Background(), &buf, convert.New(fileCodec{}), in, out, 85))
	assert.FileExists(t, out)
	assert.NoFileExists(t, filepath.Join(dir, "out", "IMG_1.jpg"))
	assert.Contains(t, buf.String(), "Converted holiday.jpg")
}

func TestConvertFileFailure(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(in, []byte("heic"), 0644))

	err := convertFile(context.Background(), &bytes.Buffer{}, convert.New(fileCodec{}), in, filepath.Join(dir, "a.jpg"), 85)
	assert.Error(t, err)
}

func TestConvertDirSummary(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(in, "a.heic"), []byte("heic"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "b.HEIF"), []byte("heic"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "c.heic"), []byte("png"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.txt"), []byte("x"), 0644))

	var buf bytes.Buffer
	require.NoError(t, convertDir(context.Background(), &buf, convert.New(fileCodec{}), in, out, 85))
	assert.FileExists(t, filepath.Join(out, "a.jpg"))
	assert.FileExists(t, filepath.Join(out, "b.jpg"))
	assert.Contains(t, buf.String(), "Found 3 HEIC/HEIF files")
	assert.Contains(t, buf.String(), "converted: 2 files")
	assert.Contains(t, buf.String(), "failed:    1 files")
	assert.Contains(t, buf.String(), "failed: c.heic")
}

func TestConvertDirDistinctOutputsForSameStem(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(in, "a.heic"), []byte("heic"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "a.HEIF"), []byte("heic"), 0644))

	var buf bytes.Buffer
	require.NoError(t, convertDir(context.Background(), &buf, convert.New(fileCodec{}), in, out, 85))
	assert.Contains(t, buf.String(), "converted: 2 files")

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.FileExists(t, filepath.Join(out, "a.jpg"))
	assert.FileExists(t, filepath.Join(out, "a-1.jpg"))
}

func TestConvertDirEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, convertDir(context.Background(), &buf, convert.New(fileCodec{}), t.TempDir(), t.TempDir(), 85))
	assert.Contains(t, buf.String(), "No HEIC/HEIF files")
}
