package downloader

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-link-downloader/internal/helpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFileVerifiesDigest(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.zip")
	require.NoError(t, os.WriteFile(src, []byte("archive bytes"), 0o644))
	digest, err := helpers.FileBlake3(src)
	require.NoError(t, err)

	target := filepath.Join(dir, "out", "files.zip")
	res, err := CopyFile(src, target, digest)
	require.NoError(t, err)
	assert.Equal(t, target, res.Path)
	assert.Equal(t, int64(len("archive bytes")), res.Size)
	assert.Equal(t, digest, res.Blake3)
	assert.False(t, res.Skipped)

	// Same content again is skipped.
	res, err = CopyFile(src, target, strings.ToLower(digest))
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	leftovers, _ := filepath.Glob(filepath.Join(dir, "out", "*.tmp"))
	assert.Empty(t, leftovers)
}

func TestSaveHashMismatchKeepsTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "files.zip")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	_, err := Save(target, "DEADBEEF", func(w io.Writer) error {
		_, err := io.WriteString(w, "new")
		return err
	})
	assert.True(t, errors.Is(err, ErrHashMismatch))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, leftovers)
}

func TestSaveFillError(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	_, err := Save(filepath.Join(dir, "x.zip"), "", func(io.Writer) error { return boom })
	assert.True(t, errors.Is(err, boom))
	assert.NoFileExists(t, filepath.Join(dir, "x.zip"))
}
