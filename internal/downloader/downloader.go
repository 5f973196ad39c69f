// Package downloader saves session archives to their final location on the
// client side: into a temporary file first, verified, then renamed.
package downloader

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go-link-downloader/internal/helpers"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

var (
	ErrHashMismatch = errors.New("saved file hash mismatch")
	ErrFileSystem   = errors.New("filesystem error")
)

// Result describes a saved file.
type Result struct {
	Path    string
	Size    int64
	Blake3  string
	Skipped bool
}

// Save writes whatever fill produces to target. When expectedBlake3 is set
// and target already holds content with that digest, fill is not called.
// A digest mismatch leaves target untouched.
func Save(target, expectedBlake3 string, fill func(w io.Writer) error) (Result, error) {
	if expectedBlake3 != "" {
		if digest, err := helpers.FileBlake3(target); err == nil && strings.EqualFold(digest, expectedBlake3) {
			log.Infof("Existing file %s already matches, skipping", target)
			info, _ := os.Stat(target)
			res := Result{Path: target, Blake3: digest, Skipped: true}
			if info != nil {
				res.Size = info.Size()
			}
			return res, nil
		}
	}

	dir := filepath.Dir(target)
	if !helpers.CheckAndMakeDir(dir) {
		return Result{}, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, dir)
	}
	tempFile, err := os.CreateTemp(dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating temporary file for %s: %v", ErrFileSystem, target, err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			if err := os.Remove(tempFile.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.WithError(err).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	hasher := blake3.New(32, nil)
	counter := &countingWriter{}
	if err := fill(io.MultiWriter(tempFile, hasher, counter)); err != nil {
		return Result{}, err
	}
	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: closing %s: %v", ErrFileSystem, tempFile.Name(), err)
	}

	digest := strings.ToUpper(hex.EncodeToString(hasher.Sum(nil)))
	if expectedBlake3 != "" && !strings.EqualFold(digest, expectedBlake3) {
		return Result{}, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expectedBlake3, digest)
	}
	if err := os.Rename(tempFile.Name(), target); err != nil {
		return Result{}, fmt.Errorf("%w: renaming to %s: %v", ErrFileSystem, target, err)
	}
	cleanup = false
	log.Debugf("Saved %s (%s, blake3 %s)", target, helpers.SizeOf(counter.n), digest)
	return Result{Path: target, Size: counter.n, Blake3: digest}, nil
}

// CopyFile saves a copy of src at target.
func CopyFile(src, target, expectedBlake3 string) (Result, error) {
	return Save(target, expectedBlake3, func(w io.Writer) error {
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("%w: opening %s: %v", ErrFileSystem, src, err)
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			return fmt.Errorf("%w: copying %s: %v", ErrFileSystem, src, err)
		}
		return nil
	})
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
