// Package archive packages a session's downloaded files into one zip.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go-link-downloader/internal/helpers"

	log "github.com/sirupsen/logrus"
)

const (
	// FileName is the archive's name inside the workspace.
	FileName = "downloads.zip"
	// DownloadName is offered to clients as the attachment filename.
	DownloadName = "link-downloader-files.zip"
)

var ErrNoFiles = errors.New("no files to archive")

type Archive struct {
	Path    string
	Size    int64
	Entries []string
	Blake3  string
}

// Assemble zips exactly the given files, flattened to their base names, into
// workspace/downloads.zip. The archive itself is never included, and a
// repeated base name gets a numeric suffix.
func Assemble(workspace string, files []string) (Archive, error) {
	target := filepath.Join(workspace, FileName)
	var members []string
	for _, f := range files {
		if filepath.Clean(f) == filepath.Clean(target) {
			continue
		}
		members = append(members, f)
	}
	if len(members) == 0 {
		return Archive{}, ErrNoFiles
	}

	tmp := target + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return Archive{}, fmt.Errorf("creating archive %s: %w", tmp, err)
	}

	entries, err := writeZip(out, members)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing archive: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return Archive{}, err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return Archive{}, fmt.Errorf("installing archive %s: %w", target, err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return Archive{}, fmt.Errorf("stat archive: %w", err)
	}
	digest, err := helpers.FileBlake3(target)
	if err != nil {
		log.WithError(err).Warnf("Could not hash archive %s", target)
	}

	log.WithFields(log.Fields{
		"entries": len(entries),
		"size":    helpers.SizeOf(info.Size()),
	}).Infof("Created archive %s", target)
	return Archive{Path: target, Size: info.Size(), Entries: entries, Blake3: digest}, nil
}

func writeZip(w io.Writer, files []string) ([]string, error) {
	zw := zip.NewWriter(w)
	used := make(map[string]int)
	entries := make([]string, 0, len(files))

	for _, path := range files {
		name := uniqueName(filepath.Base(path), used)
		if err := addFile(zw, path, name); err != nil {
			_ = zw.Close()
			return nil, err
		}
		entries = append(entries, name)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finishing archive: %w", err)
	}
	return entries, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header for %s: %w", path, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("compressing %s: %w", name, err)
	}
	return nil
}

// uniqueName returns name, or "stem (n).ext" if name was already used.
func uniqueName(name string, used map[string]int) string {
	key := strings.ToLower(name)
	used[key]++
	if used[key] == 1 {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := used[key]; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		ckey := strings.ToLower(candidate)
		if used[ckey] == 0 {
			used[ckey] = 1
			return candidate
		}
	}
}
