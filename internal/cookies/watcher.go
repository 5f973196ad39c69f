package cookies

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// ChangeKind describes what happened to the bundle file.
type ChangeKind string

const (
	BundleCreated ChangeKind = "created"
	BundleUpdated ChangeKind = "updated"
	BundleRemoved ChangeKind = "removed"
)

type Change struct {
	Kind    ChangeKind
	Path    string
	Size    int64
	ModTime time.Time
}

// Watcher reports changes to the credential bundle. It watches the parent
// directory because exporters usually replace the file rather than write it
// in place.
type Watcher struct {
	Path     string
	OnChange func(Change)
}

func NewWatcher(path string, onChange func(Change)) *Watcher {
	return &Watcher{Path: path, OnChange: onChange}
}

// Watch blocks until ctx is cancelled or the underlying watcher fails.
func (w *Watcher) Watch(ctx context.Context) error {
	abs, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("resolving cookies path %s: %w", w.Path, err)
	}
	dir := filepath.Dir(abs)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	if info, err := os.Stat(abs); err == nil {
		log.Infof("Watching cookies file %s (%d bytes, modified %s)", abs, info.Size(), info.ModTime().Format(time.RFC3339))
	} else {
		log.Warnf("Watching for cookies file %s (not present yet)", abs)
	}

	exists := fileExists(abs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Cookies watcher error")
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			change, changed := w.classify(abs, ev, &exists)
			if !changed {
				continue
			}
			logChange(change)
			if w.OnChange != nil {
				w.OnChange(change)
			}
		}
	}
}

func (w *Watcher) classify(path string, ev fsnotify.Event, exists *bool) (Change, bool) {
	change := Change{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		if !*exists {
			return change, false
		}
		*exists = false
		change.Kind = BundleRemoved
		return change, true
	}

	change.Size = info.Size()
	change.ModTime = info.ModTime()
	switch {
	case !*exists:
		change.Kind = BundleCreated
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create), ev.Has(fsnotify.Rename):
		change.Kind = BundleUpdated
	default:
		return change, false
	}
	*exists = true
	return change, true
}

func logChange(c Change) {
	entry := log.WithFields(log.Fields{"path": c.Path, "event": c.Kind})
	switch c.Kind {
	case BundleRemoved:
		entry.Warn("Cookies file removed; extraction will continue without credentials")
	case BundleCreated:
		entry.Infof("Cookies file created (%d bytes)", c.Size)
	default:
		entry.Infof("Cookies file updated (%d bytes, modified %s)", c.Size, c.ModTime.Format(time.RFC3339))
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
