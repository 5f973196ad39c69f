// Package cookies exposes the session credential bundle (a Netscape-format
// cookies file exported out of band) to the extraction tool.
package cookies

import (
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Provider reports whether a usable credential bundle is available.
type Provider interface {
	// Bundle returns the bundle path and true when the bundle exists and is
	// non-empty.
	Bundle() (string, bool)
}

// FileProvider checks a fixed path on every call, so a bundle refreshed while
// the process runs is picked up by the next invocation.
type FileProvider struct {
	Path string

	mu       sync.Mutex
	lastWarn string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{Path: path}
}

func (p *FileProvider) Bundle() (string, bool) {
	if p == nil || p.Path == "" {
		return "", false
	}
	info, err := os.Stat(p.Path)
	switch {
	case err != nil:
		p.warnOnce("missing", "Cookies file %s not found, continuing without credentials", p.Path)
		return "", false
	case info.IsDir():
		p.warnOnce("dir", "Cookies path %s is a directory, continuing without credentials", p.Path)
		return "", false
	case info.Size() == 0:
		p.warnOnce("empty", "Cookies file %s is empty, continuing without credentials", p.Path)
		return "", false
	}
	p.mu.Lock()
	p.lastWarn = ""
	p.mu.Unlock()
	return p.Path, true
}

// warnOnce logs a warning only when the bundle's condition changes, so a
// batch of ten URLs does not produce forty identical lines.
func (p *FileProvider) warnOnce(state, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastWarn == state {
		log.Debugf(format, args...)
		return
	}
	p.lastWarn = state
	log.Warnf(format, args...)
}

// None is a Provider that never supplies credentials.
type None struct{}

func (None) Bundle() (string, bool) { return "", false }
