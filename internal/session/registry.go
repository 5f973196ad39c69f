package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry tracks which sessions are alive in this process and mirrors that
// onto a busy marker file for external restart tooling.
type Registry interface {
	Register(id string) error
	// Deregister removes id and reports how many sessions remain. The
	// marker is removed when none do.
	Deregister(id string) (remaining int, err error)
	Active() []string
	MarkerPresent() bool
}

// MarkerInfo is the diagnostic content of the busy marker. Only the file's
// existence carries meaning.
type MarkerInfo struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
	Session   string `json:"session,omitempty"`
}

// FileRegistry is a mutex-guarded membership set. All marker writes happen
// under the same mutex, so there is exactly one writer at a time.
type FileRegistry struct {
	mu         sync.Mutex
	active     map[string]time.Time
	markerPath string
}

func NewFileRegistry(markerPath string) *FileRegistry {
	return &FileRegistry{active: make(map[string]time.Time), markerPath: markerPath}
}

func (r *FileRegistry) Register(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active[id] = time.Now()
	if r.markerPath == "" {
		return nil
	}
	if _, err := os.Stat(r.markerPath); err == nil {
		return nil
	}
	if err := writeMarker(r.markerPath, id); err != nil {
		delete(r.active, id)
		return err
	}
	return nil
}

func (r *FileRegistry) Deregister(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, id)
	remaining := len(r.active)
	if remaining > 0 || r.markerPath == "" {
		return remaining, nil
	}
	if err := os.Remove(r.markerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return remaining, fmt.Errorf("removing busy marker %s: %w", r.markerPath, err)
	}
	return remaining, nil
}

func (r *FileRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *FileRegistry) MarkerPresent() bool {
	return MarkerExists(r.markerPath)
}

// MarkerExists reports whether a busy marker is present at path.
func MarkerExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// ReadMarker decodes the diagnostic content of a busy marker. Markers written
// as a bare timestamp are reported with only CreatedAt set.
func ReadMarker(path string) (MarkerInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MarkerInfo{}, err
	}
	var info MarkerInfo
	if jsonErr := json.Unmarshal(data, &info); jsonErr != nil {
		return MarkerInfo{CreatedAt: strings.TrimSpace(string(data))}, nil
	}
	return info, nil
}

// writeMarker writes to a temp file and renames it into place so readers
// never see a half-written marker.
func writeMarker(path, id string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating marker directory %s: %w", dir, err)
		}
	}
	info := MarkerInfo{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
		Session:   id,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding busy marker: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing busy marker %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("installing busy marker %s: %w", path, err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}
