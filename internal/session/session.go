// Package session owns per-request workspaces: creating them, tracking them
// in the process-wide registry, and removing them after a grace period.
package session

import (
	"sync"
	"time"

	"go-link-downloader/internal/models"
)

// Session is one batch request's isolated workspace.
type Session struct {
	ID        string
	Workspace string
	CreatedAt time.Time

	mu          sync.Mutex
	state       models.SessionState
	archivePath string

	finalizeOnce sync.Once
	cleanupOnce  sync.Once
}

func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state models.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SetArchive records the archive produced for this session.
func (s *Session) SetArchive(path string) {
	s.mu.Lock()
	s.archivePath = path
	s.mu.Unlock()
}

func (s *Session) ArchivePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archivePath
}
