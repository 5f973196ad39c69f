package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-link-downloader/internal/models"
	"go-link-downloader/internal/tasks"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// WorkspacePrefix starts the name of every session workspace directory.
const WorkspacePrefix = "session-"

var (
	ErrWorkspace = errors.New("workspace error")
	ErrNotFound  = errors.New("session not found")
)

// Scheduler runs deferred work. *tasks.Queue satisfies it.
type Scheduler interface {
	Schedule(name string, delay time.Duration, fn tasks.Func) error
}

type Options struct {
	Root         string
	CleanupDelay time.Duration
	RecentWindow time.Duration
}

type Manager struct {
	opts      Options
	registry  Registry
	scheduler Scheduler

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts Options, registry Registry, scheduler Scheduler) (*Manager, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("%w: downloads root is required", ErrWorkspace)
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating downloads root %s: %v", ErrWorkspace, opts.Root, err)
	}
	return &Manager{
		opts:      opts,
		registry:  registry,
		scheduler: scheduler,
		sessions:  make(map[string]*Session),
	}, nil
}

// Open creates a fresh, empty workspace and registers it as active.
func (m *Manager) Open() (*Session, error) {
	id := WorkspacePrefix + uuid.NewString()
	workspace := filepath.Join(m.opts.Root, id)
	if err := os.Mkdir(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrWorkspace, workspace, err)
	}
	if err := m.registry.Register(id); err != nil {
		_ = os.RemoveAll(workspace)
		return nil, fmt.Errorf("%w: registering %s: %v", ErrWorkspace, id, err)
	}

	s := &Session{ID: id, Workspace: workspace, CreatedAt: time.Now(), state: models.SessionActive}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	log.WithField("session", id).Infof("Opened session workspace %s", workspace)
	return s, nil
}

// Finalize marks the session as finished and schedules its cleanup after the
// grace delay. Calling it more than once has no further effect.
func (m *Manager) Finalize(s *Session) {
	s.finalizeOnce.Do(func() {
		s.mu.Lock()
		if s.state == models.SessionActive {
			s.state = models.SessionFinalizing
		}
		s.mu.Unlock()
		err := m.scheduler.Schedule("cleanup "+s.ID, m.opts.CleanupDelay, func(context.Context) error {
			return m.cleanup(s)
		})
		if err != nil {
			log.WithError(err).WithField("session", s.ID).Warn("Could not schedule cleanup, cleaning up now")
			if cerr := m.cleanup(s); cerr != nil {
				log.WithError(cerr).WithField("session", s.ID).Error("Session cleanup failed")
			}
		}
	})
}

// cleanup removes the workspace and deregisters the session exactly once.
func (m *Manager) cleanup(s *Session) error {
	var result error
	s.cleanupOnce.Do(func() {
		entry := log.WithField("session", s.ID)
		if err := os.RemoveAll(s.Workspace); err != nil {
			result = fmt.Errorf("%w: removing %s: %v", ErrWorkspace, s.Workspace, err)
		}

		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()

		remaining, err := m.registry.Deregister(s.ID)
		if err != nil {
			result = errors.Join(result, err)
		}
		s.setState(models.SessionCleaned)
		entry.WithField("remaining", remaining).Info("Session cleaned up")
	})
	return result
}

// Lookup returns a session that has not been cleaned up yet.
func (m *Manager) Lookup(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || s.State() == models.SessionCleaned {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Status combines the three busy signals: marker presence, live sessions,
// and recently modified workspace directories.
func (m *Manager) Status() models.StatusReport {
	active := m.registry.Active()
	report := models.StatusReport{
		ActiveSessions: active,
		ActiveCount:    len(active),
		HasMarker:      m.registry.MarkerPresent(),
		RecentActivity: RecentActivity(m.opts.Root, m.opts.RecentWindow),
	}
	report.Busy = report.HasMarker || report.ActiveCount > 0 || report.RecentActivity
	report.SafeToRestart = !report.Busy
	return report
}

func (m *Manager) IsBusy() bool {
	return m.Status().Busy
}

// RecentActivity reports whether any directory directly under root was
// modified within window. It covers bookkeeping lost to a crash.
func RecentActivity(root string, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	cutoff := time.Now().Add(-window)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			return true
		}
	}
	return false
}

// IsWorkspaceName reports whether name looks like a session workspace.
func IsWorkspaceName(name string) bool {
	return strings.HasPrefix(name, WorkspacePrefix)
}
