package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go-link-downloader/internal/models"
	"go-link-downloader/internal/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, delay time.Duration) (*Manager, *FileRegistry, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "downloads")
	marker := filepath.Join(dir, ".download_in_progress")

	q := tasks.NewQueue(2)
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	reg := NewFileRegistry(marker)
	m, err := NewManager(Options{Root: root, CleanupDelay: delay, RecentWindow: 5 * time.Minute}, reg, q)
	require.NoError(t, err)
	return m, reg, marker
}

func TestOpenCreatesEmptyUniqueWorkspace(t *testing.T) {
	m, _, marker := newTestManager(t, time.Hour)

	a, err := m.Open()
	require.NoError(t, err)
	b, err := m.Open()
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, filepath.Base(a.Workspace), a.ID)
	assert.True(t, IsWorkspaceName(a.ID))
	entries, err := os.ReadDir(a.Workspace)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, models.SessionActive, a.State())

	info, err := ReadMarker(marker)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.NotEmpty(t, info.CreatedAt)
}

func TestBusyUntilAllSessionsCleaned(t *testing.T) {
	m, _, marker := newTestManager(t, 30*time.Millisecond)

	a, err := m.Open()
	require.NoError(t, err)
	b, err := m.Open()
	require.NoError(t, err)

	status := m.Status()
	assert.True(t, status.Busy)
	assert.Equal(t, 2, status.ActiveCount)
	assert.True(t, status.HasMarker)
	assert.False(t, status.SafeToRestart)

	m.Finalize(a)
	assert.Equal(t, models.SessionFinalizing, a.State())

	require.Eventually(t, func() bool { return a.State() == models.SessionCleaned }, 2*time.Second, 10*time.Millisecond)
	assert.NoDirExists(t, a.Workspace)
	assert.True(t, m.IsBusy(), "b is still active")
	assert.FileExists(t, marker, "marker stays while any session remains")

	m.Finalize(b)
	require.Eventually(t, func() bool { return !m.IsBusy() }, 2*time.Second, 10*time.Millisecond)
	assert.NoFileExists(t, marker)
	assert.True(t, m.Status().SafeToRestart)
}

func TestCleanupRunsExactlyOnce(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	s, err := m.Open()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.cleanup(s)
		}()
	}
	wg.Wait()
	m.Finalize(s)

	assert.Equal(t, models.SessionCleaned, s.State())
	assert.Empty(t, m.registry.Active())
}

func TestLookup(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	s, err := m.Open()
	require.NoError(t, err)

	got, err := m.Lookup(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.NoError(t, m.cleanup(s))
	_, err = m.Lookup(s.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = m.Lookup("session-unknown")
	assert.True(t, errors.Is(err, ErrNotFound))
}

type closedScheduler struct{}

func (closedScheduler) Schedule(string, time.Duration, tasks.Func) error { return tasks.ErrClosed }

func TestFinalizeCleansUpWhenSchedulerClosed(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Options{Root: dir}, NewFileRegistry(""), closedScheduler{})
	require.NoError(t, err)

	s, err := m.Open()
	require.NoError(t, err)
	m.Finalize(s)
	assert.Equal(t, models.SessionCleaned, s.State())
	assert.NoDirExists(t, s.Workspace)
}

func TestRecentActivity(t *testing.T) {
	root := t.TempDir()
	assert.False(t, RecentActivity(root, time.Minute))

	sub := filepath.Join(root, "session-old")
	require.NoError(t, os.Mkdir(sub, 0o755))
	assert.True(t, RecentActivity(root, time.Minute))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(sub, old, old))
	assert.False(t, RecentActivity(root, time.Minute))
	assert.False(t, RecentActivity(root, 0))
}

func TestReadMarkerLegacyTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker")
	require.NoError(t, os.WriteFile(path, []byte("2024-05-01T10:00:00\n"), 0o644))
	info, err := ReadMarker(path)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T10:00:00", info.CreatedAt)
}
