package cookies

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProviderBundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.txt")
	p := NewFileProvider(path)

	_, ok := p.Bundle()
	assert.False(t, ok, "missing file is not a bundle")

	require.NoError(t, os.WriteFile(path, nil, 0600))
	_, ok = p.Bundle()
	assert.False(t, ok, "empty file is not a bundle")

	require.NoError(t, os.WriteFile(path, []byte("# Netscape HTTP Cookie File\n"), 0600))
	got, ok := p.Bundle()
	assert.True(t, ok)
	assert.Equal(t, path, got)

	_, ok = NewFileProvider(dir).Bundle()
	assert.False(t, ok, "directory is not a bundle")

	_, ok = None{}.Bundle()
	assert.False(t, ok)
}

func TestWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.txt")

	var mu sync.Mutex
	var kinds []ChangeKind
	w := NewWatcher(path, func(c Change) {
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("a"), 0600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) > 0 && kinds[0] == BundleCreated
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) > 0 && kinds[len(kinds)-1] == BundleRemoved
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
