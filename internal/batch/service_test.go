package batch

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-link-downloader/internal/archive"
	"go-link-downloader/internal/coordinator"
	"go-link-downloader/internal/extractor"
	"go-link-downloader/internal/models"
	"go-link-downloader/internal/prober"
	"go-link-downloader/internal/session"
	"go-link-downloader/internal/tasks"
	"go-link-downloader/internal/validator"
	"go-link-downloader/internal/ytdlp"
)

const (
	urlSecond = "https://www.youtube.com/watch?v=second00001"
	urlFirst  = "https://www.youtube.com/watch?v=first000001"
	urlBroken = "https://www.youtube.com/watch?v=broken00001"
)

// fakeTool answers probes with small metadata and writes a file only when
// the expected player client is used.
type fakeTool struct {
	mu        sync.Mutex
	titles    map[string]string
	succeedOn map[string]string
	clients   map[string][]string
}

func newFakeTool() *fakeTool {
	return &fakeTool{
		titles: map[string]string{
			urlSecond: "Second Strategy Song",
			urlFirst:  "First Strategy Song",
			urlBroken: "Broken Song",
		},
		succeedOn: map[string]string{
			urlSecond: "android",
			urlFirst:  "default",
		},
		clients: map[string][]string{},
	}
}

func valueAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (f *fakeTool) Run(_ context.Context, args []string) (ytdlp.Result, error) {
	url := args[len(args)-1]
	title := f.titles[url]
	for _, a := range args {
		if a == "--dump-json" {
			doc := fmt.Sprintf(`{"title":%q,"duration":180,"filesize":2048}`, title)
			return ytdlp.Result{Stdout: []byte(doc)}, nil
		}
	}

	client := strings.TrimPrefix(valueAfter(args, "--extractor-args"), "youtube:player_client=")
	f.mu.Lock()
	f.clients[url] = append(f.clients[url], client)
	attempts := len(f.clients[url])
	f.mu.Unlock()

	want, ok := f.succeedOn[url]
	// The second rung is the first android attempt.
	if ok && want == client && (want != "android" || attempts == 2) {
		out := strings.Replace(valueAfter(args, "-o"), extractor.OutputTemplate, title+".m4a", 1)
		if err := os.WriteFile(out, []byte("audio:"+title), 0o644); err != nil {
			return ytdlp.Result{}, err
		}
		return ytdlp.Result{}, nil
	}
	return ytdlp.Result{ExitCode: 1, Stderr: "ERROR: [youtube] Video unavailable"}, nil
}

func (f *fakeTool) attempts(url string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clients[url]...)
}

type recordingPublisher struct {
	mu   sync.Mutex
	recs []models.VisitRecord
}

func (p *recordingPublisher) Publish(rec models.VisitRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
}

type harness struct {
	svc     *Service
	tool    *fakeTool
	manager *session.Manager
	queue   *tasks.Queue
	root    string
	marker  string
	pub     *recordingPublisher
	toolErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithCeiling(t, 4<<20)
}

// newHarnessWithCeiling sets the session ceiling enforced after download;
// validation keeps the default budget.
func newHarnessWithCeiling(t *testing.T, sessionBytes int64) *harness {
	t.Helper()
	root := filepath.Join(t.TempDir(), "downloads")
	marker := filepath.Join(root, ".download_in_progress")
	h := &harness{tool: newFakeTool(), queue: tasks.NewQueue(1), root: root, marker: marker, pub: &recordingPublisher{}}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.queue.Close(ctx)
	})

	manager, err := session.NewManager(session.Options{
		Root:         root,
		CleanupDelay: time.Hour,
		RecentWindow: time.Minute,
	}, session.NewFileRegistry(marker), h.queue)
	require.NoError(t, err)
	h.manager = manager

	p := prober.New(h.tool, nil, time.Second)
	v := validator.New(p, validator.Limits{MaxDurationSec: 3600, MaxFileSizeBytes: 1 << 20, MaxSessionSizeBytes: 4 << 20}, 3)
	x := extractor.New(h.tool, nil, extractor.Options{AttemptTimeout: time.Second})
	c := coordinator.New(x, coordinator.Options{Workers: 2, MaxFileSizeBytes: 1 << 20, MaxSessionSizeBytes: sessionBytes})

	h.svc = NewService(v, c, manager, h.pub, Options{
		MaxURLs:           10,
		ErrorMessageLimit: 200,
		ToolCheck:         func() error { return h.toolErr },
	})
	return h
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func readArchive(t *testing.T, svc *Service, id string) []string {
	t.Helper()
	f, err := svc.OpenArchive(id)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, info.Size(), int64(len(data)))
	return zipNames(t, f.Name())
}

func TestSubmitEndToEnd(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.Submit(context.Background(), models.BatchRequest{
		URLs:   []string{urlSecond, " ", urlFirst, urlBroken},
		Client: models.ClientInfo{IP: "10.0.0.9", UserAgent: "test"},
	})
	require.NoError(t, err)

	require.Len(t, res.Successful, 2)
	assert.Equal(t, "Second Strategy Song", res.Successful[0].Title)
	assert.Equal(t, "First Strategy Song", res.Successful[1].Title)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, urlBroken, res.Rejected[0].URL)
	assert.Contains(t, res.Rejected[0].Reason, "Video unavailable")

	assert.Equal(t, []string{"default", "android"}, h.tool.attempts(urlSecond))
	assert.Equal(t, []string{"default"}, h.tool.attempts(urlFirst))
	assert.Equal(t, []string{"default", "android", "android", "web"}, h.tool.attempts(urlBroken))

	assert.Equal(t, filepath.Join(h.root, res.SessionID, archive.FileName), res.ArchivePath)
	assert.NotEmpty(t, res.ArchiveDigest)
	assert.ElementsMatch(t, []string{"Second Strategy Song.m4a", "First Strategy Song.m4a"}, readArchive(t, h.svc, res.SessionID))

	// Finalized but not yet cleaned: still busy, archive still served.
	status := h.svc.Status()
	assert.True(t, status.Busy)
	assert.Equal(t, []string{res.SessionID}, status.ActiveSessions)
	assert.Equal(t, 1, h.queue.Pending())

	require.Len(t, h.pub.recs, 1)
	rec := h.pub.recs[0]
	assert.True(t, rec.Success)
	assert.Equal(t, res.SessionID, rec.SessionID)
	assert.Equal(t, "10.0.0.9", rec.ClientIP)
	assert.Equal(t, 3, rec.Submitted)
	assert.Equal(t, 2, rec.FilesProduced)
	assert.Equal(t, []string{"other"}, rec.ErrorKinds)

	// Closing the queue runs the pending cleanup.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Close(ctx))
	assert.NoDirExists(t, filepath.Join(h.root, res.SessionID))
	assert.NoFileExists(t, h.marker)
	_, err = h.svc.OpenArchive(res.SessionID)
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

func TestSubmitNoURLsOpensNoSession(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Submit(context.Background(), models.BatchRequest{URLs: []string{"", "  "}})
	require.Error(t, err)
	assert.Equal(t, KindNoURLs, KindOf(err))
	assert.True(t, KindOf(err).ClientError())

	entries, err := os.ReadDir(h.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoFileExists(t, h.marker)
}

func TestSubmitTooManyURLs(t *testing.T) {
	h := newHarness(t)
	urls := make([]string, 11)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	_, err := h.svc.Submit(context.Background(), models.BatchRequest{URLs: urls})
	assert.Equal(t, KindTooManyURLs, KindOf(err))
}

func TestSubmitToolingUnavailable(t *testing.T) {
	h := newHarness(t)
	h.toolErr = ytdlp.ErrToolMissing

	_, err := h.svc.Submit(context.Background(), models.BatchRequest{URLs: []string{urlFirst}})
	require.Error(t, err)
	assert.Equal(t, KindToolingUnavailable, KindOf(err))
	assert.False(t, KindOf(err).ClientError())
	assert.True(t, errors.Is(err, ytdlp.ErrToolMissing))
	assert.Equal(t, ytdlp.InstallHint, err.Error())
	assert.NoFileExists(t, h.marker)
}

func TestSubmitAllFailedAggregatesErrors(t *testing.T) {
	h := newHarness(t)
	var urls []string
	for i := 0; i < 7; i++ {
		u := fmt.Sprintf("https://www.youtube.com/watch?v=broken%05d", i)
		h.tool.titles[u] = fmt.Sprintf("Broken %d", i)
		urls = append(urls, u)
	}

	_, err := h.svc.Submit(context.Background(), models.BatchRequest{URLs: urls})
	require.Error(t, err)
	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, KindExtractionFailed, be.Kind)
	assert.True(t, strings.HasPrefix(be.Message, "No files were downloaded. Errors: "))
	assert.True(t, strings.HasSuffix(be.Message, "(and 2 more errors)"))
	assert.Equal(t, 5, strings.Count(be.Message, "Video unavailable"))
	assert.Len(t, be.Rejected, 7)

	// The session was opened and finalized anyway.
	assert.Equal(t, 1, h.queue.Pending())
	require.Len(t, h.pub.recs, 1)
	assert.False(t, h.pub.recs[0].Success)
}

func TestSubmitSessionCeilingBreachedAfterDownload(t *testing.T) {
	// Probes report 2 KiB per item, well inside the validation budget; the
	// files actually written add up to more than 30 bytes.
	h := newHarnessWithCeiling(t, 30)

	_, err := h.svc.Submit(context.Background(), models.BatchRequest{URLs: []string{urlFirst, urlSecond}})
	require.Error(t, err)
	assert.Equal(t, KindSession, KindOf(err))
	assert.False(t, KindOf(err).ClientError())
	assert.True(t, errors.Is(err, coordinator.ErrSessionSizeExceeded))
	assert.Contains(t, err.Error(), "session size limit exceeded")

	// No archive, but the session was finalized and its cleanup scheduled.
	entries, err := os.ReadDir(h.root)
	require.NoError(t, err)
	var workspaces []string
	for _, e := range entries {
		if e.IsDir() {
			workspaces = append(workspaces, e.Name())
		}
	}
	require.Len(t, workspaces, 1)
	assert.NoFileExists(t, filepath.Join(h.root, workspaces[0], archive.FileName))
	assert.Equal(t, 1, h.queue.Pending())
	require.Len(t, h.pub.recs, 1)
	assert.False(t, h.pub.recs[0].Success)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Close(ctx))
	assert.NoDirExists(t, filepath.Join(h.root, workspaces[0]))
	assert.NoFileExists(t, h.marker)
}

func TestConcurrentSubmitsKeepFilesApart(t *testing.T) {
	h := newHarness(t)

	batches := [][]string{{urlFirst}, {urlSecond}}
	results := make([]*models.BatchResult, len(batches))
	var wg sync.WaitGroup
	for i, urls := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Submit(context.Background(), models.BatchRequest{URLs: urls})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.NotEqual(t, results[0].SessionID, results[1].SessionID)
	assert.Equal(t, []string{"First Strategy Song.m4a"}, readArchive(t, h.svc, results[0].SessionID))
	assert.Equal(t, []string{"Second Strategy Song.m4a"}, readArchive(t, h.svc, results[1].SessionID))
	assert.Equal(t, 2, h.queue.Pending())
	assert.ElementsMatch(t, []string{results[0].SessionID, results[1].SessionID}, h.svc.Status().ActiveSessions)
}

func TestSubmitNothingAccepted(t *testing.T) {
	h := newHarness(t)
	svc := NewService(rejectAll{}, nil, h.manager, nil, Options{})

	_, err := svc.Submit(context.Background(), models.BatchRequest{URLs: []string{urlFirst}})
	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, KindNothingAccepted, be.Kind)
	require.Len(t, be.Rejected, 1)
	assert.Equal(t, "too long", be.Rejected[0].Reason)
	assert.NoFileExists(t, h.marker)
}

type rejectAll struct{}

func (rejectAll) Validate(_ context.Context, urls []string) []models.Verdict {
	out := make([]models.Verdict, len(urls))
	for i, u := range urls {
		out[i] = models.Verdict{URL: u, Title: u, Reason: "too long", Code: models.RejectDuration}
	}
	return out
}

func TestValidate(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Validate(context.Background(), []string{urlFirst, urlSecond})
	require.NoError(t, err)
	assert.Len(t, res.Valid, 2)
	assert.Empty(t, res.Invalid)
	assert.Equal(t, "First Strategy Song", res.Valid[0].Title)

	_, err = h.svc.Validate(context.Background(), nil)
	assert.Equal(t, KindNoURLs, KindOf(err))
}

func TestAggregateErrors(t *testing.T) {
	assert.Equal(t, "No files were downloaded.", aggregateErrors(nil))
	assert.Equal(t, "No files were downloaded. Errors: a; b", aggregateErrors([]string{"a", "b"}))
}
