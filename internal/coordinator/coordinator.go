// Package coordinator runs accepted URLs through the extractor on a bounded
// worker pool and then re-checks what actually landed on disk.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go-link-downloader/internal/extractor"
	"go-link-downloader/internal/helpers"
	"go-link-downloader/internal/models"

	log "github.com/sirupsen/logrus"
)

var ErrSessionSizeExceeded = errors.New("session size limit exceeded")

// partialSuffixes mark files the tool leaves behind mid-download.
var partialSuffixes = []string{".part", ".ytdl", ".temp", ".tmp"}

// Extractor downloads one URL into a directory.
type Extractor interface {
	Extract(ctx context.Context, rawURL, outputDir string) error
}

type Options struct {
	Workers             int
	SettleDelay         time.Duration
	MaxFileSizeBytes    int64
	MaxSessionSizeBytes int64
	// Progress, when set, is called from worker goroutines as items start
	// and finish.
	Progress func(Event)
}

// Event describes a worker's progress on one item.
type Event struct {
	Worker int
	Index  int
	Total  int
	URL    string
	Title  string
	Done   bool
	Err    error
}

// Report is the full result of one run.
type Report struct {
	Outcomes   []models.DownloadOutcome
	Files      []string
	TotalBytes int64
}

type Coordinator struct {
	extractor Extractor
	opts      Options
}

func New(x Extractor, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Coordinator{extractor: x, opts: opts}
}

type downloadJob struct {
	index   int
	verdict models.Verdict
	dir     string
}

// Run extracts every accepted URL into its own item directory inside
// workspace. Outcomes come back in submission order. Per-URL failures are
// data; only a session-size breach is returned as an error, alongside the
// report.
func (c *Coordinator) Run(ctx context.Context, accepted []models.Verdict, workspace string) (Report, error) {
	before, err := snapshot(workspace)
	if err != nil {
		return Report{}, fmt.Errorf("listing workspace %s: %w", workspace, err)
	}

	errs := make([]error, len(accepted))
	jobs := make(chan downloadJob, len(accepted))
	for i, v := range accepted {
		dir := filepath.Join(workspace, itemDirName(i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errs[i] = fmt.Errorf("creating item directory: %w", err)
			continue
		}
		jobs <- downloadJob{index: i, verdict: v, dir: dir}
	}
	close(jobs)

	workers := c.opts.Workers
	if workers > len(accepted) {
		workers = len(accepted)
	}
	log.Infof("Starting downloads: %d URL(s), %d worker(s)", len(accepted), workers)
	start := time.Now()

	var wg sync.WaitGroup
	for w := 1; w <= workers; w++ {
		wg.Add(1)
		go c.downloadWorker(ctx, w, jobs, len(accepted), errs, &wg)
	}
	wg.Wait()
	log.Infof("All downloads finished in %s", time.Since(start).Round(100*time.Millisecond))

	c.settle(ctx)

	after, err := snapshot(workspace)
	if err != nil {
		return Report{}, fmt.Errorf("listing workspace %s: %w", workspace, err)
	}
	byItem := newFilesByItem(workspace, before, after)

	report := Report{Outcomes: make([]models.DownloadOutcome, len(accepted))}
	for i, v := range accepted {
		outcome, survivors := c.gate(v, errs[i], byItem[itemDirName(i)])
		report.Outcomes[i] = outcome
		for _, f := range survivors {
			report.Files = append(report.Files, f.path)
			report.TotalBytes += f.size
		}
	}

	if c.opts.MaxSessionSizeBytes > 0 && report.TotalBytes > c.opts.MaxSessionSizeBytes {
		return report, fmt.Errorf("%w: downloaded %s, limit %s", ErrSessionSizeExceeded,
			helpers.SizeOf(report.TotalBytes), helpers.SizeOf(c.opts.MaxSessionSizeBytes))
	}
	return report, nil
}

func (c *Coordinator) downloadWorker(ctx context.Context, id int, jobs <-chan downloadJob, total int, errs []error, wg *sync.WaitGroup) {
	defer wg.Done()
	for job := range jobs {
		entry := log.WithFields(log.Fields{"worker": id, "url": job.verdict.URL})
		entry.Info("Downloading")
		c.report(Event{Worker: id, Index: job.index, Total: total, URL: job.verdict.URL, Title: job.verdict.Title})

		err := c.extractor.Extract(ctx, job.verdict.URL, job.dir)
		errs[job.index] = err
		if err != nil {
			entry.WithError(err).Warn("Download failed")
		} else {
			entry.Info("Download finished")
		}
		c.report(Event{Worker: id, Index: job.index, Total: total, URL: job.verdict.URL, Title: job.verdict.Title, Done: true, Err: err})
	}
}

func (c *Coordinator) report(ev Event) {
	if c.opts.Progress != nil {
		c.opts.Progress(ev)
	}
}

// settle waits for the tool's last writes to reach the filesystem.
func (c *Coordinator) settle(ctx context.Context) {
	if c.opts.SettleDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.opts.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// gate turns one item's extraction result and produced files into an
// outcome, deleting any file over the per-file ceiling.
func (c *Coordinator) gate(v models.Verdict, extractErr error, files []producedFile) (models.DownloadOutcome, []producedFile) {
	outcome := models.DownloadOutcome{URL: v.URL, Title: v.Title}
	if extractErr != nil {
		outcome.ErrorReason = extractErr.Error()
		outcome.ErrorKind = extractor.KindOf(extractErr).String()
		return outcome, nil
	}
	if len(files) == 0 {
		outcome.ErrorReason = "Extraction reported success but produced no file"
		outcome.ErrorKind = extractor.KindOther.String()
		return outcome, nil
	}

	var survivors []producedFile
	var oversize string
	for _, f := range files {
		if c.opts.MaxFileSizeBytes > 0 && f.size > c.opts.MaxFileSizeBytes {
			oversize = fmt.Sprintf("File size %s exceeds limit of %s", helpers.SizeOf(f.size), helpers.SizeOf(c.opts.MaxFileSizeBytes))
			log.WithField("url", v.URL).Warnf("Deleting oversized file %s: %s", f.path, oversize)
			if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.WithError(err).Errorf("Failed to delete oversized file %s", f.path)
			}
			continue
		}
		survivors = append(survivors, f)
	}
	if len(survivors) == 0 {
		outcome.ErrorReason = oversize
		outcome.ErrorKind = string(models.RejectFileSize)
		return outcome, nil
	}

	outcome.Succeeded = true
	outcome.ProducedFile = survivors[0].path
	for _, f := range survivors {
		outcome.SizeBytes += f.size
	}
	if outcome.Title == "" || outcome.Title == v.URL {
		outcome.Title = strings.TrimSuffix(filepath.Base(survivors[0].path), filepath.Ext(survivors[0].path))
	}
	return outcome, survivors
}

func itemDirName(i int) string {
	return fmt.Sprintf("item-%02d", i+1)
}

type producedFile struct {
	path string
	size int64
}

// snapshot lists every regular file under dir.
func snapshot(dir string) (map[string]int64, error) {
	files := make(map[string]int64)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		files[path] = info.Size()
		return nil
	})
	return files, err
}

// newFilesByItem groups files present after but not before by the item
// directory they were written to. Partial downloads are skipped.
func newFilesByItem(workspace string, before, after map[string]int64) map[string][]producedFile {
	grouped := make(map[string][]producedFile)
	for path, size := range after {
		if _, existed := before[path]; existed || isPartial(path) {
			continue
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			continue
		}
		item := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if item == rel {
			// Files at the workspace root do not belong to any item.
			continue
		}
		grouped[item] = append(grouped[item], producedFile{path: path, size: size})
	}
	for item := range grouped {
		files := grouped[item]
		sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	}
	return grouped
}

func isPartial(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
