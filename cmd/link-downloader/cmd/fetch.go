package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-link-downloader/internal/archive"
	"go-link-downloader/internal/batch"
	"go-link-downloader/internal/coordinator"
	"go-link-downloader/internal/downloader"
	"go-link-downloader/internal/helpers"
	"go-link-downloader/internal/models"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [URL]...",
	Short: "Download one batch of links in-process",
	Long: `Runs a single batch without a server: validates the links, downloads the
accepted ones in parallel and copies the resulting archive to --output.
Links can also be read from a file with --file (one per line).`,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringP("output", "o", archive.DownloadName, "Where to write the archive (file or existing directory)")
	fetchCmd.Flags().StringP("file", "f", "", "Read links from this file, one per line")
	fetchCmd.Flags().IntP("workers", "c", 0, "Parallel downloads (overrides config)")
	fetchCmd.Flags().Bool("validate-only", false, "Only probe the links and print the verdicts")
	fetchCmd.Flags().Bool("no-progress", false, "Disable the live progress display")
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	if cmd.Flags().Changed("workers") {
		if w, _ := cmd.Flags().GetInt("workers"); w > 0 {
			cfg.Workers = w
		}
	}
	// Workspaces are removed when the command exits, not on a timer.
	cfg.CleanupDelaySec = int((time.Hour).Seconds())

	urls := append([]string(nil), args...)
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		fromFile, err := readLinksFile(path)
		if err != nil {
			return err
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		return errors.New("no links given: pass URLs as arguments or use --file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	noProgress, _ := cmd.Flags().GetBool("no-progress")
	var display *progressDisplay
	if !noProgress {
		display = newProgressDisplay()
	}

	var progress func(coordinator.Event)
	if display != nil {
		progress = display.Update
	}
	a, err := buildApp(ctx, cfg, progress)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	if validateOnly, _ := cmd.Flags().GetBool("validate-only"); validateOnly {
		res, err := a.service.Validate(ctx, urls)
		if err != nil {
			return err
		}
		printItems(os.Stdout, "Accepted", res.Valid)
		printItems(os.Stdout, "Rejected", res.Invalid)
		return nil
	}

	if display != nil {
		display.Start()
	}
	result, err := a.service.Submit(ctx, models.BatchRequest{
		URLs:   urls,
		Client: models.ClientInfo{IP: "local", UserAgent: "link-downloader/fetch"},
	})
	if display != nil {
		display.Stop()
	}
	if err != nil {
		var be *batch.Error
		if errors.As(err, &be) && len(be.Rejected) > 0 {
			printItems(os.Stdout, "Rejected", be.Rejected)
		}
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if info, statErr := os.Stat(output); statErr == nil && info.IsDir() {
		output = filepath.Join(output, archive.DownloadName)
	}
	saved, err := downloader.CopyFile(result.ArchivePath, output, result.ArchiveDigest)
	if err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}

	printItems(os.Stdout, "Downloaded", result.Successful)
	printItems(os.Stdout, "Rejected", result.Rejected)
	fmt.Printf("\nArchive: %s (%s, blake3 %s)\n", saved.Path, helpers.SizeOf(saved.Size), saved.Blake3)
	return nil
}

// readLinksFile returns the non-blank, non-comment lines of path.
func readLinksFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading links file %s: %w", path, err)
	}
	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, nil
}

// printItems writes a titled table of item reports. Empty lists print nothing.
func printItems(w io.Writer, heading string, items []models.ItemReport) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s (%d):\n", heading, len(items))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Title\tURL\tReason")
	fmt.Fprintln(tw, "-----\t---\t------")
	for _, it := range items {
		title := it.Title
		if title == "" {
			title = "-"
		}
		reason := it.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", helpers.Truncate(title, 60), it.URL, reason)
	}
	tw.Flush()
}

// progressDisplay renders one line per worker with uilive.
type progressDisplay struct {
	writer *uilive.Writer

	mu       sync.Mutex
	lines    map[int]string
	finished int
	failed   int
	total    int
}

func newProgressDisplay() *progressDisplay {
	return &progressDisplay{writer: uilive.New(), lines: make(map[int]string)}
}

func (p *progressDisplay) Start() { p.writer.Start() }

func (p *progressDisplay) Stop() {
	p.render()
	p.writer.Stop()
}

// Update is the coordinator progress callback. It runs on worker goroutines.
func (p *progressDisplay) Update(ev coordinator.Event) {
	p.mu.Lock()
	p.total = ev.Total
	label := ev.Title
	if label == "" {
		label = ev.URL
	}
	label = helpers.Truncate(label, 60)
	switch {
	case !ev.Done:
		p.lines[ev.Worker] = fmt.Sprintf("Worker %d: [%d/%d] Downloading %s", ev.Worker, ev.Index+1, ev.Total, label)
	case ev.Err != nil:
		p.finished++
		p.failed++
		p.lines[ev.Worker] = fmt.Sprintf("Worker %d: [%d/%d] Failed %s", ev.Worker, ev.Index+1, ev.Total, label)
	default:
		p.finished++
		p.lines[ev.Worker] = fmt.Sprintf("Worker %d: [%d/%d] Done %s", ev.Worker, ev.Index+1, ev.Total, label)
	}
	p.mu.Unlock()
	p.render()
}

func (p *progressDisplay) render() {
	p.mu.Lock()
	defer p.mu.Unlock()

	workers := make([]int, 0, len(p.lines))
	for w := range p.lines {
		workers = append(workers, w)
	}
	sort.Ints(workers)

	var b strings.Builder
	fmt.Fprintf(&b, "Progress: %d/%d finished, %d failed\n", p.finished, p.total, p.failed)
	for _, w := range workers {
		b.WriteString(p.lines[w])
		b.WriteByte('\n')
	}
	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		log.WithError(err).Debug("Progress display write failed")
	}
}
