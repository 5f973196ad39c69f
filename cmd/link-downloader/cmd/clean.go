package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-link-downloader/internal/session"
)

// partialSuffixes are leftovers of interrupted extractions or saves.
var partialSuffixes = []string{".part", ".ytdl", ".temp", ".tmp"}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().Duration("older-than", 0, "Only remove workspaces idle for this long (default: the recent-activity window)")
	cleanCmd.Flags().BoolP("force", "f", false, "Clean even while the downloads root shows recent activity")
	cleanCmd.Flags().BoolP("dry-run", "n", false, "Only report what would be removed")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale session workspaces, partial files and a stale busy marker",
	Long: `Scans the configured DownloadsRoot for session-* workspaces left behind by a
crash or a killed process and removes them, along with partial download files
(.part, .ytdl, .temp, .tmp). The busy marker is removed once nothing has
touched the downloads root within the recent-activity window.
Refuses to run while the downloads root is active unless --force is given.`,
	Run: runClean,
}

func runClean(cmd *cobra.Command, args []string) {
	cfg := globalConfig
	root := cfg.DownloadsRoot

	olderThan, _ := cmd.Flags().GetDuration("older-than")
	force, _ := cmd.Flags().GetBool("force")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if olderThan <= 0 {
		olderThan = cfg.RecentActivityWindow()
	}

	// --- Path Validation ---
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		log.Errorf("DownloadsRoot directory does not exist: %s", root)
		os.Exit(1)
	}
	if err != nil {
		log.Errorf("Error accessing DownloadsRoot %q: %v", root, err)
		os.Exit(1)
	}
	if !info.IsDir() {
		log.Errorf("DownloadsRoot is not a directory: %s", root)
		os.Exit(1)
	}
	// --- End Path Validation ---

	recent := session.RecentActivity(root, cfg.RecentActivityWindow())
	if recent && !force {
		log.Errorf("Downloads root %s was modified within the last %s; a batch may be running. Use --force to clean anyway.",
			root, cfg.RecentActivityWindow())
		os.Exit(1)
	}

	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	log.Infof("Scanning %s for stale workspaces and partial files...", root)

	var workspacesRemoved, partialsRemoved, failed int64
	remove := func(path, kind string, removeFn func(string) error) bool {
		if dryRun {
			log.Infof("%s %s: %s", verb, kind, path)
			return true
		}
		if err := removeFn(path); err != nil {
			if os.IsNotExist(err) {
				log.Warnf("Attempted to remove %s %q, but it was already gone.", kind, path)
			} else {
				log.Errorf("Failed to remove %s %q: %v", kind, path, err)
				failed++
			}
			return false
		}
		log.Infof("%s %s: %s", verb, kind, path)
		return true
	}

	cutoff := time.Now().Add(-olderThan)
	entries, err := os.ReadDir(root)
	if err != nil {
		log.Errorf("Error reading %q: %v", root, err)
		os.Exit(1)
	}
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if !entry.IsDir() || !session.IsWorkspaceName(entry.Name()) {
			continue
		}
		entryInfo, err := entry.Info()
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			continue
		}
		if entryInfo.ModTime().After(cutoff) && !force {
			log.Debugf("Keeping recent workspace %s (modified %s)", path, entryInfo.ModTime().Format(time.RFC3339))
			continue
		}
		if remove(path, "workspace", os.RemoveAll) {
			workspacesRemoved++
		}
	}

	// Partial files outside workspaces, e.g. from an interrupted fetch.
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if info.IsDir() {
			if path != root && session.IsWorkspaceName(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isPartialFile(info.Name()) {
			if remove(path, "partial file", os.Remove) {
				partialsRemoved++
			}
		}
		return nil
	})
	if walkErr != nil {
		log.Errorf("Error during directory walk of %q: %v", root, walkErr)
	}

	markerRemoved := false
	if session.MarkerExists(cfg.BusyMarkerPath) && (!recent || force) {
		if marker, err := session.ReadMarker(cfg.BusyMarkerPath); err == nil {
			log.WithFields(log.Fields{"pid": marker.PID, "created": marker.CreatedAt, "session": marker.Session}).
				Info("Found stale busy marker")
		}
		markerRemoved = remove(cfg.BusyMarkerPath, "busy marker", os.Remove)
	}

	// Build summary string
	var summaryParts []string
	if workspacesRemoved > 0 {
		summaryParts = append(summaryParts, fmt.Sprintf("%d workspace(s)", workspacesRemoved))
	}
	if partialsRemoved > 0 {
		summaryParts = append(summaryParts, fmt.Sprintf("%d partial file(s)", partialsRemoved))
	}
	if markerRemoved {
		summaryParts = append(summaryParts, "the busy marker")
	}

	summary := "Clean complete. " + verb + ": "
	if len(summaryParts) > 0 {
		summary += strings.Join(summaryParts, ", ")
	} else {
		summary += "nothing"
	}
	if failed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d item(s).", failed)
	}
	log.Info(summary)

	if failed > 0 || walkErr != nil {
		os.Exit(1)
	}
}

func isPartialFile(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
