package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-link-downloader/internal/api"
	"go-link-downloader/internal/archive"
	"go-link-downloader/internal/downloader"
	"go-link-downloader/internal/helpers"
)

// errNoArchive aborts the save when the server produced no archive.
var errNoArchive = errors.New("server returned no archive")

var submitCmd = &cobra.Command{
	Use:   "submit [URL]...",
	Short: "Submit a batch of links to a running server",
	Long: `Posts the links to a running server's /download endpoint and saves the
returned archive to --output. With --validate-only the links are only
checked against the server's budgets.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringP("output", "o", archive.DownloadName, "Where to write the archive (file or existing directory)")
	submitCmd.Flags().Bool("validate-only", false, "Only ask the server to validate the links")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Batches can run for many minutes; the server enforces its own limits.
	client := newAPIClient(0)

	if validateOnly, _ := cmd.Flags().GetBool("validate-only"); validateOnly {
		res, err := client.Validate(ctx, args)
		if err != nil {
			return reportServerError(err)
		}
		printItems(os.Stdout, "Accepted", res.Valid)
		printItems(os.Stdout, "Rejected", res.Invalid)
		return nil
	}

	output, _ := cmd.Flags().GetString("output")
	if info, statErr := os.Stat(output); statErr == nil && info.IsDir() {
		output = filepath.Join(output, archive.DownloadName)
	}

	log.Infof("Submitting %d link(s) to %s", len(args), client.BaseURL)
	var summary api.DownloadResponse
	saved, err := downloader.Save(output, "", func(w io.Writer) error {
		var derr error
		summary, derr = client.Download(ctx, args, w)
		if derr != nil {
			return derr
		}
		if !summary.HasFile {
			return errNoArchive
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNoArchive) {
		return reportServerError(err)
	}

	printItems(os.Stdout, "Downloaded", summary.Successful)
	printItems(os.Stdout, "Rejected", summary.Rejected)
	if err != nil {
		return err
	}
	// The digest is only known once the response headers or summary arrive,
	// so it is checked after the save.
	if summary.ArchiveDigest != "" && !strings.EqualFold(summary.ArchiveDigest, saved.Blake3) {
		_ = os.Remove(saved.Path)
		return fmt.Errorf("%w: server reported %s, saved %s", downloader.ErrHashMismatch, summary.ArchiveDigest, saved.Blake3)
	}
	fmt.Printf("\nArchive: %s (%s, blake3 %s)\n", saved.Path, helpers.SizeOf(saved.Size), saved.Blake3)
	return nil
}

// reportServerError prints any per-link rejections carried by a server
// error before returning it.
func reportServerError(err error) error {
	var se *api.ServerError
	if errors.As(err, &se) {
		printItems(os.Stdout, "Rejected", se.Rejected)
	}
	return err
}
