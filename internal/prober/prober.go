// Package prober asks the extraction tool for a URL's metadata without
// downloading anything.
package prober

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-link-downloader/internal/cookies"
	"go-link-downloader/internal/extractor"
	"go-link-downloader/internal/models"
	"go-link-downloader/internal/ytdlp"

	log "github.com/sirupsen/logrus"
)

// nominalAudioBitrate is used to estimate size from duration when the tool
// reports neither filesize nor filesize_approx (bits per second).
const nominalAudioBitrate = 160_000

// tiers are tried in order; android needs no JavaScript runtime and is the
// most reliable identity for metadata-only requests.
var tiers = []string{"android", "default"}

type Prober struct {
	runner  ytdlp.Runner
	creds   cookies.Provider
	timeout time.Duration
}

func New(runner ytdlp.Runner, creds cookies.Provider, timeout time.Duration) *Prober {
	if creds == nil {
		creds = cookies.None{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{runner: runner, creds: creds, timeout: timeout}
}

// probeDoc is the subset of the tool's JSON document we use.
type probeDoc struct {
	Title          string   `json:"title"`
	Duration       *float64 `json:"duration"`
	Filesize       *int64   `json:"filesize"`
	FilesizeApprox *float64 `json:"filesize_approx"`
	ABR            *float64 `json:"abr"`
}

// Probe never fails: an unreachable or unparsable probe comes back with
// ProbeSucceeded=false and the URL as title.
func (p *Prober) Probe(ctx context.Context, rawURL string) models.VideoMetadata {
	logger := log.WithField("url", rawURL)
	clients := tiers
	if !extractor.IsYouTube(rawURL) {
		clients = []string{""}
	}

	for _, client := range clients {
		meta, err := p.probeWith(ctx, rawURL, client)
		if err == nil {
			logger.WithFields(log.Fields{
				"client":   client,
				"duration": meta.Duration,
				"size":     meta.EstimatedSizeBytes,
			}).Debug("Probe succeeded")
			return meta
		}
		logger.WithError(err).WithField("client", client).Debug("Probe attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	logger.Warn("Metadata probe failed, allowing URL through unvalidated")
	return models.VideoMetadata{Title: rawURL}
}

func (p *Prober) probeWith(ctx context.Context, rawURL, client string) (models.VideoMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.runner.Run(ctx, p.Args(rawURL, client))
	if err != nil {
		return models.VideoMetadata{}, err
	}
	if res.ExitCode != 0 {
		return models.VideoMetadata{}, fmt.Errorf("probe exited with status %d: %s", res.ExitCode, res.Stderr)
	}
	return ParseMetadata(res.Stdout, rawURL)
}

// Args builds the metadata-only invocation.
func (p *Prober) Args(rawURL, client string) []string {
	args := []string{"--dump-json", "--skip-download", "--no-playlist", "--no-warnings", "-f", "bestaudio/best"}
	if client != "" {
		args = append(args, "--extractor-args", "youtube:player_client="+client)
	}
	if bundle, ok := p.creds.Bundle(); ok {
		args = append(args, "--cookies", bundle)
	}
	return append(args, rawURL)
}

// ParseMetadata decodes the tool's JSON document.
func ParseMetadata(doc []byte, rawURL string) (models.VideoMetadata, error) {
	var d probeDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return models.VideoMetadata{}, fmt.Errorf("decoding probe output: %w", err)
	}

	meta := models.VideoMetadata{Title: d.Title, ProbeSucceeded: true}
	if meta.Title == "" {
		meta.Title = rawURL
	}
	if d.Duration != nil && *d.Duration > 0 {
		meta.Duration = *d.Duration
	}
	meta.EstimatedSizeBytes = estimateSize(d, meta.Duration)
	return meta, nil
}

func estimateSize(d probeDoc, duration float64) int64 {
	if d.Filesize != nil && *d.Filesize > 0 {
		return *d.Filesize
	}
	if d.FilesizeApprox != nil && *d.FilesizeApprox > 0 {
		return int64(*d.FilesizeApprox)
	}
	if duration <= 0 {
		return 0
	}
	bitrate := float64(nominalAudioBitrate)
	if d.ABR != nil && *d.ABR > 0 {
		bitrate = *d.ABR * 1000
	}
	return int64(duration * bitrate / 8)
}
