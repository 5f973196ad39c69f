// Package extractor downloads the audio track of a single URL by walking an
// ordered ladder of extraction strategies.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go-link-downloader/internal/cookies"
	"go-link-downloader/internal/ytdlp"

	log "github.com/sirupsen/logrus"
)

// OutputTemplate names produced files after the media title.
const OutputTemplate = "%(title)s.%(ext)s"

var authPatterns = []string{"cookies", "sign in", "bot"}

type Options struct {
	AudioFormat       string
	BufferSize        string
	ImpersonateTarget string
	AttemptTimeout    time.Duration
}

// Extractor runs the strategy ladder for one URL at a time. It is safe for
// concurrent use.
type Extractor struct {
	runner    ytdlp.Runner
	creds     cookies.Provider
	opts      Options
	ladderFor func(string) []Strategy
}

func New(runner ytdlp.Runner, creds cookies.Provider, opts Options) *Extractor {
	if creds == nil {
		creds = cookies.None{}
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = "m4a"
	}
	if opts.ImpersonateTarget == "" {
		opts.ImpersonateTarget = "chrome"
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Minute
	}
	return &Extractor{runner: runner, creds: creds, opts: opts, ladderFor: LadderFor}
}

// WithLadder replaces the ladder selection. Used by tests and callers that
// want to restrict strategies.
func (e *Extractor) WithLadder(fn func(string) []Strategy) *Extractor {
	e.ladderFor = fn
	return e
}

// Extract writes the audio of rawURL into outputDir. It returns nil on the
// first successful strategy, or the last *ExtractionError once the ladder is
// exhausted. A timeout or a missing tool ends the ladder immediately.
func (e *Extractor) Extract(ctx context.Context, rawURL, outputDir string) error {
	bundle, hasBundle := e.creds.Bundle()
	logger := log.WithField("url", rawURL)

	var last *ExtractionError
	for i, s := range e.ladderFor(rawURL) {
		if !s.applies(last) {
			logger.Debugf("Skipping strategy %s", s.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return &ExtractionError{Kind: KindOther, Strategy: s.Name, Message: "Download cancelled", Err: err}
		}

		logger.WithFields(log.Fields{"strategy": s.Name, "attempt": i + 1}).Info("Trying extraction strategy")
		xerr := e.attempt(ctx, s, rawURL, outputDir, bundle, hasBundle)
		if xerr == nil {
			logger.WithField("strategy", s.Name).Info("Extraction succeeded")
			return nil
		}

		logger.WithFields(log.Fields{
			"strategy": s.Name,
			"kind":     xerr.Kind.String(),
		}).Warnf("Extraction strategy failed: %s", xerr.Error())
		if xerr.Stderr != "" {
			logger.WithField("strategy", s.Name).Debugf("stderr: %s", xerr.Stderr)
		}
		last = xerr

		if xerr.Kind == KindTimeout || xerr.Kind == KindToolMissing {
			break
		}
	}

	if last == nil {
		return &ExtractionError{Kind: KindOther, Message: "No extraction strategy applies to this URL"}
	}
	return last
}

func (e *Extractor) attempt(ctx context.Context, s Strategy, rawURL, outputDir, bundle string, hasBundle bool) *ExtractionError {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()

	cookiesPath := ""
	if hasBundle {
		cookiesPath = bundle
	}
	res, err := e.runner.Run(attemptCtx, e.Args(s, rawURL, outputDir, cookiesPath))
	if err != nil {
		return classifyRunError(s, res, err)
	}
	if res.ExitCode == 0 {
		return nil
	}
	return classifyExit(s, res, hasBundle)
}

// Args builds the tool invocation for one strategy.
func (e *Extractor) Args(s Strategy, rawURL, outputDir, cookiesPath string) []string {
	var args []string
	if s.PlayerClient != "" {
		args = append(args, "--extractor-args", "youtube:player_client="+s.PlayerClient)
	}
	if s.Impersonate {
		args = append(args, "--impersonate", e.opts.ImpersonateTarget)
	}
	if cookiesPath != "" {
		args = append(args, "--cookies", cookiesPath)
	}
	if e.opts.BufferSize != "" {
		args = append(args, "--buffer-size", e.opts.BufferSize)
	}
	args = append(args, "--no-warnings", "--no-playlist", "-x")
	if !s.DropFormat {
		args = append(args, "--audio-format", e.opts.AudioFormat)
	}
	args = append(args, "-o", filepath.Join(outputDir, OutputTemplate), rawURL)
	return args
}

func classifyRunError(s Strategy, res ytdlp.Result, err error) *ExtractionError {
	xerr := &ExtractionError{Strategy: s.Name, Stderr: res.Stderr, Err: err}
	switch {
	case errors.Is(err, ytdlp.ErrTimeout):
		xerr.Kind = KindTimeout
	case errors.Is(err, ytdlp.ErrToolMissing):
		xerr.Kind = KindToolMissing
	case errors.Is(err, context.Canceled):
		xerr.Kind = KindOther
		xerr.Message = "Download cancelled"
	default:
		xerr.Kind = KindOther
		xerr.Message = fmt.Sprintf("Download failed: %v", err)
	}
	return xerr
}

func classifyExit(s Strategy, res ytdlp.Result, usedCookies bool) *ExtractionError {
	xerr := &ExtractionError{
		Kind:     KindOther,
		Strategy: s.Name,
		Message:  summarizeStderr(res),
		Stderr:   res.Stderr,
	}
	lower := strings.ToLower(res.Stderr)
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			xerr.Kind = KindAuthRequired
			if usedCookies {
				xerr.Hint = hintRefreshCookies
			} else {
				xerr.Hint = hintExportCookies
			}
			break
		}
	}
	return xerr
}

// summarizeStderr picks the most useful line of tool output: the first
// "ERROR:" line, else the last non-empty line.
func summarizeStderr(res ytdlp.Result) string {
	var lastLine string
	for _, line := range strings.Split(res.Stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "ERROR:") {
			return line
		}
		lastLine = line
	}
	if lastLine != "" {
		return lastLine
	}
	return fmt.Sprintf("Download failed with exit status %d", res.ExitCode)
}
