// Package validator decides which submitted URLs fit the batch budget before
// anything is downloaded.
package validator

import (
	"context"
	"errors"
	"fmt"

	"go-link-downloader/internal/helpers"
	"go-link-downloader/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDurationExceeded    = errors.New("duration exceeds limit")
	ErrFileSizeExceeded    = errors.New("file size exceeds limit")
	ErrSessionSizeExceeded = errors.New("session size limit would be exceeded")
)

// Prober is the metadata source the validator consults.
type Prober interface {
	Probe(ctx context.Context, rawURL string) models.VideoMetadata
}

type Limits struct {
	MaxDurationSec      float64
	MaxFileSizeBytes    int64
	MaxSessionSizeBytes int64
}

// Validator probes URLs concurrently but always applies the budget checks in
// submission order, so the cumulative total is deterministic.
type Validator struct {
	prober      Prober
	limits      Limits
	concurrency int
}

func New(p Prober, limits Limits, concurrency int) *Validator {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Validator{prober: p, limits: limits, concurrency: concurrency}
}

// Validate returns exactly one verdict per input URL, in input order.
func (v *Validator) Validate(ctx context.Context, urls []string) []models.Verdict {
	normalized := make([]string, len(urls))
	for i, u := range urls {
		normalized[i] = NormalizeURL(u)
	}

	metas := make([]models.VideoMetadata, len(normalized))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, u := range normalized {
		g.Go(func() error {
			metas[i] = v.prober.Probe(gctx, u)
			return nil
		})
	}
	_ = g.Wait()

	verdicts := make([]models.Verdict, len(normalized))
	var running int64
	for i, u := range normalized {
		verdict, size := v.check(u, metas[i], running)
		running += size
		verdicts[i] = verdict

		entry := log.WithFields(log.Fields{"url": u, "title": verdict.Title})
		if verdict.Accepted {
			entry.Debug("URL accepted")
		} else {
			entry.Infof("URL rejected: %s", verdict.Reason)
		}
	}
	return verdicts
}

// check applies the duration, per-file and cumulative checks, in that order.
// It returns the verdict and how much it adds to the running total.
func (v *Validator) check(u string, meta models.VideoMetadata, running int64) (models.Verdict, int64) {
	verdict := models.Verdict{URL: u, Title: meta.Title, Metadata: meta}
	if verdict.Title == "" {
		verdict.Title = u
	}

	if !meta.ProbeSucceeded {
		verdict.Accepted = true
		return verdict, 0
	}

	if err := v.checkDuration(meta); err != nil {
		return reject(verdict, models.RejectDuration, err), 0
	}
	if err := v.checkFileSize(meta); err != nil {
		return reject(verdict, models.RejectFileSize, err), 0
	}
	if err := v.checkSessionSize(meta, running); err != nil {
		return reject(verdict, models.RejectSessionSize, err), 0
	}

	verdict.Accepted = true
	return verdict, meta.EstimatedSizeBytes
}

func (v *Validator) checkDuration(meta models.VideoMetadata) error {
	if v.limits.MaxDurationSec <= 0 || meta.Duration <= v.limits.MaxDurationSec {
		return nil
	}
	return fmt.Errorf("%w: %s is longer than %s", ErrDurationExceeded,
		helpers.FormatDuration(meta.Duration), helpers.FormatDuration(v.limits.MaxDurationSec))
}

func (v *Validator) checkFileSize(meta models.VideoMetadata) error {
	if v.limits.MaxFileSizeBytes <= 0 || meta.EstimatedSizeBytes <= v.limits.MaxFileSizeBytes {
		return nil
	}
	return fmt.Errorf("%w: estimated %s is over %s", ErrFileSizeExceeded,
		helpers.SizeOf(meta.EstimatedSizeBytes), helpers.SizeOf(v.limits.MaxFileSizeBytes))
}

func (v *Validator) checkSessionSize(meta models.VideoMetadata, running int64) error {
	if v.limits.MaxSessionSizeBytes <= 0 || running+meta.EstimatedSizeBytes <= v.limits.MaxSessionSizeBytes {
		return nil
	}
	return fmt.Errorf("%w: %s already accepted, adding %s would pass %s", ErrSessionSizeExceeded,
		helpers.SizeOf(running), helpers.SizeOf(meta.EstimatedSizeBytes), helpers.SizeOf(v.limits.MaxSessionSizeBytes))
}

func reject(verdict models.Verdict, code models.RejectCode, err error) models.Verdict {
	verdict.Accepted = false
	verdict.Code = code
	verdict.Reason = err.Error()
	return verdict
}

// Split partitions verdicts into accepted and rejected, preserving order.
func Split(verdicts []models.Verdict) (accepted, rejected []models.Verdict) {
	for _, v := range verdicts {
		if v.Accepted {
			accepted = append(accepted, v)
		} else {
			rejected = append(rejected, v)
		}
	}
	return accepted, rejected
}
