// Package batch is the request boundary of the downloader: it takes a list
// of links through validation, a session workspace, parallel extraction and
// archive assembly.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"go-link-downloader/internal/archive"
	"go-link-downloader/internal/coordinator"
	"go-link-downloader/internal/helpers"
	"go-link-downloader/internal/models"
	"go-link-downloader/internal/session"
	"go-link-downloader/internal/validator"
	"go-link-downloader/internal/ytdlp"
)

// maxErrorsShown caps how many per-URL errors are joined into a total
// extraction failure message.
const maxErrorsShown = 5

type Validator interface {
	Validate(ctx context.Context, urls []string) []models.Verdict
}

type Coordinator interface {
	Run(ctx context.Context, accepted []models.Verdict, workspace string) (coordinator.Report, error)
}

// Sessions is the part of *session.Manager the service drives.
type Sessions interface {
	Open() (*session.Session, error)
	Finalize(s *session.Session)
	Lookup(id string) (*session.Session, error)
	Status() models.StatusReport
}

// Publisher receives one record per finished session. *metrics.Dispatcher
// satisfies it.
type Publisher interface {
	Publish(rec models.VisitRecord)
}

type Options struct {
	MaxURLs           int
	ErrorMessageLimit int
	// ToolCheck reports whether the extraction tool can be run. A nil
	// ToolCheck skips the check.
	ToolCheck func() error
}

// ValidationResult mirrors the verdicts split into the two lists the
// frontend shows.
type ValidationResult struct {
	Valid   []models.ItemReport `json:"valid"`
	Invalid []models.ItemReport `json:"invalid"`
}

type Service struct {
	validator   Validator
	coordinator Coordinator
	sessions    Sessions
	publisher   Publisher
	opts        Options
	now         func() time.Time
}

func NewService(v Validator, c Coordinator, s Sessions, p Publisher, opts Options) *Service {
	if opts.MaxURLs <= 0 {
		opts.MaxURLs = 10
	}
	if opts.ErrorMessageLimit <= 0 {
		opts.ErrorMessageLimit = 200
	}
	return &Service{validator: v, coordinator: c, sessions: s, publisher: p, opts: opts, now: time.Now}
}

// cleanURLs trims every entry and drops the blank ones.
func cleanURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func (s *Service) checkCount(urls []string) error {
	if len(urls) == 0 {
		return &Error{Kind: KindNoURLs, Message: "No links provided"}
	}
	if len(urls) > s.opts.MaxURLs {
		return &Error{Kind: KindTooManyURLs, Message: fmt.Sprintf("Too many links: %d submitted, at most %d allowed", len(urls), s.opts.MaxURLs)}
	}
	return nil
}

// Validate probes and budget-checks urls without downloading anything.
func (s *Service) Validate(ctx context.Context, urls []string) (ValidationResult, error) {
	urls = cleanURLs(urls)
	if err := s.checkCount(urls); err != nil {
		return ValidationResult{}, err
	}
	result := ValidationResult{Valid: []models.ItemReport{}, Invalid: []models.ItemReport{}}
	for _, v := range s.validator.Validate(ctx, urls) {
		if v.Accepted {
			result.Valid = append(result.Valid, models.ItemReport{URL: v.URL, Title: v.Title})
		} else {
			result.Invalid = append(result.Invalid, models.ItemReport{URL: v.URL, Title: v.Title, Reason: v.Reason})
		}
	}
	return result, nil
}

// Submit runs one batch start to finish. Per-URL problems come back inside
// the result; a returned *Error means the request as a whole failed. The
// session is finalized on every path once it has been opened.
func (s *Service) Submit(ctx context.Context, req models.BatchRequest) (*models.BatchResult, error) {
	urls := cleanURLs(req.URLs)
	if err := s.checkCount(urls); err != nil {
		return nil, err
	}
	log.Infof("Received %d link(s) to download", len(urls))

	if s.opts.ToolCheck != nil {
		if err := s.opts.ToolCheck(); err != nil {
			log.WithError(err).Error("Extraction tool unavailable")
			return nil, &Error{Kind: KindToolingUnavailable, Message: ytdlp.InstallHint, Err: err}
		}
	}

	accepted, rejectedVerdicts := validator.Split(s.validator.Validate(ctx, urls))
	rejected := make([]models.ItemReport, 0, len(rejectedVerdicts))
	for _, v := range rejectedVerdicts {
		rejected = append(rejected, models.ItemReport{URL: v.URL, Title: v.Title, Reason: v.Reason})
	}
	if len(accepted) == 0 {
		return nil, &Error{Kind: KindNothingAccepted, Message: "All links were rejected", Rejected: rejected}
	}

	sess, err := s.sessions.Open()
	if err != nil {
		log.WithError(err).Error("Could not open session")
		return nil, &Error{Kind: KindSession, Message: "Could not prepare a download workspace", Err: err}
	}
	defer s.sessions.Finalize(sess)
	entry := log.WithField("session", sess.ID)

	started := s.now()
	report, runErr := s.coordinator.Run(ctx, accepted, sess.Workspace)
	if runErr != nil && !errors.Is(runErr, coordinator.ErrSessionSizeExceeded) {
		entry.WithError(runErr).Error("Download run failed")
		return nil, &Error{Kind: KindSession, Message: helpers.Truncate("Server error: "+runErr.Error(), s.opts.ErrorMessageLimit), Rejected: rejected, Err: runErr}
	}

	result := &models.BatchResult{SessionID: sess.ID, Successful: []models.ItemReport{}}
	var failures []string
	var kinds []string
	for _, o := range report.Outcomes {
		if o.Succeeded {
			result.Successful = append(result.Successful, models.ItemReport{URL: o.URL, Title: o.Title})
			continue
		}
		reason := helpers.Truncate(o.ErrorReason, s.opts.ErrorMessageLimit)
		rejected = append(rejected, models.ItemReport{URL: o.URL, Title: o.Title, Reason: reason})
		failures = append(failures, o.URL+": "+reason)
		kinds = append(kinds, o.ErrorKind)
	}
	result.Rejected = rejected

	rec := s.visitRecord(sess.ID, req.Client, urls, result, failures, kinds)
	entry.WithFields(log.Fields{
		"successful": len(result.Successful),
		"rejected":   len(rejected),
		"files":      len(report.Files),
		"elapsed":    s.now().Sub(started).Round(100 * time.Millisecond),
	}).Info("Batch finished downloading")

	if len(report.Files) == 0 {
		s.publish(rec)
		return nil, &Error{Kind: KindExtractionFailed, Message: aggregateErrors(failures), Rejected: rejected}
	}
	if runErr != nil {
		entry.WithError(runErr).Error("Session size ceiling breached after download")
		s.publish(rec)
		return nil, &Error{Kind: KindSession, Message: helpers.Truncate(runErr.Error(), s.opts.ErrorMessageLimit), Rejected: rejected, Err: runErr}
	}

	arc, err := archive.Assemble(sess.Workspace, report.Files)
	if err != nil {
		entry.WithError(err).Error("Archive assembly failed")
		s.publish(rec)
		return nil, &Error{Kind: KindSession, Message: "Could not build the archive", Rejected: rejected, Err: err}
	}
	sess.SetArchive(arc.Path)
	result.ArchivePath = arc.Path
	result.ArchiveSize = arc.Size
	result.ArchiveDigest = arc.Blake3

	rec.ArchiveBytes = arc.Size
	rec.Success = true
	s.publish(rec)
	entry.Infof("Archive ready: %d file(s), %s", len(arc.Entries), helpers.SizeOf(arc.Size))
	return result, nil
}

func (s *Service) publish(rec models.VisitRecord) {
	if s.publisher != nil {
		s.publisher.Publish(rec)
	}
}

func (s *Service) visitRecord(id string, client models.ClientInfo, urls []string, result *models.BatchResult, failures, kinds []string) models.VisitRecord {
	now := s.now().UTC()
	titles := make([]string, 0, len(result.Successful))
	for _, item := range result.Successful {
		titles = append(titles, item.Title)
	}
	return models.VisitRecord{
		SessionID:     id,
		Timestamp:     now,
		Date:          now.Format("2006-01-02"),
		ClientIP:      client.IP,
		UserAgent:     client.UserAgent,
		Links:         urls,
		Titles:        titles,
		Submitted:     len(urls),
		Rejected:      len(result.Rejected),
		FilesProduced: len(result.Successful),
		Errors:        failures,
		ErrorKinds:    kinds,
	}
}

// aggregateErrors builds the message for a batch that produced no files.
func aggregateErrors(failures []string) string {
	msg := "No files were downloaded."
	if len(failures) == 0 {
		return msg
	}
	shown := failures
	if len(shown) > maxErrorsShown {
		shown = shown[:maxErrorsShown]
	}
	msg += " Errors: " + strings.Join(shown, "; ")
	if extra := len(failures) - len(shown); extra > 0 {
		msg += fmt.Sprintf(" (and %d more errors)", extra)
	}
	return msg
}

// Status reports whether it is safe to restart the process.
func (s *Service) Status() models.StatusReport {
	return s.sessions.Status()
}

// OpenArchive opens the archive of a session that has not been cleaned up.
func (s *Service) OpenArchive(sessionID string) (*os.File, error) {
	sess, err := s.sessions.Lookup(sessionID)
	if err != nil {
		return nil, err
	}
	path := sess.ArchivePath()
	if path == "" {
		return nil, fmt.Errorf("%w: %s has no archive", session.ErrNotFound, sessionID)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s archive removed", session.ErrNotFound, sessionID)
		}
		return nil, err
	}
	return f, nil
}
