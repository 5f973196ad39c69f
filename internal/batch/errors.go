package batch

import (
	"errors"

	"go-link-downloader/internal/models"
)

// Kind classifies request-level failures. Per-URL failures never become a
// Kind; they are reported as rejected items.
type Kind int

const (
	KindNoURLs Kind = iota + 1
	KindTooManyURLs
	KindNothingAccepted
	KindToolingUnavailable
	KindExtractionFailed
	KindSession
)

func (k Kind) String() string {
	switch k {
	case KindNoURLs:
		return "no_urls"
	case KindTooManyURLs:
		return "too_many_urls"
	case KindNothingAccepted:
		return "nothing_accepted"
	case KindToolingUnavailable:
		return "tooling_unavailable"
	case KindExtractionFailed:
		return "extraction_failed"
	case KindSession:
		return "session_error"
	default:
		return "unknown"
	}
}

// ClientError reports whether the caller can fix the request.
func (k Kind) ClientError() bool {
	return k == KindNoURLs || k == KindTooManyURLs || k == KindNothingAccepted
}

// Error is returned by Submit when the whole request fails.
type Error struct {
	Kind     Kind
	Message  string
	Rejected []models.ItemReport
	Err      error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a batch error, or 0 for anything else.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}
