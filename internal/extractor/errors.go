package extractor

import (
	"errors"
	"fmt"

	"go-link-downloader/internal/ytdlp"
)

// ErrorKind classifies why an extraction failed.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindTimeout
	KindToolMissing
	KindAuthRequired
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindToolMissing:
		return "tool_missing"
	case KindAuthRequired:
		return "auth_required"
	default:
		return "other"
	}
}

const (
	hintRefreshCookies = "Cookies may be expired or invalid. Try refreshing them."
	hintExportCookies  = "Cookies file not found. Export cookies from your browser."
)

// ExtractionError is the per-URL failure reported once the ladder gives up.
type ExtractionError struct {
	Kind     ErrorKind
	Strategy string
	Message  string
	Hint     string
	// Stderr is the complete diagnostic output; it is logged, never shown.
	Stderr string
	Err    error
}

func (e *ExtractionError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "Download timeout"
	case KindToolMissing:
		return ytdlp.InstallHint
	}
	msg := e.Message
	if msg == "" {
		msg = "Download failed"
	}
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Hint)
	}
	return msg
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an extraction failure, or KindOther for errors
// that did not come from this package.
func KindOf(err error) ErrorKind {
	var xe *ExtractionError
	if errors.As(err, &xe) {
		return xe.Kind
	}
	if errors.Is(err, ytdlp.ErrToolMissing) {
		return KindToolMissing
	}
	if errors.Is(err, ytdlp.ErrTimeout) {
		return KindTimeout
	}
	return KindOther
}
