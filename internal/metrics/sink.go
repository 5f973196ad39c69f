// Package metrics receives one VisitRecord per finished session and fans it
// out to the configured sinks. Recording never affects the session outcome.
package metrics

import (
	"context"
	"errors"
	"fmt"

	"go-link-downloader/internal/models"
)

// Sink persists or aggregates visit records.
type Sink interface {
	Name() string
	Record(ctx context.Context, rec models.VisitRecord) error
}

// Nop discards every record.
type Nop struct{}

func (Nop) Name() string                                     { return "nop" }
func (Nop) Record(context.Context, models.VisitRecord) error { return nil }

// Multi forwards a record to each sink in order. Every sink is tried even if
// an earlier one fails.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Record(ctx context.Context, rec models.VisitRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Combine drops nil sinks and returns Nop, the single sink, or a Multi.
func Combine(sinks ...Sink) Sink {
	var kept Multi
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	switch len(kept) {
	case 0:
		return Nop{}
	case 1:
		return kept[0]
	default:
		return kept
	}
}
