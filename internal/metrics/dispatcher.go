package metrics

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"go-link-downloader/internal/models"
	"go-link-downloader/internal/tasks"
)

// Runner runs detached work. *tasks.Queue satisfies it.
type Runner interface {
	Go(name string, fn tasks.Func) error
}

// Dispatcher hands records to a sink off the request path.
type Dispatcher struct {
	sink    Sink
	runner  Runner
	timeout time.Duration
}

func NewDispatcher(sink Sink, runner Runner) *Dispatcher {
	if sink == nil {
		sink = Nop{}
	}
	return &Dispatcher{sink: sink, runner: runner, timeout: 30 * time.Second}
}

// Publish schedules rec for recording. Failures are logged, never returned.
func (d *Dispatcher) Publish(rec models.VisitRecord) {
	if _, ok := d.sink.(Nop); ok {
		return
	}
	record := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := d.sink.Record(ctx, rec); err != nil {
			log.WithError(err).WithField("session", rec.SessionID).Warn("Failed to record visit")
		}
		return nil
	}
	if d.runner == nil {
		_ = record(context.Background())
		return
	}
	if err := d.runner.Go("visit:"+rec.SessionID, record); err != nil {
		log.WithError(err).WithField("session", rec.SessionID).Warn("Could not schedule visit recording")
	}
}
