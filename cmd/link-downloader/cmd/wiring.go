package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"go-link-downloader/internal/batch"
	"go-link-downloader/internal/cookies"
	"go-link-downloader/internal/coordinator"
	"go-link-downloader/internal/extractor"
	"go-link-downloader/internal/metrics"
	"go-link-downloader/internal/models"
	"go-link-downloader/internal/prober"
	"go-link-downloader/internal/session"
	"go-link-downloader/internal/tasks"
	"go-link-downloader/internal/validator"
	"go-link-downloader/internal/ytdlp"
)

// backgroundWorkers runs session cleanups and visit recording.
const backgroundWorkers = 2

// app holds everything one process needs to run batches.
type app struct {
	cfg     models.Config
	queue   *tasks.Queue
	manager *session.Manager
	service *batch.Service
	prom    *metrics.PrometheusSink
	visits  *metrics.VisitStore
}

// buildApp wires the pipeline from cfg. progress may be nil.
func buildApp(ctx context.Context, cfg models.Config, progress func(coordinator.Event)) (*app, error) {
	queue := tasks.NewQueue(backgroundWorkers)
	a := &app{cfg: cfg, queue: queue}

	manager, err := session.NewManager(session.Options{
		Root:         cfg.DownloadsRoot,
		CleanupDelay: cfg.CleanupDelay(),
		RecentWindow: cfg.RecentActivityWindow(),
	}, session.NewFileRegistry(cfg.BusyMarkerPath), queue)
	if err != nil {
		_ = queue.Close(ctx)
		return nil, err
	}
	a.manager = manager

	// A missing tool is reported per request so the server can start
	// before it is installed; every request resolves it again.
	runner := ytdlp.NewExecRunner(cfg.ToolPath)
	if err := runner.Refresh(cfg.ToolPath); err != nil {
		log.WithError(err).Warn(ytdlp.InstallHint)
	} else {
		ytdlp.LogVersion(ctx, runner, runner.Path())
	}

	creds := cookies.NewFileProvider(cfg.CookiesPath)
	v := validator.New(
		prober.New(runner, creds, cfg.ProbeTimeout()),
		validator.Limits{
			MaxDurationSec:      float64(cfg.MaxDurationSec),
			MaxFileSizeBytes:    cfg.MaxFileSizeBytes(),
			MaxSessionSizeBytes: cfg.MaxSessionSizeBytes(),
		},
		cfg.ProbeConcurrency,
	)
	x := extractor.New(runner, creds, extractor.Options{
		AudioFormat:       cfg.AudioFormat,
		BufferSize:        cfg.BufferSize,
		ImpersonateTarget: cfg.ImpersonateTarget,
		AttemptTimeout:    cfg.ExtractTimeout(),
	})
	coord := coordinator.New(x, coordinator.Options{
		Workers:             cfg.Workers,
		SettleDelay:         cfg.SettleDelay(),
		MaxFileSizeBytes:    cfg.MaxFileSizeBytes(),
		MaxSessionSizeBytes: cfg.MaxSessionSizeBytes(),
		Progress:            progress,
	})

	sink, err := a.openSinks(ctx)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.service = batch.NewService(v, coord, manager, metrics.NewDispatcher(sink, queue), batch.Options{
		MaxURLs:           cfg.MaxURLs,
		ErrorMessageLimit: cfg.ErrorMessageLimit,
		ToolCheck: func() error {
			return runner.Refresh(cfg.ToolPath)
		},
	})
	return a, nil
}

// openSinks opens every enabled visit sink. The S3 sink is optional: a
// failure to configure it is logged and the others keep working.
func (a *app) openSinks(ctx context.Context) (metrics.Sink, error) {
	var sinks []metrics.Sink
	if a.cfg.PrometheusEnabled {
		prom, err := metrics.NewPrometheusSink(prometheus.NewRegistry())
		if err != nil {
			return nil, fmt.Errorf("failed to set up prometheus metrics: %w", err)
		}
		a.prom = prom
		sinks = append(sinks, prom)
	}
	if a.cfg.VisitStoreEnabled {
		store, err := metrics.OpenVisitStore(a.cfg.DatabasePath, a.cfg.IndexPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open visit store: %w", err)
		}
		a.visits = store
		sinks = append(sinks, store)
	}
	if a.cfg.S3Bucket != "" {
		s3Sink, err := metrics.NewS3Sink(ctx, a.cfg.S3Bucket, a.cfg.S3Region, a.cfg.S3Prefix)
		if err != nil {
			log.WithError(err).Warn("S3 visit sink disabled")
		} else {
			sinks = append(sinks, s3Sink)
		}
	}
	sink := metrics.Combine(sinks...)
	log.Debugf("Visit sink: %s", sink.Name())
	return sink, nil
}

// Close runs pending cleanups and recordings, then closes the stores.
func (a *app) Close(ctx context.Context) error {
	err := a.queue.Close(ctx)
	if a.visits != nil {
		err = errors.Join(err, a.visits.Close())
	}
	if err != nil {
		log.WithError(err).Warn("Shutdown did not complete cleanly")
	}
	return err
}
