package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-link-downloader/internal/cookies"
	"go-link-downloader/internal/server"
)

// shutdownGrace bounds how long in-flight batches and pending cleanups get
// after a stop signal.
const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP download service",
	Long: `Starts the HTTP service exposing /download, /validate, /download_file/{id}
and /status. With metrics enabled, Prometheus counters are served on /metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "Address to listen on (overrides config)")
	serveCmd.Flags().Int("workers", 0, "Parallel downloads per batch (overrides config)")
	serveCmd.Flags().Bool("metrics", false, "Expose Prometheus metrics on /metrics (overrides config)")
	serveCmd.Flags().Bool("visits", false, "Record visits in the local store (overrides config)")
	serveCmd.Flags().Bool("watch-cookies", false, "Log changes to the cookies file (overrides config)")

	_ = viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("workers", serveCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("prometheus_enabled", serveCmd.Flags().Lookup("metrics"))
	_ = viper.BindPFlag("visit_store_enabled", serveCmd.Flags().Lookup("visits"))
	_ = viper.BindPFlag("watch_cookies", serveCmd.Flags().Lookup("watch-cookies"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, nil)
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Addr:              cfg.ListenAddr,
		ReadTimeout:       time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeoutSec) * time.Second,
		FormLinks:         cfg.MaxURLs,
		ErrorMessageLimit: cfg.ErrorMessageLimit,
	}
	if a.prom != nil {
		srvCfg.Metrics = a.prom.Handler()
	}
	srv := server.New(a.service, srvCfg)

	if cfg.WatchCookies {
		watcher := cookies.NewWatcher(cfg.CookiesPath, nil)
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				log.WithError(err).Warn("Cookie watcher stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":      cfg.ListenAddr,
			"downloads": cfg.DownloadsRoot,
			"marker":    cfg.BusyMarkerPath,
			"workers":   cfg.Workers,
		}).Info("Starting download service")
		errCh <- srv.Start()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		log.Info("Shutdown signal received, draining requests")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("HTTP server did not shut down cleanly")
	}
	// Pending workspace cleanups run now instead of after their delay.
	_ = a.Close(shutdownCtx)
	if err != nil {
		return err
	}
	log.Info("Download service stopped")
	return nil
}
