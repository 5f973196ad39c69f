package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-link-downloader/internal/api"
	"go-link-downloader/internal/config"
	"go-link-downloader/internal/models"
)

// envPrefix namespaces environment overrides, e.g. LINKDL_DOWNLOADS_ROOT.
const envPrefix = "LINKDL"

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logHTTPFlag holds the value of the --log-http flag
var logHTTPFlag bool

var (
	logLevel  string
	logFormat string
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport is the transport used by commands that talk to a
// running server (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

var rootCmd = &cobra.Command{
	Use:   "link-downloader",
	Short: "Download audio from a batch of links into one archive",
	Long: `Link Downloader validates a batch of media links against duration and size
budgets, extracts audio for the accepted ones in parallel and bundles the
results into a single zip archive. Run "serve" to host the HTTP interface.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	defer func() {
		if loggingTransport, ok := globalHttpTransport.(*api.LoggingTransport); ok && loggingTransport != nil {
			log.Debug("Closing HTTP logging transport file.")
			if err := loggingTransport.Close(); err != nil {
				log.WithError(err).Error("Error closing HTTP log file")
			}
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigPath, "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&logHTTPFlag, "log-http", false, "Log client HTTP requests/responses to http.log")
	rootCmd.PersistentFlags().String("downloads-root", "", "Directory holding session workspaces (overrides config)")
	rootCmd.PersistentFlags().String("tool", "", "Path or name of the extraction tool (overrides config)")
	rootCmd.PersistentFlags().String("server", api.DefaultBaseURL, "Base URL of a running server (status, submit)")

	_ = viper.BindPFlag("downloads_root", rootCmd.PersistentFlags().Lookup("downloads-root"))
	_ = viper.BindPFlag("tool_path", rootCmd.PersistentFlags().Lookup("tool"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	cobra.OnInitialize(initLogging)
}

// initLogging configures logrus based on flags
func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(logFormat) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.Debugf("Logging configured: Level=%s, Format=%s", level.String(), logFormat)
}

// loadGlobalConfig loads .env, the TOML config and environment/flag
// overrides, in that order of increasing precedence.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("Failed to load .env file")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// Not fatal: defaults are applied and commands check what they need.
		log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
	}

	applyOverrides(&globalConfig)

	// A relative marker lives inside the downloads root.
	if !filepath.IsAbs(globalConfig.BusyMarkerPath) {
		globalConfig.BusyMarkerPath = filepath.Join(globalConfig.DownloadsRoot, globalConfig.BusyMarkerPath)
	}
	log.Debugf("Busy marker path: %s", globalConfig.BusyMarkerPath)

	globalHttpTransport = http.DefaultTransport
	if logHTTPFlag {
		logFilePath := "http.log"
		if info, statErr := os.Stat(globalConfig.DownloadsRoot); statErr == nil && info.IsDir() {
			logFilePath = filepath.Join(globalConfig.DownloadsRoot, logFilePath)
		}
		log.Infof("HTTP logging to file: %s", logFilePath)
		loggingTransport, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize HTTP logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}

// applyOverrides copies every key viper has a value for (a changed bound
// flag or a LINKDL_* variable) onto cfg.
func applyOverrides(cfg *models.Config) {
	stringKeys := map[string]*string{
		"downloads_root":     &cfg.DownloadsRoot,
		"busy_marker_path":   &cfg.BusyMarkerPath,
		"cookies_path":       &cfg.CookiesPath,
		"database_path":      &cfg.DatabasePath,
		"index_path":         &cfg.IndexPath,
		"tool_path":          &cfg.ToolPath,
		"audio_format":       &cfg.AudioFormat,
		"impersonate_target": &cfg.ImpersonateTarget,
		"listen_addr":        &cfg.ListenAddr,
		"s3_bucket":          &cfg.S3Bucket,
		"s3_region":          &cfg.S3Region,
		"s3_prefix":          &cfg.S3Prefix,
	}
	for key, field := range stringKeys {
		if viper.IsSet(key) {
			if v := viper.GetString(key); v != "" {
				*field = v
				log.Debugf("Overriding %s: %s", key, v)
			}
		}
	}

	intKeys := map[string]*int{
		"workers":             &cfg.Workers,
		"max_urls":            &cfg.MaxURLs,
		"max_duration_sec":    &cfg.MaxDurationSec,
		"extract_timeout_sec": &cfg.ExtractTimeoutSec,
		"probe_timeout_sec":   &cfg.ProbeTimeoutSec,
		"cleanup_delay_sec":   &cfg.CleanupDelaySec,
		"settle_delay_ms":     &cfg.SettleDelayMs,
	}
	for key, field := range intKeys {
		if viper.IsSet(key) {
			if v := viper.GetInt(key); v > 0 {
				*field = v
				log.Debugf("Overriding %s: %d", key, v)
			} else {
				log.Warnf("Ignoring invalid value for %s: %q", key, viper.GetString(key))
			}
		}
	}

	floatKeys := map[string]*float64{
		"max_file_size_mb":    &cfg.MaxFileSizeMB,
		"max_session_size_mb": &cfg.MaxSessionSizeMB,
	}
	for key, field := range floatKeys {
		if viper.IsSet(key) {
			if v := viper.GetFloat64(key); v > 0 {
				*field = v
				log.Debugf("Overriding %s: %.1f", key, v)
			}
		}
	}

	boolKeys := map[string]*bool{
		"prometheus_enabled":  &cfg.PrometheusEnabled,
		"visit_store_enabled": &cfg.VisitStoreEnabled,
		"watch_cookies":       &cfg.WatchCookies,
	}
	for key, field := range boolKeys {
		if viper.IsSet(key) {
			*field = viper.GetBool(key)
			log.Debugf("Overriding %s: %t", key, *field)
		}
	}
}

// newAPIClient returns a client for the server named by --server or
// LINKDL_SERVER. A zero timeout waits as long as the server takes.
func newAPIClient(timeout time.Duration) *api.Client {
	return api.NewClient(viper.GetString("server"), &http.Client{Transport: globalHttpTransport, Timeout: timeout})
}
