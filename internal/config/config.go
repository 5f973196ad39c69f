package config

import (
	"fmt"

	"go-link-downloader/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Default values applied to any field left unset by the config file.
const (
	DefaultConfigPath        = "config.toml"
	DefaultDownloadsRoot     = "downloads"
	DefaultBusyMarkerName    = ".download_in_progress"
	DefaultCookiesPath       = "cookies.txt"
	DefaultDatabasePath      = "data/visits.db"
	DefaultIndexPath         = "data/visits.bleve"
	DefaultToolPath          = "yt-dlp"
	DefaultAudioFormat       = "m4a"
	DefaultBufferSize        = "64K"
	DefaultImpersonate       = "chrome"
	DefaultExtractTimeoutSec = 600
	DefaultProbeTimeoutSec   = 30
	DefaultMaxURLs           = 10
	DefaultMaxDurationSec    = 3 * 60 * 60
	DefaultMaxFileSizeMB     = 75
	DefaultMaxSessionSizeMB  = 500
	DefaultWorkers           = 4
	DefaultSettleDelayMs     = 2000
	DefaultCleanupDelaySec   = 10
	DefaultRecentWindowSec   = 300
	DefaultErrorMessageLimit = 200
	DefaultListenAddr        = ":5000"
	DefaultReadTimeoutSec    = 30
	// Writes cover a whole batch: probes plus every extraction attempt.
	DefaultWriteTimeoutSec = 45 * 60
	DefaultS3Prefix        = "visits"
)

// LoadConfig reads the TOML configuration at configFilePath and fills in
// defaults for anything left unset. On error the returned config still has
// defaults applied so callers can decide whether to continue.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = DefaultConfigPath
	}
	var cfg models.Config
	if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
		ApplyDefaults(&cfg)
		return cfg, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	if cfg.DownloadsRoot == "" {
		log.Warnf("DownloadsRoot is not set in %s, using %q", configFilePath, DefaultDownloadsRoot)
	}
	if cfg.MaxSessionSizeMB > 0 && cfg.MaxFileSizeMB > cfg.MaxSessionSizeMB {
		log.Warnf("MaxFileSizeMB (%.0f) is larger than MaxSessionSizeMB (%.0f)", cfg.MaxFileSizeMB, cfg.MaxSessionSizeMB)
	}
	ApplyDefaults(&cfg)

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults sets every zero-valued field to its default.
func ApplyDefaults(cfg *models.Config) {
	setString(&cfg.DownloadsRoot, DefaultDownloadsRoot)
	if cfg.BusyMarkerPath == "" {
		cfg.BusyMarkerPath = DefaultBusyMarkerName
	}
	setString(&cfg.CookiesPath, DefaultCookiesPath)
	setString(&cfg.DatabasePath, DefaultDatabasePath)
	setString(&cfg.IndexPath, DefaultIndexPath)
	setString(&cfg.ToolPath, DefaultToolPath)
	setString(&cfg.AudioFormat, DefaultAudioFormat)
	setString(&cfg.BufferSize, DefaultBufferSize)
	setString(&cfg.ImpersonateTarget, DefaultImpersonate)
	setString(&cfg.ListenAddr, DefaultListenAddr)
	setString(&cfg.S3Prefix, DefaultS3Prefix)

	setInt(&cfg.ExtractTimeoutSec, DefaultExtractTimeoutSec)
	setInt(&cfg.ProbeTimeoutSec, DefaultProbeTimeoutSec)
	setInt(&cfg.MaxURLs, DefaultMaxURLs)
	setInt(&cfg.MaxDurationSec, DefaultMaxDurationSec)
	setInt(&cfg.Workers, DefaultWorkers)
	setInt(&cfg.SettleDelayMs, DefaultSettleDelayMs)
	setInt(&cfg.CleanupDelaySec, DefaultCleanupDelaySec)
	setInt(&cfg.RecentActivityWindowSec, DefaultRecentWindowSec)
	setInt(&cfg.ErrorMessageLimit, DefaultErrorMessageLimit)
	setInt(&cfg.ReadTimeoutSec, DefaultReadTimeoutSec)
	setInt(&cfg.WriteTimeoutSec, DefaultWriteTimeoutSec)
	// Probing a full batch at once keeps pre-validation interactive.
	setInt(&cfg.ProbeConcurrency, cfg.MaxURLs)

	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = DefaultMaxFileSizeMB
	}
	if cfg.MaxSessionSizeMB <= 0 {
		cfg.MaxSessionSizeMB = DefaultMaxSessionSizeMB
	}
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func setInt(field *int, def int) {
	if *field <= 0 {
		*field = def
	}
}
