package models

import "time"

type (
	Config struct {
		// Paths
		DownloadsRoot  string `toml:"DownloadsRoot"`
		BusyMarkerPath string `toml:"BusyMarkerPath"`
		CookiesPath    string `toml:"CookiesPath"`
		DatabasePath   string `toml:"DatabasePath"`
		IndexPath      string `toml:"IndexPath"`

		// Extraction tool
		ToolPath          string `toml:"ToolPath"`
		AudioFormat       string `toml:"AudioFormat"`
		BufferSize        string `toml:"BufferSize"`
		ImpersonateTarget string `toml:"ImpersonateTarget"`
		ExtractTimeoutSec int    `toml:"ExtractTimeoutSec"`
		ProbeTimeoutSec   int    `toml:"ProbeTimeoutSec"`

		// Limits
		MaxURLs          int     `toml:"MaxURLs"`
		MaxDurationSec   int     `toml:"MaxDurationSec"`
		MaxFileSizeMB    float64 `toml:"MaxFileSizeMB"`
		MaxSessionSizeMB float64 `toml:"MaxSessionSizeMB"`

		// Concurrency and timing
		Workers                 int `toml:"Workers"`
		ProbeConcurrency        int `toml:"ProbeConcurrency"`
		SettleDelayMs           int `toml:"SettleDelayMs"`
		CleanupDelaySec         int `toml:"CleanupDelaySec"`
		RecentActivityWindowSec int `toml:"RecentActivityWindowSec"`
		ErrorMessageLimit       int `toml:"ErrorMessageLimit"`

		// HTTP server
		ListenAddr      string `toml:"ListenAddr"`
		ReadTimeoutSec  int    `toml:"ReadTimeoutSec"`
		WriteTimeoutSec int    `toml:"WriteTimeoutSec"`

		// Metrics sinks
		PrometheusEnabled bool   `toml:"PrometheusEnabled"`
		VisitStoreEnabled bool   `toml:"VisitStoreEnabled"`
		S3Bucket          string `toml:"S3Bucket"`
		S3Region          string `toml:"S3Region"`
		S3Prefix          string `toml:"S3Prefix"`

		// Other
		WatchCookies bool `toml:"WatchCookies"`
	}

	// VideoMetadata is what a metadata probe learned about a single URL.
	// Zero Duration or EstimatedSizeBytes means unknown.
	VideoMetadata struct {
		Duration           float64 `json:"duration"`
		EstimatedSizeBytes int64   `json:"estimatedSizeBytes"`
		Title              string  `json:"title"`
		ProbeSucceeded     bool    `json:"probeSucceeded"`
	}

	// Verdict is the validation result for one submitted URL.
	Verdict struct {
		URL      string        `json:"url"`
		Title    string        `json:"title"`
		Accepted bool          `json:"accepted"`
		Reason   string        `json:"reason,omitempty"`
		Code     RejectCode    `json:"code,omitempty"`
		Metadata VideoMetadata `json:"-"`
	}

	// DownloadOutcome is the result of running one accepted URL through the
	// extraction ladder and the post-download size gate.
	DownloadOutcome struct {
		URL          string `json:"url"`
		Title        string `json:"title"`
		Succeeded    bool   `json:"succeeded"`
		ErrorReason  string `json:"errorReason,omitempty"`
		ErrorKind    string `json:"errorKind,omitempty"`
		ProducedFile string `json:"producedFile,omitempty"`
		SizeBytes    int64  `json:"sizeBytes,omitempty"`
	}

	// ItemReport is the per-item shape returned to callers of the batch boundary.
	ItemReport struct {
		URL    string `json:"url"`
		Title  string `json:"title"`
		Reason string `json:"reason,omitempty"`
	}

	ClientInfo struct {
		IP        string `json:"ip"`
		UserAgent string `json:"userAgent"`
	}

	BatchRequest struct {
		URLs   []string   `json:"urls"`
		Client ClientInfo `json:"client"`
	}

	BatchResult struct {
		SessionID     string       `json:"session_id"`
		ArchivePath   string       `json:"-"`
		ArchiveSize   int64        `json:"archive_size"`
		ArchiveDigest string       `json:"archive_blake3"`
		Successful    []ItemReport `json:"successful"`
		Rejected      []ItemReport `json:"rejected"`
	}

	// StatusReport is the advisory busy/idle view consumed by restart tooling.
	StatusReport struct {
		Busy           bool     `json:"busy"`
		ActiveCount    int      `json:"active_downloads"`
		ActiveSessions []string `json:"active_sessions"`
		HasMarker      bool     `json:"has_lock_file"`
		RecentActivity bool     `json:"recent_activity"`
		SafeToRestart  bool     `json:"safe_to_restart"`
	}

	// VisitRecord is a session completion event handed to the metrics sinks.
	VisitRecord struct {
		SessionID     string    `json:"sessionId"`
		Timestamp     time.Time `json:"timestamp"`
		Date          string    `json:"date"`
		ClientIP      string    `json:"clientIp"`
		UserAgent     string    `json:"userAgent"`
		Links         []string  `json:"links"`
		Titles        []string  `json:"titles"`
		Submitted     int       `json:"submitted"`
		Rejected      int       `json:"rejected"`
		FilesProduced int       `json:"filesProduced"`
		ArchiveBytes  int64     `json:"archiveBytes"`
		Errors        []string  `json:"errors,omitempty"`
		ErrorKinds    []string  `json:"errorKinds,omitempty"`
		Success       bool      `json:"success"`
	}
)

// RejectCode identifies which budget check rejected a URL.
type RejectCode string

const (
	RejectDuration    RejectCode = "duration_exceeded"
	RejectFileSize    RejectCode = "file_size_exceeded"
	RejectSessionSize RejectCode = "session_size_exceeded"
)

// SessionState tracks a session through Active -> Finalizing -> Cleaned.
type SessionState int

const (
	SessionActive SessionState = iota
	SessionFinalizing
	SessionCleaned
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionFinalizing:
		return "finalizing"
	case SessionCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// Bytes helpers for the MB-denominated limits in Config.
func (c Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB * 1024 * 1024)
}

func (c Config) MaxSessionSizeBytes() int64 {
	return int64(c.MaxSessionSizeMB * 1024 * 1024)
}

func (c Config) ExtractTimeout() time.Duration {
	return time.Duration(c.ExtractTimeoutSec) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}

func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

func (c Config) CleanupDelay() time.Duration {
	return time.Duration(c.CleanupDelaySec) * time.Second
}

func (c Config) RecentActivityWindow() time.Duration {
	return time.Duration(c.RecentActivityWindowSec) * time.Second
}
