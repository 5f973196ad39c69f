package ytdlp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// InstallHint is shown to operators when the tool cannot be resolved.
const InstallHint = "yt-dlp not found. Please install it: pip install yt-dlp"

// fallbackLocations are checked when the configured tool is not on PATH,
// covering user-level pip installs that service managers often omit from PATH.
func fallbackLocations(name string) []string {
	locations := []string{
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/usr/bin", name),
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append([]string{filepath.Join(home, ".local", "bin", name)}, locations...)
	}
	return locations
}

// ResolveTool finds an executable for the configured tool name or path.
func ResolveTool(configured string) (string, error) {
	name := strings.TrimSpace(configured)
	if name == "" {
		name = "yt-dlp"
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		return "", fmt.Errorf("%w: %s", ErrToolMissing, name)
	}
	for _, candidate := range fallbackLocations(name) {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			log.Debugf("Resolved %s via fallback location %s", name, candidate)
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrToolMissing, name)
}

// Version asks the tool for its version string. Failures are returned so the
// caller can log them; they never block extraction.
func Version(ctx context.Context, runner Runner) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := runner.Run(ctx, []string{"--version"})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("--version exited with status %d: %s", res.ExitCode, res.Stderr)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// LogVersion logs the tool version and warns about distro-packaged installs,
// which tend to lag far behind upstream extractor fixes.
func LogVersion(ctx context.Context, runner Runner, path string) {
	version, err := Version(ctx, runner)
	if err != nil {
		log.WithError(err).Warnf("Could not determine version of %s", path)
		return
	}
	log.Infof("Using %s version %s", path, version)
	if strings.HasPrefix(path, "/usr/bin/") {
		log.Warnf("%s looks like a system package; consider pip install --upgrade yt-dlp", path)
	}
}
