package extractor

import (
	"net/url"
	"strings"
)

// Strategy is one rung of the fallback ladder. Strategies run strictly in
// order, each as a fresh invocation, and only after the previous one failed.
type Strategy struct {
	Name string
	// PlayerClient selects the YouTube client identity; empty means the
	// tool's own default.
	PlayerClient string
	Impersonate  bool
	// DropFormat lets the tool pick the best available audio instead of
	// forcing the configured format.
	DropFormat bool
	// Applies decides, from the previous failure, whether this rung runs at
	// all. Nil means always.
	Applies func(prev *ExtractionError) bool
}

func (s Strategy) applies(prev *ExtractionError) bool {
	return s.Applies == nil || s.Applies(prev)
}

var formatUnavailablePatterns = []string{
	"format is not available",
	"requested format",
}

// FormatUnavailable reports whether the failure says the requested format
// does not exist for this video.
func FormatUnavailable(prev *ExtractionError) bool {
	if prev == nil {
		return false
	}
	stderr := strings.ToLower(prev.Stderr)
	for _, p := range formatUnavailablePatterns {
		if strings.Contains(stderr, p) {
			return true
		}
	}
	return false
}

// YouTubeLadder is the ladder used for YouTube hosts. The "default" client
// needs a JavaScript runtime on the host; "android" does not.
func YouTubeLadder() []Strategy {
	return []Strategy{
		{Name: "default", PlayerClient: "default"},
		{Name: "android", PlayerClient: "android"},
		{Name: "android-impersonate", PlayerClient: "android", Impersonate: true},
		{Name: "web", PlayerClient: "web"},
		{Name: "format-fallback", PlayerClient: "android", DropFormat: true, Applies: FormatUnavailable},
	}
}

// GenericLadder is used for every other host: client identities are a
// YouTube concept, so there is nothing to fall back to.
func GenericLadder() []Strategy {
	return []Strategy{{Name: "generic"}}
}

// LadderFor picks the ladder for a URL.
func LadderFor(rawURL string) []Strategy {
	if IsYouTube(rawURL) {
		return YouTubeLadder()
	}
	return GenericLadder()
}

// IsYouTube reports whether rawURL points at a YouTube host.
func IsYouTube(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	host = strings.TrimPrefix(host, "music.")
	return host == "youtube.com" || host == "youtu.be" || host == "youtube-nocookie.com"
}
