package validator

import (
	"net/url"
	"strings"
)

// NormalizeURL strips tracking and playlist parameters from known video-host
// URLs so that a watch link always names exactly one video. Anything it does
// not recognise is returned trimmed but otherwise untouched.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, "youtube.com") && u.Path == "/watch":
		v := u.Query().Get("v")
		if v == "" {
			return raw
		}
		u.RawQuery = url.Values{"v": []string{v}}.Encode()
		u.Fragment = ""
		return u.String()
	case host == "youtu.be" || host == "www.youtu.be":
		u.RawQuery = ""
		u.Fragment = ""
		return u.String()
	}
	return raw
}
