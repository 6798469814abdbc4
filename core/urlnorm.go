package core

import (
	"net/url"
	"strings"
)

// normalizeURL reduces a URL to origin+path+query. The fragment is dropped
// and an empty path becomes "/".
func normalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" {
		if idx := strings.IndexByte(trimmed, '#'); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		return trimmed
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	path := u.EscapedPath()
	if path == "" && host != "" {
		path = "/"
	}
	out := scheme + "://" + host + path
	if scheme != "http" && scheme != "https" && host == "" {
		out = scheme + ":" + u.Opaque + path
	}
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

func hostMatches(host string, suffixes []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, suffix := range suffixes {
		if suffix == "" {
			continue
		}
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
