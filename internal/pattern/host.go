package pattern

import (
	"net/url"
	"strings"
)

// hostMatcher stores an exact host or a suffix wildcard.
type hostMatcher struct {
	exact  string
	suffix string
}

func newHostMatcher(raw string) *hostMatcher {
	value := strings.TrimSpace(strings.ToLower(raw))
	switch {
	case strings.HasPrefix(value, "*."):
		value = strings.TrimPrefix(value, "*.")
		if value == "" {
			return nil
		}
		return &hostMatcher{suffix: value}
	case strings.HasPrefix(value, "."):
		value = strings.TrimPrefix(value, ".")
		if value == "" {
			return nil
		}
		return &hostMatcher{suffix: value}
	case value == "":
		return nil
	default:
		return &hostMatcher{exact: value}
	}
}

func (h *hostMatcher) match(u *url.URL, _ string) bool {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if h.exact != "" {
		return host == h.exact
	}
	return host == h.suffix || strings.HasSuffix(host, "."+h.suffix)
}
