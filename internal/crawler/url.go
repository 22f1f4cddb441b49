package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ParseURL validates rawURL as an absolute http(s) URL and strips its fragment.
func ParseURL(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, ErrNoURL
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, &URLError{Raw: rawURL, Err: err}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &URLError{Raw: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return nil, &URLError{Raw: rawURL, Err: errors.New("missing host")}
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}
