// Package pattern compiles the inclusion and exclusion lists that decide which
// URLs a crawl may touch.
//
// Three pattern forms are understood:
//
//	https://example.com/docs/*   glob over the full URL (gobwas/glob syntax)
//	regex:^https://[^/]+/a/\d+$  regular expression over the full URL
//	host:*.example.com           host match, exact or by domain suffix
//
// Globs are compiled without separators, so "*" also spans "/".
package pattern

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

const (
	regexPrefix = "regex:"
	hostPrefix  = "host:"
)

type matcher interface {
	match(u *url.URL, full string) bool
}

type globMatcher struct{ g glob.Glob }

func (m globMatcher) match(_ *url.URL, full string) bool { return m.g.Match(full) }

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) match(_ *url.URL, full string) bool { return m.re.MatchString(full) }

// Pattern is a single compiled entry.
type Pattern struct {
	raw string
	m   matcher
}

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// Compile parses one pattern.
func Compile(raw string) (Pattern, error) {
	value := strings.TrimSpace(raw)
	switch {
	case value == "":
		return Pattern{}, fmt.Errorf("empty pattern")
	case strings.HasPrefix(value, regexPrefix):
		re, err := regexp.Compile(strings.TrimPrefix(value, regexPrefix))
		if err != nil {
			return Pattern{}, fmt.Errorf("compile regex pattern %q: %w", raw, err)
		}
		return Pattern{raw: value, m: regexMatcher{re: re}}, nil
	case strings.HasPrefix(value, hostPrefix):
		hm := newHostMatcher(strings.TrimPrefix(value, hostPrefix))
		if hm == nil {
			return Pattern{}, fmt.Errorf("host pattern %q names no host", raw)
		}
		return Pattern{raw: value, m: hm}, nil
	default:
		g, err := glob.Compile(value)
		if err != nil {
			return Pattern{}, fmt.Errorf("compile glob pattern %q: %w", raw, err)
		}
		return Pattern{raw: value, m: globMatcher{g: g}}, nil
	}
}

// List is an ordered pattern list. The zero value matches nothing.
type List struct {
	patterns []Pattern
}

// CompileList compiles every entry, skipping blank lines and "#" comments.
func CompileList(raws []string) (*List, error) {
	l := &List{}
	for _, raw := range raws {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		p, err := Compile(trimmed)
		if err != nil {
			return nil, err
		}
		l.patterns = append(l.patterns, p)
	}
	return l, nil
}

// Len returns the number of compiled patterns.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.patterns)
}

// FirstMatch returns the first pattern, in list order, that matches u.
func (l *List) FirstMatch(u *url.URL) (Pattern, bool) {
	if l == nil || u == nil {
		return Pattern{}, false
	}
	full := u.String()
	for _, p := range l.patterns {
		if p.m.match(u, full) {
			return p, true
		}
	}
	return Pattern{}, false
}

// Match reports whether any pattern in list matches u. An empty list never matches.
func Match(list *List, u *url.URL) bool {
	_, ok := list.FirstMatch(u)
	return ok
}
