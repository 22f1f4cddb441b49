package pattern

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

// Filter pairs an inclusion list with an exclusion list. It is immutable and
// safe for concurrent use.
type Filter struct {
	inclusion *List
	exclusion *List
}

// NewFilter compiles both lists.
func NewFilter(inclusion, exclusion []string) (*Filter, error) {
	inc, err := CompileList(inclusion)
	if err != nil {
		return nil, fmt.Errorf("inclusion list: %w", err)
	}
	exc, err := CompileList(exclusion)
	if err != nil {
		return nil, fmt.Errorf("exclusion list: %w", err)
	}
	return &Filter{inclusion: inc, exclusion: exc}, nil
}

// Load reads both lists from store and compiles them.
func Load(ctx context.Context, store crawler.PatternStore) (*Filter, error) {
	inclusion, exclusion, err := store.Patterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	return NewFilter(inclusion, exclusion)
}

// Included reports whether u matches the inclusion list.
func (f *Filter) Included(u *url.URL) bool { return Match(f.inclusion, u) }

// Excluded reports whether u matches the exclusion list.
func (f *Filter) Excluded(u *url.URL) bool { return Match(f.exclusion, u) }

// Sizes returns the number of inclusion and exclusion patterns.
func (f *Filter) Sizes() (inclusion, exclusion int) {
	return f.inclusion.Len(), f.exclusion.Len()
}

// Live is a URLFilter whose lists are reloaded from a store between sessions.
// Until the first Reload it matches nothing.
type Live struct {
	store   crawler.PatternStore
	current atomic.Pointer[Filter]
}

// NewLive returns a Live filter backed by store.
func NewLive(store crawler.PatternStore) *Live {
	l := &Live{store: store}
	l.current.Store(&Filter{})
	return l
}

// Reload replaces the active lists. On error the previous lists stay active.
func (l *Live) Reload(ctx context.Context) error {
	f, err := Load(ctx, l.store)
	if err != nil {
		return err
	}
	l.current.Store(f)
	return nil
}

// Included reports whether u matches the active inclusion list.
func (l *Live) Included(u *url.URL) bool { return l.current.Load().Included(u) }

// Excluded reports whether u matches the active exclusion list.
func (l *Live) Excluded(u *url.URL) bool { return l.current.Load().Excluded(u) }

// Sizes returns the sizes of the active lists.
func (l *Live) Sizes() (inclusion, exclusion int) { return l.current.Load().Sizes() }

// StaticStore serves pattern lists held in memory, typically from config.
type StaticStore struct {
	Inclusion []string
	Exclusion []string
}

// Patterns implements crawler.PatternStore.
func (s StaticStore) Patterns(context.Context) ([]string, []string, error) {
	return append([]string(nil), s.Inclusion...), append([]string(nil), s.Exclusion...), nil
}
