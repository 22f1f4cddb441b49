// Package memory keeps the search index in process for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

// Writer stores documents in a map. Writes are staged until Commit, the
// way a refresh makes them visible in a real index.
type Writer struct {
	mu        sync.RWMutex
	staged    map[string]*crawler.IndexDocument
	committed map[string]crawler.IndexDocument
	commits   int
}

var _ crawler.IndexWriter = (*Writer)(nil)

// New returns an empty Writer.
func New() *Writer {
	return &Writer{
		staged:    make(map[string]*crawler.IndexDocument),
		committed: make(map[string]crawler.IndexDocument),
	}
}

// Index stages docs for the next Commit.
func (w *Writer) Index(_ context.Context, docs []crawler.IndexDocument) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range docs {
		if docs[i].ID == "" {
			return fmt.Errorf("document %s has no id", docs[i].URL)
		}
	}
	for _, doc := range docs {
		w.staged[doc.ID] = &doc
	}
	return nil
}

// Delete stages removals for the next Commit.
func (w *Writer) Delete(_ context.Context, ids []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range ids {
		w.staged[id] = nil
	}
	return nil
}

// Commit makes staged changes visible.
func (w *Writer) Commit(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, doc := range w.staged {
		if doc == nil {
			delete(w.committed, id)
			continue
		}
		w.committed[id] = *doc
	}
	clear(w.staged)
	w.commits++
	return nil
}

// Get returns a committed document.
func (w *Writer) Get(id string) (crawler.IndexDocument, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	doc, ok := w.committed[id]
	return doc, ok
}

// URLs lists the committed document URLs in sorted order.
func (w *Writer) URLs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.committed))
	for _, doc := range w.committed {
		out = append(out, doc.URL)
	}
	sort.Strings(out)
	return out
}

// Commits returns how many times Commit ran.
func (w *Writer) Commits() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.commits
}

// Staged returns the number of uncommitted changes.
func (w *Writer) Staged() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.staged)
}
