// Package elasticsearch writes crawl documents to an Elasticsearch index.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	es "github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

// Config captures the connection parameters.
type Config struct {
	Addresses  []string
	Index      string
	Username   string
	Password   string
	MaxRetries int
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// Writer implements crawler.IndexWriter with the bulk API.
type Writer struct {
	client *es.Client
	index  string
	logger *zap.Logger
}

var _ crawler.IndexWriter = (*Writer)(nil)

// pageMapping is applied when EnsureIndex creates the index.
var pageMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"url":          map[string]any{"type": "keyword"},
			"host":         map[string]any{"type": "keyword"},
			"title":        map[string]any{"type": "text"},
			"description":  map[string]any{"type": "text"},
			"language":     map[string]any{"type": "keyword"},
			"content":      map[string]any{"type": "text"},
			"content_type": map[string]any{"type": "keyword"},
			"content_hash": map[string]any{"type": "keyword"},
			"blob_uri":     map[string]any{"type": "keyword"},
			"http_code":    map[string]any{"type": "integer"},
			"fetched_at":   map[string]any{"type": "date"},
		},
	},
}

// New builds the client. It does not contact the cluster; call EnsureIndex for that.
func New(cfg Config, logger *zap.Logger) (*Writer, error) {
	if strings.TrimSpace(cfg.Index) == "" {
		return nil, errors.New("index name is required")
	}
	addresses := make([]string, 0, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		addresses = append(addresses, normalizeURL(addr))
	}
	if len(addresses) == 0 {
		addresses = []string{normalizeURL("")}
	}
	client, err := es.NewClient(es.Config{
		Addresses:  addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		MaxRetries: cfg.MaxRetries,
		Transport:  cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{client: client, index: cfg.Index, logger: logger.Named("es_index")}, nil
}

func normalizeURL(addr string) string {
	if addr == "" {
		return "http://localhost:9200"
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		return "http://" + addr
	}
	return addr
}

// EnsureIndex creates the index with the page mapping when it is missing.
func (w *Writer) EnsureIndex(ctx context.Context) error {
	res, err := w.client.Indices.Exists([]string{w.index}, w.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	drain(res.Body)
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("check index: unexpected status %d", res.StatusCode)
	}

	body, err := json.Marshal(pageMapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	res, err = w.client.Indices.Create(w.index,
		w.client.Indices.Create.WithBody(bytes.NewReader(body)),
		w.client.Indices.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return fmt.Errorf("create index: %s", res.String())
	}
	w.logger.Info("index created", zap.String("index", w.index))
	return nil
}

type bulkAction struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

// Index upserts docs keyed by their ID.
func (w *Writer) Index(ctx context.Context, docs []crawler.IndexDocument) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document %s has no id", doc.URL)
		}
		if err := enc.Encode(map[string]bulkAction{"index": {Index: w.index, ID: doc.ID}}); err != nil {
			return fmt.Errorf("encode action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
	}
	return w.bulk(ctx, &buf)
}

// Delete removes documents by ID. Missing documents are not an error.
func (w *Writer) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range ids {
		if err := enc.Encode(map[string]bulkAction{"delete": {Index: w.index, ID: id}}); err != nil {
			return fmt.Errorf("encode action: %w", err)
		}
	}
	return w.bulk(ctx, &buf)
}

// Commit refreshes the index so the flushed documents become searchable.
func (w *Writer) Commit(ctx context.Context) error {
	res, err := w.client.Indices.Refresh(
		w.client.Indices.Refresh.WithIndex(w.index),
		w.client.Indices.Refresh.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("refresh index: %w", err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return fmt.Errorf("refresh index: %s", res.String())
	}
	return nil
}

type bulkResponse struct {
	Errors bool                         `json:"errors"`
	Items  []map[string]bulkItemOutcome `json:"items"`
}

type bulkItemOutcome struct {
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (w *Writer) bulk(ctx context.Context, body io.Reader) error {
	res, err := w.client.Bulk(body, w.client.Bulk.WithContext(ctx), w.client.Bulk.WithIndex(w.index))
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return fmt.Errorf("bulk request: %s", res.String())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil
	}
	var failed []string
	for _, item := range parsed.Items {
		for op, outcome := range item {
			if op == "delete" && outcome.Status == http.StatusNotFound {
				continue
			}
			if outcome.Status >= http.StatusMultipleChoices {
				failed = append(failed, fmt.Sprintf("%s %s: %d %s", op, outcome.ID, outcome.Status, outcome.Error))
			}
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("bulk request: %d item(s) failed: %s", len(failed), strings.Join(failed, "; "))
}

func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
