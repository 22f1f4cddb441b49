// Package parser extracts the indexable parts of fetched pages.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

// ErrUnsupportedContentType is returned for bodies the parser cannot read.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// HTML parses text/html and text/plain pages.
type HTML struct {
	// MaxTextBytes caps the extracted text; zero means no cap.
	MaxTextBytes int
}

// Parse implements crawler.Parser.
func (h HTML) Parse(page crawler.Page) (crawler.Document, error) {
	mediaType := "text/html"
	if page.ContentType != "" {
		mt, _, err := mime.ParseMediaType(page.ContentType)
		if err != nil {
			return crawler.Document{}, fmt.Errorf("parse content type %q: %w", page.ContentType, err)
		}
		mediaType = mt
	}

	switch mediaType {
	case "text/plain":
		return crawler.Document{Text: h.clip(collapseSpace(string(page.Body)))}, nil
	case "text/html", "application/xhtml+xml":
	default:
		return crawler.Document{}, fmt.Errorf("%w: %s", ErrUnsupportedContentType, mediaType)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return crawler.Document{}, fmt.Errorf("parse html: %w", err)
	}

	out := crawler.Document{
		Title:       collapseSpace(doc.Find("title").First().Text()),
		Description: strings.TrimSpace(metaContent(doc, "description")),
		Language:    strings.TrimSpace(doc.Find("html").AttrOr("lang", "")),
		Links:       doc.Find("a[href]").Length(),
	}
	for _, directive := range robotsDirectives(doc) {
		switch directive {
		case "noindex":
			out.NoIndex = true
		case "nofollow":
			out.NoFollow = true
		case "none":
			out.NoIndex = true
			out.NoFollow = true
		}
	}
	if xrobots := page.Headers.Get("X-Robots-Tag"); xrobots != "" {
		for _, directive := range splitDirectives(xrobots) {
			if directive == "noindex" || directive == "none" {
				out.NoIndex = true
			}
		}
	}

	doc.Find("script, style, noscript, template").Remove()
	out.Text = h.clip(collapseSpace(doc.Find("body").Text()))
	return out, nil
}

func (h HTML) clip(text string) string {
	if h.MaxTextBytes <= 0 || len(text) <= h.MaxTextBytes {
		return text
	}
	cut := h.MaxTextBytes
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func metaContent(doc *goquery.Document, name string) string {
	var content string
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.EqualFold(s.AttrOr("name", ""), name) {
			content = s.AttrOr("content", "")
			return false
		}
		return true
	})
	return content
}

func robotsDirectives(doc *goquery.Document) []string {
	var out []string
	doc.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		if strings.EqualFold(s.AttrOr("name", ""), "robots") {
			out = append(out, splitDirectives(s.AttrOr("content", ""))...)
		}
	})
	return out
}

func splitDirectives(raw string) []string {
	parts := strings.Split(strings.ToLower(raw), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
