package parser

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

const samplePage = `<!doctype html>
<html lang="en">
<head>
  <title>  Sample
    Page </title>
  <meta name="Description" content="A short description">
  %s
  <style>body { color: red }</style>
</head>
<body>
  <h1>Heading</h1>
  <p>First   paragraph.</p>
  <script>var hidden = true;</script>
  <a href="/one">one</a> <a href="/two">two</a>
</body>
</html>`

func page(meta string) crawler.Page {
	return crawler.Page{
		ContentType: "text/html; charset=utf-8",
		Headers:     http.Header{},
		Body:        []byte(strings.Replace(samplePage, "%s", meta, 1)),
	}
}

func TestParseHTML(t *testing.T) {
	t.Parallel()

	doc, err := HTML{}.Parse(page(""))
	require.NoError(t, err)
	assert.Equal(t, "Sample Page", doc.Title)
	assert.Equal(t, "A short description", doc.Description)
	assert.Equal(t, "en", doc.Language)
	assert.Equal(t, 2, doc.Links)
	assert.Equal(t, "Heading First paragraph. one two", doc.Text)
	assert.False(t, doc.NoIndex)
}

func TestParseMetaRobots(t *testing.T) {
	t.Parallel()

	cases := []struct {
		meta     string
		noIndex  bool
		noFollow bool
	}{
		{`<meta name="robots" content="noindex">`, true, false},
		{`<meta name="ROBOTS" content="index, nofollow">`, false, true},
		{`<meta name="robots" content="none">`, true, true},
		{`<meta name="googlebot" content="noindex">`, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.meta, func(t *testing.T) {
			t.Parallel()
			doc, err := HTML{}.Parse(page(tc.meta))
			require.NoError(t, err)
			assert.Equal(t, tc.noIndex, doc.NoIndex)
			assert.Equal(t, tc.noFollow, doc.NoFollow)
		})
	}
}

func TestParseXRobotsTagHeader(t *testing.T) {
	t.Parallel()

	p := page("")
	p.Headers.Set("X-Robots-Tag", "noarchive, noindex")
	doc, err := HTML{}.Parse(p)
	require.NoError(t, err)
	assert.True(t, doc.NoIndex)
}

func TestParsePlainTextAndClip(t *testing.T) {
	t.Parallel()

	doc, err := HTML{MaxTextBytes: 5}.Parse(crawler.Page{
		ContentType: "text/plain",
		Body:        []byte("hello   wide world"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Text)
}

func TestParseRejectsBinary(t *testing.T) {
	t.Parallel()

	_, err := HTML{}.Parse(crawler.Page{ContentType: "image/png", Body: []byte{0x89, 'P', 'N', 'G'}})
	require.ErrorIs(t, err, ErrUnsupportedContentType)
}
