package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
)

func TestWriterStagesUntilCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := New()

	require.NoError(t, w.Index(ctx, []crawler.IndexDocument{
		{ID: "1", URL: "https://b.example/"},
		{ID: "2", URL: "https://a.example/"},
	}))
	assert.Empty(t, w.URLs())
	assert.Equal(t, 2, w.Staged())

	require.NoError(t, w.Commit(ctx))
	assert.Equal(t, []string{"https://a.example/", "https://b.example/"}, w.URLs())
	assert.Equal(t, 1, w.Commits())

	require.NoError(t, w.Delete(ctx, []string{"1", "missing"}))
	_, ok := w.Get("1")
	assert.True(t, ok, "delete is invisible before commit")
	require.NoError(t, w.Commit(ctx))
	_, ok = w.Get("1")
	assert.False(t, ok)
	assert.Equal(t, []string{"https://a.example/"}, w.URLs())
}

func TestWriterRejectsMissingID(t *testing.T) {
	t.Parallel()
	w := New()
	require.Error(t, w.Index(context.Background(), []crawler.IndexDocument{{URL: "https://x.example/"}}))
	assert.Zero(t, w.Staged())
}
