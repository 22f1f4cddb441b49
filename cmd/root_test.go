package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/config"
	"github.com/JakeFAU/webcrawl-indexer/internal/scheduler"
)

type fakeApp struct {
	sessions int
	manual   []string
	served   bool
	closed   bool
	runErr   error
}

func (f *fakeApp) RunSession(context.Context) (scheduler.Summary, error) {
	f.sessions++
	return scheduler.Summary{SessionID: uuid.New(), Workers: 2}, f.runErr
}

func (f *fakeApp) RunManual(_ context.Context, urls []string) (scheduler.Summary, error) {
	f.manual = append(f.manual, urls...)
	return scheduler.Summary{SessionID: uuid.New(), Workers: 1}, f.runErr
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

// useFakeApp swaps the application factory. Tests using it cannot run in parallel.
func useFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = orig })
	t.Setenv("CRAWLER_LOGGING_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCommandRunsSessionAndPrintsSummary(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)

	out, err := execute(t, "crawl")
	require.NoError(t, err)
	require.Equal(t, 1, app.sessions)
	require.True(t, app.closed)

	var summary scheduler.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, 2, summary.Workers)
}

func TestCrawlCommandWithURLs(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)

	_, err := execute(t, "crawl", "--url", "https://a.example/", "--url", "https://b.example/x")
	require.NoError(t, err)
	require.Zero(t, app.sessions)
	require.Equal(t, []string{"https://a.example/", "https://b.example/x"}, app.manual)
}

func TestCrawlCommandReportsSessionErrors(t *testing.T) {
	app := &fakeApp{runErr: errors.New("host a.example: boom")}
	useFakeApp(t, app)

	_, err := execute(t, "crawl")
	require.ErrorContains(t, err, "boom")
	require.True(t, app.closed)
}

func TestServeCommand(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, app.served)
	require.True(t, app.closed)
}

func TestBadConfigFails(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)
	t.Setenv("CRAWLER_INDEX_BACKEND", "solr")

	_, err := execute(t, "crawl")
	require.ErrorContains(t, err, "index.backend")
	require.Zero(t, app.sessions)
}
