package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd runs the HTTP API; sessions are started over HTTP.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API",
		Long: `Starts the HTTP API: health and readiness probes, Prometheus metrics,
and /v1/session routes to start, inspect and abort crawl sessions.`,
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			return app.Serve(cmd.Context())
		}),
	}
}
