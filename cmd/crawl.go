package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/scheduler"
)

// newCrawlCmd runs a single crawl session and prints its summary as JSON.
func newCrawlCmd() *cobra.Command {
	var urls []string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl session",
		Long: `Crawls every host list that is due (never-fetched URLs first, then URLs
older than db.refresh_after), commits the index and prints a summary.
With --url the given URLs are crawled instead, outside the URL budget.`,
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			run := app.RunSession
			if len(urls) > 0 {
				run = func(ctx context.Context) (scheduler.Summary, error) { return app.RunManual(ctx, urls) }
			}
			summary, runErr := run(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			if runErr != nil {
				return fmt.Errorf("crawl session: %w", runErr)
			}
			zap.L().Info("crawl command finished",
				zap.String("session_id", summary.SessionID.String()),
				zap.Bool("aborted", summary.Aborted))
			return nil
		}),
	}
	cmd.Flags().StringArrayVar(&urls, "url", nil, "crawl this URL instead of the stored lists (repeatable)")
	return cmd
}
