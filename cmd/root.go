// Package cmd defines the CLI commands for the webcrawl-indexer executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/config"
	"github.com/JakeFAU/webcrawl-indexer/internal/logging"
	"github.com/JakeFAU/webcrawl-indexer/internal/scheduler"
	"github.com/JakeFAU/webcrawl-indexer/internal/server"
)

// App is what the subcommands drive. Tests swap in a fake through newApp.
type App interface {
	RunSession(ctx context.Context) (scheduler.Summary, error)
	RunManual(ctx context.Context, rawURLs []string) (scheduler.Summary, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

type appKey struct{}

var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger, server.Options{})
}

// newRootCmd creates the root command. Config and the application are built
// before any subcommand runs.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "webcrawl-indexer",
		Short: "Polite per-host crawler that feeds a search index.",
		Long: `webcrawl-indexer crawls URLs grouped by host, one worker per host,
honoring robots.txt, politeness delays and inclusion/exclusion patterns, and
streams the results into the search index in batches.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, appInstance))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// withApp resolves the application built by the root command and closes it
// once fn returns.
func withApp(fn func(cmd *cobra.Command, app App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		appInstance, ok := cmd.Context().Value(appKey{}).(App)
		if !ok || appInstance == nil {
			return errors.New("application services not initialized")
		}
		defer func() {
			if cerr := appInstance.Close(context.WithoutCancel(cmd.Context())); cerr != nil && err == nil {
				err = fmt.Errorf("close application: %w", cerr)
			}
		}()
		return fn(cmd, appInstance, args)
	}
}

// Execute runs the CLI until it finishes or the process is signalled and
// returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
