// Package cmd defines and implements the CLI commands for the newsstand executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsstand/internal/config"
	"github.com/JakeFAU/newsstand/internal/newsstand"
	"github.com/JakeFAU/newsstand/internal/refresh"
	"github.com/JakeFAU/newsstand/internal/retention"
	"github.com/JakeFAU/newsstand/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context) error
	Refresh(ctx context.Context) refresh.PassReport
	Sweep(ctx context.Context) retention.Report
	Next(ctx context.Context, viewerID, previous string) (newsstand.Selection, error)
	Close(ctx context.Context)
	Logger() *zap.Logger
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "newsstand",
		Short: "Caches daily newspaper front pages and rotates them onto displays.",
		Long: `newsstand downloads each configured paper's front page every day,
renders it to an image sized for e-paper displays, and serves a rotation
of the most recent pages to each viewer.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus NEWSSTAND_* environment when empty)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newNextCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
