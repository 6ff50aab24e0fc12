package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsstand/internal/acquire"
	"github.com/JakeFAU/newsstand/internal/newsstand"
)

// newServeCmd runs the scheduler and the HTTP API until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled refresh passes and serve the rotation API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

// newRefreshCmd runs a single refresh pass and reports the outcome counts.
func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh pass (sweep, then fetch and convert missing pages)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context())

			report := appInstance.Refresh(cmd.Context())
			appInstance.Logger().Info("refresh command finished",
				zap.Int("dates", len(report.Dates)),
				zap.Int("swept", len(report.Sweep.Deleted)),
				zap.Int("converted", report.Acquire.Count(acquire.OutcomeConverted)),
				zap.Int("ready", report.Acquire.Count(acquire.OutcomeReady)),
				zap.Int("unavailable", report.Acquire.Count(acquire.OutcomeUnavailable)),
			)
			failed := report.Acquire.Count(acquire.OutcomeTransportFailure) +
				report.Acquire.Count(acquire.OutcomeCorrupt) +
				report.Acquire.Count(acquire.OutcomeFailed)
			if failed > 0 {
				return fmt.Errorf("refresh finished with %d failed artifacts", failed)
			}
			return nil
		},
	}
}

// newSweepCmd applies the retention policy once.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete date partitions older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context())

			report := appInstance.Sweep(cmd.Context())
			appInstance.Logger().Info("sweep command finished",
				zap.Int("kept", len(report.Kept)),
				zap.Int("deleted", len(report.Deleted)),
				zap.Int("failed", len(report.Failed)),
			)
			if len(report.Failed) > 0 {
				return fmt.Errorf("failed to delete %d date partitions", len(report.Failed))
			}
			return nil
		},
	}
}

// newNextCmd prints the next selection for a viewer as JSON.
func newNextCmd() *cobra.Command {
	var viewerID, previous string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the next front page a viewer would show",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context())

			sel, err := appInstance.Next(cmd.Context(), viewerID, previous)
			if errors.Is(err, newsstand.ErrNotFound) {
				return fmt.Errorf("no front page is ready for viewer %q", viewerID)
			}
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(sel, "", "  ")
			if err != nil {
				return fmt.Errorf("encode selection: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&viewerID, "viewer", "", "viewer id (empty means every source)")
	cmd.Flags().StringVar(&previous, "prev", "", "source id shown last, avoided when possible")
	return cmd
}
