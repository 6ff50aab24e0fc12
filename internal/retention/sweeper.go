// Package retention removes date partitions that fell out of the retention window.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsstand/internal/newsstand"
	"github.com/JakeFAU/newsstand/internal/telemetry"
)

// Report describes one sweep.
type Report struct {
	Kept    []newsstand.DateKey
	Deleted []newsstand.DateKey
	Failed  []newsstand.DateKey
}

// Sweeper deletes expired date partitions from a cache store.
type Sweeper struct {
	store  newsstand.CacheStore
	logger *zap.Logger
}

// New constructs a Sweeper.
func New(store newsstand.CacheStore, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, logger: logger}
}

// RetainedDates returns the retentionDays most recent dates computed in
// EarliestZone, so that no viewer's current date is ever swept.
func RetainedDates(now time.Time, retentionDays int) []newsstand.DateKey {
	return newsstand.RecentDays(now, newsstand.EarliestZone, retentionDays)
}

// Sweep keeps the retentionDays most recent dates plus every date in windows
// and removes the rest. A date inside any window is never swept.
// A non-positive retentionDays disables sweeping.
func (s *Sweeper) Sweep(ctx context.Context, retentionDays int, now time.Time, windows ...[]newsstand.DateKey) Report {
	if retentionDays <= 0 {
		s.logger.Debug("retention disabled")
		return Report{}
	}
	keep := append([][]newsstand.DateKey{RetainedDates(now, retentionDays)}, windows...)
	return s.SweepExcept(ctx, newsstand.UnionDays(keep...))
}

// SweepExcept removes every date partition not in keep. Failures are logged
// and reported, never returned.
func (s *Sweeper) SweepExcept(ctx context.Context, keep []newsstand.DateKey) Report {
	var report Report
	dates, err := s.store.Dates(ctx)
	if err != nil {
		s.logger.Error("failed to list date partitions", zap.Error(err))
		return report
	}

	retained := make(map[newsstand.DateKey]struct{}, len(keep))
	for _, d := range keep {
		retained[d] = struct{}{}
	}

	for _, date := range dates {
		if _, ok := retained[date]; ok {
			report.Kept = append(report.Kept, date)
			continue
		}
		if err := ctx.Err(); err != nil {
			s.logger.Warn("sweep interrupted", zap.Error(err))
			break
		}
		if err := s.store.DeleteDate(ctx, date); err != nil {
			s.logger.Error("failed to delete date partition", zap.Stringer("date", date), zap.Error(err))
			report.Failed = append(report.Failed, date)
			continue
		}
		s.logger.Info("deleted expired date partition", zap.Stringer("date", date))
		report.Deleted = append(report.Deleted, date)
	}
	telemetry.ObserveSweep(len(report.Deleted))
	return report
}
