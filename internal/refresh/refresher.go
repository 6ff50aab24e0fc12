// Package refresh runs one maintenance pass: retention sweep, then acquisition
// of every source over every viewer's window.
package refresh

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsstand/internal/acquire"
	"github.com/JakeFAU/newsstand/internal/newsstand"
	"github.com/JakeFAU/newsstand/internal/retention"
	"github.com/JakeFAU/newsstand/internal/telemetry"
)

// Sweeper removes expired date partitions.
type Sweeper interface {
	Sweep(ctx context.Context, retentionDays int, now time.Time, windows ...[]newsstand.DateKey) retention.Report
}

// Acquirer fills the cache for a set of dates and sources.
type Acquirer interface {
	Acquire(ctx context.Context, dates []newsstand.DateKey, sources []newsstand.Source) acquire.Report
}

// Config controls the pass.
type Config struct {
	RetentionDays int
	WindowDays    int
	// LocalZone is the process zone included in the date set; nil means time.Local.
	LocalZone *time.Location
}

// PassReport summarises one pass.
type PassReport struct {
	Started  time.Time
	Finished time.Time
	Skipped  bool
	Dates    []newsstand.DateKey
	Sweep    retention.Report
	Acquire  acquire.Report
}

// Refresher runs refresh passes. Concurrent Run calls do not overlap; the
// later one is skipped.
type Refresher struct {
	sweeper  Sweeper
	acquirer Acquirer
	sources  newsstand.SourceCatalog
	viewers  newsstand.ViewerCatalog
	clock    newsstand.Clock
	cfg      Config
	logger   *zap.Logger

	running sync.Mutex
	mu      sync.RWMutex
	last    *PassReport
}

// New constructs a Refresher.
func New(
	sweeper Sweeper,
	acquirer Acquirer,
	sources newsstand.SourceCatalog,
	viewers newsstand.ViewerCatalog,
	clock newsstand.Clock,
	cfg Config,
	logger *zap.Logger,
) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 3
	}
	if cfg.LocalZone == nil {
		cfg.LocalZone = time.Local
	}
	return &Refresher{
		sweeper:  sweeper,
		acquirer: acquirer,
		sources:  sources,
		viewers:  viewers,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Dates returns the union of the candidate windows of EarliestZone, the local
// zone and every viewer zone at now, most recent first.
func (r *Refresher) Dates(now time.Time) []newsstand.DateKey {
	lists := [][]newsstand.DateKey{
		newsstand.RecentDays(now, newsstand.EarliestZone, r.cfg.WindowDays),
		newsstand.RecentDays(now, r.cfg.LocalZone, r.cfg.WindowDays),
	}
	if r.viewers != nil {
		for _, v := range r.viewers.Viewers() {
			lists = append(lists, newsstand.RecentDays(now, v.Zone(), r.cfg.WindowDays))
		}
	}
	return newsstand.UnionDays(lists...)
}

// Sweep applies retention without acquiring. Dates still inside any zone's
// candidate window are kept regardless of RetentionDays.
func (r *Refresher) Sweep(ctx context.Context) retention.Report {
	now := r.clock.Now()
	return r.sweeper.Sweep(ctx, r.cfg.RetentionDays, now, r.Dates(now))
}

// Run executes one pass.
func (r *Refresher) Run(ctx context.Context) PassReport {
	if !r.running.TryLock() {
		r.logger.Info("refresh pass already running, skipping")
		return PassReport{Skipped: true, Started: r.clock.Now()}
	}
	defer r.running.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "refresh.pass")
	defer span.End()

	wall := time.Now()
	now := r.clock.Now()
	report := PassReport{Started: now}

	report.Dates = r.Dates(now)
	report.Sweep = r.sweeper.Sweep(ctx, r.cfg.RetentionDays, now, report.Dates)

	sources := r.sources.Sources()
	span.SetAttributes(
		attribute.Int("refresh.dates", len(report.Dates)),
		attribute.Int("refresh.sources", len(sources)),
	)
	report.Acquire = r.acquirer.Acquire(ctx, report.Dates, sources)
	report.Finished = r.clock.Now()

	status := "ok"
	if ctx.Err() != nil {
		status = "canceled"
	} else if report.Acquire.Count(acquire.OutcomeTransportFailure)+report.Acquire.Count(acquire.OutcomeFailed) > 0 {
		status = "partial"
	}
	telemetry.ObservePass(status, time.Since(wall))
	r.logger.Info("refresh pass finished",
		zap.String("status", status),
		zap.Int("dates", len(report.Dates)),
		zap.Int("swept", len(report.Sweep.Deleted)),
		zap.Int("converted", report.Acquire.Count(acquire.OutcomeConverted)),
		zap.Duration("duration", time.Since(wall)),
	)

	r.mu.Lock()
	r.last = &report
	r.mu.Unlock()
	return report
}

// Last returns the most recent completed pass, if any.
func (r *Refresher) Last() (PassReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return PassReport{}, false
	}
	return *r.last, true
}
