// Package rotation selects the next front page to show for a viewer.
package rotation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsstand/internal/newsstand"
	"github.com/JakeFAU/newsstand/internal/telemetry"
)

const (
	defaultWindowDays     = 3
	defaultDisplayMinutes = 60
)

// Config controls the selection window and fallback duration.
type Config struct {
	WindowDays            int
	DefaultDisplayMinutes int
}

// Selector answers "what should this viewer show next".
type Selector struct {
	store   newsstand.CacheStore
	sources newsstand.SourceCatalog
	picker  Picker
	clock   newsstand.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Selector.
func New(
	store newsstand.CacheStore,
	sources newsstand.SourceCatalog,
	picker Picker,
	clock newsstand.Clock,
	cfg Config,
	logger *zap.Logger,
) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if picker == nil {
		picker = NewRandomPicker(0)
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = defaultWindowDays
	}
	if cfg.DefaultDisplayMinutes <= 0 {
		cfg.DefaultDisplayMinutes = defaultDisplayMinutes
	}
	return &Selector{
		store:   store,
		sources: sources,
		picker:  picker,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// SelectNext walks the viewer's window from the most recent date and returns
// a Ready artifact from the first date that has one, avoiding previous when
// possible. A nil viewer, or one without resolvable subscriptions, accepts
// every catalog source. It returns newsstand.ErrNotFound when the window is empty.
func (s *Selector) SelectNext(ctx context.Context, viewer *newsstand.Viewer, previous string) (newsstand.Selection, error) {
	allowed := s.candidateSources(viewer)
	for _, date := range newsstand.RecentDays(s.clock.Now(), viewer.Zone(), s.cfg.WindowDays) {
		ids, err := s.readyIDs(ctx, date)
		if err != nil {
			telemetry.ObserveSelection("error")
			return newsstand.Selection{}, err
		}
		candidates := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, known := s.sources.Source(id); !known {
				s.logger.Warn("cached artifact has no catalog source",
					zap.Stringer("date", date), zap.String("source_id", id),
					zap.Error(newsstand.ErrCatalogMismatch))
				telemetry.ObserveCatalogAnomaly("source")
				continue
			}
			if allowed != nil {
				if _, ok := allowed[id]; !ok {
					continue
				}
			}
			candidates = append(candidates, id)
		}
		if len(candidates) == 0 {
			continue
		}

		id := s.picker.Pick(candidates, previous)
		src, _ := s.sources.Source(id)
		sel := newsstand.Selection{
			Source:         src,
			Date:           date,
			DisplayMinutes: s.displayMinutes(viewer, src),
		}
		sel.ImagePath = sel.Key().Path(newsstand.KindRaster)
		telemetry.ObserveSelection("hit")
		return sel, nil
	}
	telemetry.ObserveSelection("not_found")
	return newsstand.Selection{}, newsstand.ErrNotFound
}

// candidateSources returns the set of source ids the viewer subscribes to,
// or nil for the wildcard.
func (s *Selector) candidateSources(viewer *newsstand.Viewer) map[string]struct{} {
	if viewer == nil {
		return nil
	}
	var allowed map[string]struct{}
	for _, sub := range viewer.Subscriptions {
		if _, ok := s.sources.Source(sub.SourceID); !ok {
			continue
		}
		if allowed == nil {
			allowed = make(map[string]struct{}, len(viewer.Subscriptions))
		}
		allowed[sub.SourceID] = struct{}{}
	}
	return allowed
}

// readyIDs lists the sources on date that have both a document and a raster.
func (s *Selector) readyIDs(ctx context.Context, date newsstand.DateKey) ([]string, error) {
	rasters, err := s.store.List(ctx, date, newsstand.KindRaster)
	if err != nil {
		return nil, fmt.Errorf("list rasters for %s: %w", date, err)
	}
	if len(rasters) == 0 {
		return nil, nil
	}
	docs, err := s.store.List(ctx, date, newsstand.KindDocument)
	if err != nil {
		return nil, fmt.Errorf("list documents for %s: %w", date, err)
	}
	hasDoc := make(map[string]struct{}, len(docs))
	for _, id := range docs {
		hasDoc[id] = struct{}{}
	}
	ready := make([]string, 0, len(rasters))
	for _, id := range rasters {
		if _, ok := hasDoc[id]; ok {
			ready = append(ready, id)
		}
	}
	return ready, nil
}

func (s *Selector) displayMinutes(viewer *newsstand.Viewer, src newsstand.Source) int {
	if sub, ok := viewer.Subscription(src.ID); ok && sub.DisplayMinutes > 0 {
		return sub.DisplayMinutes
	}
	if src.DisplayMinutes > 0 {
		return src.DisplayMinutes
	}
	return s.cfg.DefaultDisplayMinutes
}
