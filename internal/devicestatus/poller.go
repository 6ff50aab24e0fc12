package devicestatus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsstand/internal/newsstand"
	"github.com/JakeFAU/newsstand/internal/telemetry"
)

// Lister returns the current device listing.
type Lister interface {
	Devices(ctx context.Context) ([]Device, error)
}

// Status is the last known state of a viewer's device.
type Status struct {
	Device    Device    `json:"device"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Poller keeps the latest status per viewer id.
type Poller struct {
	lister  Lister
	viewers newsstand.ViewerCatalog
	clock   newsstand.Clock
	logger  *zap.Logger

	mu       sync.RWMutex
	statuses map[string]Status
}

// NewPoller constructs a Poller.
func NewPoller(lister Lister, viewers newsstand.ViewerCatalog, clock newsstand.Clock, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		lister:   lister,
		viewers:  viewers,
		clock:    clock,
		logger:   logger,
		statuses: make(map[string]Status),
	}
}

// Refresh fetches the device listing and records each known device's status.
// Devices without a matching viewer are logged and ignored.
func (p *Poller) Refresh(ctx context.Context) error {
	devices, err := p.lister.Devices(ctx)
	if err != nil {
		telemetry.ObserveDevicePoll("error")
		p.logger.Error("device status poll failed", zap.Error(err))
		return fmt.Errorf("poll devices: %w", err)
	}
	now := p.clock.Now()
	updated := 0

	p.mu.Lock()
	for _, d := range devices {
		if _, ok := p.viewers.Viewer(d.UUID); !ok {
			p.logger.Error("device reported by api is not a known viewer",
				zap.String("uuid", d.UUID), zap.String("name", d.Name),
				zap.Error(newsstand.ErrCatalogMismatch))
			telemetry.ObserveCatalogAnomaly("device")
			continue
		}
		p.statuses[d.UUID] = Status{Device: d, UpdatedAt: now}
		updated++
	}
	p.mu.Unlock()

	telemetry.ObserveDevicePoll("ok")
	p.logger.Info("device status updated", zap.Int("devices", len(devices)), zap.Int("updated", updated))
	return nil
}

// Status returns the last recorded status for a viewer.
func (p *Poller) Status(viewerID string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.statuses[viewerID]
	return s, ok
}
