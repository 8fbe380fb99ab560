// README: Periodic coarse position publisher for the local device.
package realtime

import (
	"context"
	"log/slog"
	"time"

	"ridepulse/internal/modules/location"
	"ridepulse/internal/modules/tracking"
	"ridepulse/internal/types"
)

// Broadcaster reads the estimator's published snapshot and never touches
// ride recording state.
type Broadcaster struct {
	driverID types.ID
	pos      tracking.PositionReader
	bus      Bus
	grid     location.Grid
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
}

type BroadcasterOption func(*Broadcaster)

func WithInterval(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		if d > 0 {
			b.interval = d
		}
	}
}

func WithCoarseGrid(g location.Grid) BroadcasterOption { return func(b *Broadcaster) { b.grid = g } }

func WithBroadcasterClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) { b.now = now }
}

func WithBroadcasterLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		if l != nil {
			b.log = l
		}
	}
}

func NewBroadcaster(driverID types.ID, pos tracking.PositionReader, bus Bus, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		driverID: driverID,
		pos:      pos,
		bus:      bus,
		grid:     CoarseGrid,
		interval: DefaultPublishInterval,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// PublishOnce sends the current coarse position. It reports false when there
// is no estimate yet or the publish failed.
func (b *Broadcaster) PublishOnce(ctx context.Context) bool {
	est, ok := b.pos.Current()
	if !ok {
		return false
	}
	p := Coarsen(b.grid, b.driverID, est.Position, b.now())
	if err := b.bus.Publish(ctx, p); err != nil {
		b.log.Warn("publish realtime point", "driver_id", string(b.driverID), "error", err)
		return false
	}
	return true
}

func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.PublishOnce(ctx)
		}
	}
}
