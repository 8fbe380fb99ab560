// README: Short-lived view of the latest coarse point per driver, fed from the bus.
package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"ridepulse/internal/modules/location"
	"ridepulse/internal/types"
)

// Board keeps what subscribers have heard recently. It is approximate and
// volatile; persisted pings remain the source of truth.
type Board struct {
	cache *ttlcache.Cache[types.ID, CoarsePoint]
	index GeoIndex
	log   *slog.Logger

	// putMu makes the newer-than check and the write one step per board.
	putMu sync.Mutex

	mu    sync.RWMutex
	hooks []func(CoarsePoint)
}

type BoardOption func(*Board)

func WithGeoIndex(idx GeoIndex) BoardOption { return func(b *Board) { b.index = idx } }

func WithBoardLogger(l *slog.Logger) BoardOption {
	return func(b *Board) {
		if l != nil {
			b.log = l
		}
	}
}

func NewBoard(ttl time.Duration, opts ...BoardOption) *Board {
	if ttl <= 0 {
		ttl = DefaultPointTTL
	}
	b := &Board{
		cache: ttlcache.New[types.ID, CoarsePoint](
			ttlcache.WithTTL[types.ID, CoarsePoint](ttl),
			ttlcache.WithDisableTouchOnHit[types.ID, CoarsePoint](),
		),
		log: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	b.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[types.ID, CoarsePoint]) {
		if b.index == nil || reason != ttlcache.EvictionReasonExpired {
			return
		}
		if err := b.index.Remove(ctx, item.Key()); err != nil {
			b.log.Warn("remove expired driver from geo index", "driver_id", string(item.Key()), "error", err)
		}
	})
	return b
}

// OnPoint registers fn to run after each accepted point.
func (b *Board) OnPoint(fn func(CoarsePoint)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Put records p unless a newer point for the same driver is already held.
// It is safe for concurrent writers.
func (b *Board) Put(ctx context.Context, p CoarsePoint) bool {
	if p.DriverID == "" || !location.ValidCoordinate(p.Lat, p.Lng) {
		return false
	}
	b.putMu.Lock()
	if cur := b.cache.Get(p.DriverID); cur != nil && !cur.IsExpired() && cur.Value().At.After(p.At) {
		b.putMu.Unlock()
		return false
	}
	b.cache.Set(p.DriverID, p, ttlcache.DefaultTTL)

	if b.index != nil {
		if err := b.index.Add(ctx, p); err != nil {
			b.log.Warn("index realtime point", "driver_id", string(p.DriverID), "error", err)
		}
	}
	b.putMu.Unlock()

	b.mu.RLock()
	hooks := b.hooks
	b.mu.RUnlock()
	for _, fn := range hooks {
		fn(p)
	}
	return true
}

// Points returns the live points ordered by driver id.
func (b *Board) Points() []CoarsePoint {
	items := b.cache.Items()
	out := make([]CoarsePoint, 0, len(items))
	for _, it := range items {
		if it.IsExpired() {
			continue
		}
		out = append(out, it.Value())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// Nearby returns live points within radiusKm of p, closest first.
func (b *Board) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]CoarsePoint, error) {
	if b.index != nil {
		ids, err := b.index.Nearby(ctx, p, radiusKm)
		if err != nil {
			return nil, err
		}
		out := make([]CoarsePoint, 0, len(ids))
		for _, id := range ids {
			if it := b.cache.Get(id); it != nil && !it.IsExpired() {
				out = append(out, it.Value())
			}
		}
		return out, nil
	}

	limit := radiusKm * 1000
	var out []CoarsePoint
	for _, cp := range b.Points() {
		if location.HaversineMeters(p, cp.Point()) <= limit {
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return location.HaversineMeters(p, out[i].Point()) < location.HaversineMeters(p, out[j].Point())
	})
	return out, nil
}

func (b *Board) Len() int {
	return len(b.Points())
}

// Run consumes bus into the board and evicts stale points until ctx ends.
func (b *Board) Run(ctx context.Context, bus Bus) error {
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.cache.Start()
	}()
	defer func() {
		b.cache.Stop()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-ch:
			if !ok {
				return nil
			}
			b.Put(ctx, p)
		}
	}
}
