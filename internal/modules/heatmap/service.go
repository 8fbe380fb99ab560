// README: Heatmap aggregator builds a windowed per-tile density summary from stored pings.
package heatmap

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"ridepulse/internal/modules/location"
	"ridepulse/internal/types"
)

// PingReader is the read side of the ping store.
type PingReader interface {
	RecentPings(ctx context.Context, since time.Time, limit int) ([]location.Ping, error)
}

type Service struct {
	store    PingReader
	rowLimit int
	now      func() time.Time
	log      *slog.Logger
}

func NewService(store PingReader, rowLimit int, now func() time.Time, log *slog.Logger) *Service {
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, rowLimit: rowLimit, now: now, log: log}
}

// Snapshot scans pings newer than now-lookback. The scan is newest-first, so the
// first row seen for a (tile, driver) pair is that driver's representative position.
// A zero lookback selects DefaultLookbackSeconds.
func (s *Service) Snapshot(ctx context.Context, lookbackSeconds int) (Snapshot, error) {
	if lookbackSeconds == 0 {
		lookbackSeconds = DefaultLookbackSeconds
	}
	window := ClampLookback(lookbackSeconds)
	since := s.now().Add(-time.Duration(window) * time.Second)

	rows, err := s.store.RecentPings(ctx, since, s.rowLimit)
	if err != nil {
		return Snapshot{}, err
	}
	if len(rows) == s.rowLimit {
		s.log.Warn("heatmap scan hit row limit", "limit", s.rowLimit, "window_seconds", window)
	}

	type key struct {
		tile   string
		driver types.ID
	}
	seen := make(map[key]struct{}, len(rows))
	byTile := make(map[string][]types.Point)
	order := make([]string, 0)

	for _, r := range rows {
		if !finite(r.Lat) || !finite(r.Lng) {
			continue
		}
		k := key{tile: r.TileKey, driver: r.DriverID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := byTile[r.TileKey]; !ok {
			order = append(order, r.TileKey)
		}
		byTile[r.TileKey] = append(byTile[r.TileKey], types.Point{Lat: r.Lat, Lng: r.Lng})
	}

	tiles := make([]Tile, 0, len(order))
	for _, tk := range order {
		c, err := centroid(byTile[tk])
		if err != nil {
			continue
		}
		tiles = append(tiles, Tile{
			TileKey: tk,
			Lat:     c.Lat,
			Lng:     c.Lng,
			Drivers: len(byTile[tk]),
		})
	}
	return Snapshot{Tiles: tiles, WindowSeconds: window}, nil
}

func centroid(points []types.Point) (types.Point, error) {
	lats := make(stats.Float64Data, len(points))
	lngs := make(stats.Float64Data, len(points))
	for i, p := range points {
		lats[i] = p.Lat
		lngs[i] = p.Lng
	}
	lat, err := stats.Mean(lats)
	if err != nil {
		return types.Point{}, err
	}
	lng, err := stats.Mean(lngs)
	if err != nil {
		return types.Point{}, err
	}
	return types.Point{Lat: lat, Lng: lng}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
