// README: Redis GEO index of drivers currently on the realtime board.
package realtime

import (
	"context"

	"github.com/redis/go-redis/v9"

	"ridepulse/internal/types"
)

const DefaultGeoKey = "ridepulse:realtime:drivers"

// GeoIndex answers radius queries over the board's drivers.
type GeoIndex interface {
	Add(ctx context.Context, p CoarsePoint) error
	Remove(ctx context.Context, id types.ID) error
	Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error)
}

type RedisGeoIndex struct {
	redis *redis.Client
	key   string
}

func NewRedisGeoIndex(client *redis.Client, key string) *RedisGeoIndex {
	if key == "" {
		key = DefaultGeoKey
	}
	return &RedisGeoIndex{redis: client, key: key}
}

func (g *RedisGeoIndex) Add(ctx context.Context, p CoarsePoint) error {
	return g.redis.GeoAdd(ctx, g.key, &redis.GeoLocation{
		Name:      string(p.DriverID),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (g *RedisGeoIndex) Remove(ctx context.Context, id types.ID) error {
	return g.redis.ZRem(ctx, g.key, string(id)).Err()
}

// Nearby returns driver ids within radiusKm of p, closest first.
func (g *RedisGeoIndex) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := g.redis.GeoSearch(ctx, g.key, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}
