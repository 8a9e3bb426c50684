package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-matching/internal/models"
)

// RedisTracker implements Tracker on Redis GEO commands, so several API
// instances can share one position index.
type RedisTracker struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisTracker(addr, password, key string) *RedisTracker {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisTracker{client: c, key: key, ctx: context.Background()}
}

func (r *RedisTracker) Upsert(offerID string, c models.Coord) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: c.Lon, Latitude: c.Lat, Name: offerID,
	}).Result()
	_ = r.client.HSet(r.ctx, metaKey(offerID), map[string]interface{}{
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisTracker) Remove(offerID string) {
	_ = r.client.ZRem(r.ctx, r.key, offerID).Err()
	_ = r.client.Del(r.ctx, metaKey(offerID)).Err()
}

func (r *RedisTracker) Nearby(lat, lon float64, limit int) []Result {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: 50000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]Result, 0, len(res))
	for _, g := range res {
		out = append(out, Result{
			OfferID: g.Name,
			Coord:   models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			Meters:  g.Dist,
		})
	}
	return out
}

func metaKey(id string) string { return "offer:meta:" + id }
