package availability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

// unboundedRadiusM stands in for "no radius" since GEORADIUS needs one.
const unboundedRadiusM = 20_000_000

// RedisRegistry implements Registry using Redis GEO commands for positions,
// a hash per driver for metadata and a SETNX key for the busy flag, so several
// API processes can share one registry.
type RedisRegistry struct {
	client        *redis.Client
	key           string
	ratingWeightM float64
	now           func() time.Time
}

func NewRedisRegistry(client *redis.Client, key string) *RedisRegistry {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisRegistry{client: client, key: key, ratingWeightM: DefaultRatingWeightM, now: time.Now}
}

func (r *RedisRegistry) Upsert(ctx context.Context, d models.Driver) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
		p.HSet(ctx, metaKey(d.ID), map[string]interface{}{
			"rating":   strconv.FormatFloat(d.Rating, 'f', -1, 64),
			"online":   strconv.FormatBool(d.Online),
			"vehicle":  string(d.Vehicle),
			"verified": strconv.FormatBool(d.Verified),
			"disabled": strconv.FormatBool(d.Disabled),
			"updated":  r.now().Format(time.RFC3339Nano),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, driverID string) (models.Driver, error) {
	var (
		pos  *redis.GeoPosCmd
		meta *redis.MapStringStringCmd
		busy *redis.IntCmd
	)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		pos = p.GeoPos(ctx, r.key, driverID)
		meta = p.HGetAll(ctx, metaKey(driverID))
		busy = p.Exists(ctx, busyKey(driverID))
		return nil
	})
	if err != nil {
		return models.Driver{}, fmt.Errorf("get driver %s: %w", driverID, err)
	}
	m := meta.Val()
	positions := pos.Val()
	hasPos := len(positions) > 0 && positions[0] != nil
	if len(m) == 0 && !hasPos {
		return models.Driver{}, models.ErrNotFound
	}
	d := driverFromMeta(driverID, m)
	if hasPos {
		d.Loc = models.Coord{Lat: positions[0].Latitude, Lon: positions[0].Longitude}
	}
	d.Busy = busy.Val() > 0
	return d, nil
}

func (r *RedisRegistry) SetOnline(ctx context.Context, driverID string, online bool) error {
	err := r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"online":  strconv.FormatBool(online),
		"updated": r.now().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("set online %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisRegistry) SetLocation(ctx context.Context, driverID string, loc models.Coord) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID})
		p.HSet(ctx, metaKey(driverID), "updated", r.now().Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return fmt.Errorf("set location %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisRegistry) MarkBusy(ctx context.Context, driverID string) error {
	ok, err := r.client.SetNX(ctx, busyKey(driverID), r.now().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return fmt.Errorf("mark busy %s: %w", driverID, err)
	}
	if !ok {
		return models.ErrAlreadyBusy
	}
	return nil
}

func (r *RedisRegistry) MarkFree(ctx context.Context, driverID string) error {
	if err := r.client.Del(ctx, busyKey(driverID)).Err(); err != nil {
		return fmt.Errorf("mark free %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisRegistry) QueryCandidates(ctx context.Context, pickup models.Coord, f Filter) ([]models.Driver, error) {
	radius := f.RadiusM
	if radius <= 0 {
		radius = unboundedRadiusM
	}
	q := &redis.GeoRadiusQuery{Radius: radius, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC"}
	if f.Limit > 0 {
		// over-fetch: busy and filtered drivers are dropped after the lookup
		q.Count = f.Limit * 4
	}
	res, err := r.client.GeoRadius(ctx, r.key, pickup.Lon, pickup.Lat, q).Result()
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	metas := make([]*redis.MapStringStringCmd, len(res))
	busy := make([]*redis.IntCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, g := range res {
			metas[i] = p.HGetAll(ctx, metaKey(g.Name))
			busy[i] = p.Exists(ctx, busyKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query candidates metadata: %w", err)
	}
	drivers := make([]models.Driver, 0, len(res))
	for i, g := range res {
		d := driverFromMeta(g.Name, metas[i].Val())
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		d.Busy = busy[i].Val() > 0
		drivers = append(drivers, d)
	}
	return rank(pickup, drivers, f, r.ratingWeightM), nil
}

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id, Vehicle: models.VehicleClass(m["vehicle"])}
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	d.Online = m["online"] == "true"
	d.Verified = m["verified"] == "true"
	d.Disabled = m["disabled"] == "true"
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.Updated = t
		}
	}
	return d
}

func metaKey(id string) string { return "driver:meta:" + id }
func busyKey(id string) string { return "driver:busy:" + id }
