// Package availability tracks which drivers are online, where they are and
// whether they are occupied with a delivery.
package availability

import (
	"context"
	"sort"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
)

// DefaultRatingWeightM converts one missing rating star into meters of extra
// distance when ranking candidates (30s at 10m/s).
const DefaultRatingWeightM = 300.0

// Filter narrows QueryCandidates to drivers able to serve a request.
type Filter struct {
	Vehicle         models.VehicleClass
	RequireVerified bool
	RadiusM         float64 // 0 means unbounded
	Limit           int     // 0 means no limit
}

// FilterFor derives the candidate filter from a delivery request.
func FilterFor(req models.DeliveryRequest, radiusM float64, limit int) Filter {
	return Filter{
		Vehicle:         req.Vehicle,
		RequireVerified: req.RequiresVerifiedDriver,
		RadiusM:         radiusM,
		Limit:           limit,
	}
}

// Registry is the single writer of driver availability. MarkBusy is an atomic
// check-and-set and is the only way a driver becomes engaged.
type Registry interface {
	Upsert(ctx context.Context, d models.Driver) error
	Get(ctx context.Context, driverID string) (models.Driver, error)
	SetOnline(ctx context.Context, driverID string, online bool) error
	SetLocation(ctx context.Context, driverID string, loc models.Coord) error
	MarkBusy(ctx context.Context, driverID string) error
	MarkFree(ctx context.Context, driverID string) error
	QueryCandidates(ctx context.Context, pickup models.Coord, f Filter) ([]models.Driver, error)
}

func (f Filter) matches(d models.Driver) bool {
	if !d.Available() {
		return false
	}
	if f.Vehicle != models.VehicleAny && d.Vehicle != f.Vehicle {
		return false
	}
	if f.RequireVerified && !d.Verified {
		return false
	}
	return true
}

type scored struct {
	d     models.Driver
	dist  float64
	score float64
}

// rank filters and orders drivers by distance to pickup plus a rating penalty,
// ties broken by driver id.
func rank(pickup models.Coord, drivers []models.Driver, f Filter, ratingWeightM float64) []models.Driver {
	list := make([]scored, 0, len(drivers))
	for _, d := range drivers {
		if !f.matches(d) {
			continue
		}
		dist := geo.Distance(pickup, d.Loc)
		if f.RadiusM > 0 && dist > f.RadiusM {
			continue
		}
		list = append(list, scored{d: d, dist: dist, score: dist + ratingWeightM*(5.0-d.Rating)})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score < list[j].score
		}
		return list[i].d.ID < list[j].d.ID
	})
	n := len(list)
	if f.Limit > 0 && f.Limit < n {
		n = f.Limit
	}
	out := make([]models.Driver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, list[i].d)
	}
	return out
}
