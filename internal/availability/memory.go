package availability

import (
	"context"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// MemoryRegistry keeps drivers in process memory. All access goes through its
// methods; the map is never handed out.
type MemoryRegistry struct {
	mu            sync.Mutex
	drivers       map[string]*models.Driver
	ratingWeightM float64
	now           func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		drivers:       make(map[string]*models.Driver),
		ratingWeightM: DefaultRatingWeightM,
		now:           time.Now,
	}
}

func (g *MemoryRegistry) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.drivers[d.ID]; ok {
		// busy is owned by MarkBusy/MarkFree
		d.Busy = cur.Busy
	}
	d.Updated = g.now()
	g.drivers[d.ID] = &d
	g.reportOnlineLocked()
	return nil
}

func (g *MemoryRegistry) Get(_ context.Context, driverID string) (models.Driver, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.Driver{}, models.ErrNotFound
	}
	return *d, nil
}

func (g *MemoryRegistry) SetOnline(_ context.Context, driverID string, online bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.getOrCreateLocked(driverID)
	d.Online = online
	d.Updated = g.now()
	g.reportOnlineLocked()
	return nil
}

func (g *MemoryRegistry) SetLocation(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.getOrCreateLocked(driverID)
	d.Loc = loc
	d.Updated = g.now()
	return nil
}

func (g *MemoryRegistry) MarkBusy(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.ErrNotFound
	}
	if d.Busy {
		return models.ErrAlreadyBusy
	}
	d.Busy = true
	return nil
}

func (g *MemoryRegistry) MarkFree(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.drivers[driverID]; ok {
		d.Busy = false
	}
	return nil
}

func (g *MemoryRegistry) QueryCandidates(_ context.Context, pickup models.Coord, f Filter) ([]models.Driver, error) {
	g.mu.Lock()
	all := make([]models.Driver, 0, len(g.drivers))
	for _, d := range g.drivers {
		all = append(all, *d)
	}
	g.mu.Unlock()
	return rank(pickup, all, f, g.ratingWeightM), nil
}

func (g *MemoryRegistry) getOrCreateLocked(id string) *models.Driver {
	d, ok := g.drivers[id]
	if !ok {
		d = &models.Driver{ID: id}
		g.drivers[id] = d
	}
	return d
}

func (g *MemoryRegistry) reportOnlineLocked() {
	n := 0
	for _, d := range g.drivers {
		if d.Online && !d.Disabled {
			n++
		}
	}
	observability.DriversOnline.Set(float64(n))
}
