package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/delivery-dispatch/internal/models"
)

type MemoryStore struct {
	mu         sync.RWMutex
	requests   map[string]models.DeliveryRequest
	deliveries map[string]models.ActiveDelivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:   make(map[string]models.DeliveryRequest),
		deliveries: make(map[string]models.ActiveDelivery),
	}
}

func (m *MemoryStore) SaveRequest(_ context.Context, r *models.DeliveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRequestStatus(_ context.Context, id string, status models.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ErrNotFound
	}
	r.Status = status
	m.requests[id] = r
	return nil
}

func (m *MemoryStore) SetRequestOffer(_ context.Context, id, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ErrNotFound
	}
	r.OfferedTo = driverID
	m.requests[id] = r
	return nil
}

func (m *MemoryStore) ListRequestsByStatus(_ context.Context, status models.RequestStatus) ([]models.DeliveryRequest, error) {
	m.mu.RLock()
	out := make([]models.DeliveryRequest, 0)
	for _, r := range m.requests {
		if r.Status == status {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (models.DeliveryRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.DeliveryRequest{}, models.ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) GetRequestByOrder(_ context.Context, orderID string) (models.DeliveryRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  models.DeliveryRequest
		found bool
	)
	for _, r := range m.requests {
		if r.OrderID == orderID && (!found || r.CreatedAt.After(best.CreatedAt)) {
			best, found = r, true
		}
	}
	if !found {
		return models.DeliveryRequest{}, models.ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) SaveDelivery(_ context.Context, d *models.ActiveDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = d.Clone()
	if r, ok := m.requests[d.RequestID]; ok {
		r.Status = models.RequestMatched
		r.OfferedTo = ""
		m.requests[d.RequestID] = r
	}
	return nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, deliveryID string, from models.Status, e models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[deliveryID]
	if !ok {
		return models.ErrNotFound
	}
	if d.Status != from {
		return fmt.Errorf("delivery %s is %s, not %s: %w", deliveryID, d.Status, from, ErrStaleStatus)
	}
	d = d.Clone()
	d.History = append(d.History, e)
	d.Status = e.Status
	d.UpdatedAt = e.At
	m.deliveries[deliveryID] = d
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (models.ActiveDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return models.ActiveDelivery{}, models.ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListActiveDeliveries(_ context.Context) ([]models.ActiveDelivery, error) {
	m.mu.RLock()
	out := make([]models.ActiveDelivery, 0)
	for _, d := range m.deliveries {
		if !d.Status.Terminal() {
			out = append(out, d.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
