package storage

import (
	"context"
	"errors"

	"github.com/example/delivery-dispatch/internal/models"
)

// ErrStaleStatus is returned by AppendHistory when the stored delivery is no
// longer in the status the caller expected.
var ErrStaleStatus = errors.New("delivery status changed")

// Store persists delivery requests and deliveries with their status history.
// History is append-only.
type Store interface {
	SaveRequest(ctx context.Context, r *models.DeliveryRequest) error
	UpdateRequestStatus(ctx context.Context, id string, status models.RequestStatus) error
	// SetRequestOffer records which driver holds the live offer; "" clears it.
	SetRequestOffer(ctx context.Context, id, driverID string) error
	GetRequest(ctx context.Context, id string) (models.DeliveryRequest, error)
	// GetRequestByOrder returns the most recent request for an order.
	GetRequestByOrder(ctx context.Context, orderID string) (models.DeliveryRequest, error)
	ListRequestsByStatus(ctx context.Context, status models.RequestStatus) ([]models.DeliveryRequest, error)

	// SaveDelivery stores d and, in the same write, marks its request matched.
	SaveDelivery(ctx context.Context, d *models.ActiveDelivery) error
	// AppendHistory records e as the next history entry and moves the
	// delivery from status from to e.Status. It fails with ErrStaleStatus
	// if the delivery is no longer in from.
	AppendHistory(ctx context.Context, deliveryID string, from models.Status, e models.HistoryEntry) error
	GetDelivery(ctx context.Context, id string) (models.ActiveDelivery, error)
	// ListActiveDeliveries returns every delivery not yet DELIVERED or CANCELLED.
	ListActiveDeliveries(ctx context.Context) ([]models.ActiveDelivery, error)
}
