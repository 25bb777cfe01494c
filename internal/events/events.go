// Package events carries typed lifecycle, offer and location events from the
// engine to whichever transports are attached (WebSocket, push, Kafka).
package events

import (
	"context"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

type Type string

const (
	OrderUpdate      Type = "order_update"
	LocationUpdate   Type = "location_update"
	NewDeliveryOffer Type = "new_delivery_offer"
)

type Event struct {
	Type       Type          `json:"type"`
	OrderID    string        `json:"orderId,omitempty"`
	RequestID  string        `json:"requestId,omitempty"`
	DeliveryID string        `json:"deliveryId,omitempty"`
	DriverID   string        `json:"driverId,omitempty"`
	Status     string        `json:"status,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Location   *models.Coord `json:"location,omitempty"`
	Offer      *models.Offer `json:"offer,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	// Recipients are the user ids the event is addressed to.
	Recipients []string `json:"-"`
}

// Key is the partitioning key used by ordered transports.
func (e Event) Key() string {
	switch {
	case e.DeliveryID != "":
		return e.DeliveryID
	case e.RequestID != "":
		return e.RequestID
	default:
		return e.OrderID
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Recipients builds a recipient list skipping empty ids.
func Recipients(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
