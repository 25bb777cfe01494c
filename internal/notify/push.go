package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/delivery-dispatch/internal/events"
)

// PushDispatcher posts FCM HTTP v1 messages to a per-user topic. Location
// updates are not pushed; they are only useful on a live session.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
	// Connected, when set, skips recipients that already receive the event
	// over a live session.
	Connected func(userID string) bool
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Publish(ctx context.Context, ev events.Event) error {
	if ev.Type == events.LocationUpdate {
		return nil
	}
	data := map[string]string{
		"type":       string(ev.Type),
		"orderId":    ev.OrderID,
		"requestId":  ev.RequestID,
		"deliveryId": ev.DeliveryID,
		"status":     ev.Status,
		"timestamp":  ev.Timestamp.Format(time.RFC3339),
	}
	if ev.Offer != nil {
		data["offerId"] = ev.Offer.ID
		data["expiresAt"] = ev.Offer.ExpiresAt.Format(time.RFC3339)
	}
	for _, user := range ev.Recipients {
		if p.Connected != nil && p.Connected(user) {
			continue
		}
		body := map[string]interface{}{"message": map[string]interface{}{"topic": "user-" + user, "data": data}}
		if err := p.post(ctx, body); err != nil {
			return fmt.Errorf("push to %s: %w", user, err)
		}
	}
	return nil
}

func (p *PushDispatcher) post(ctx context.Context, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
