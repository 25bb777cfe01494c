// Package relay forwards the assigned driver's position to everyone watching
// a delivery, at a bounded rate.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// Subscription receives the newest location of one delivery. C holds at most
// one sample; a slow reader only ever sees the latest position. C is closed
// when the delivery ends or Close is called.
type Subscription struct {
	C          <-chan models.LocationSample
	ch         chan models.LocationSample
	deliveryID string
	r          *Relay
}

func (s *Subscription) Close() { s.r.unsubscribe(s) }

type channel struct {
	deliveryID string
	driverID   string
	watchers   []string
	pending    *models.LocationSample
	latest     *models.LocationSample
	subs       map[*Subscription]struct{}
	wake       chan struct{}
	done       chan struct{}
}

type Relay struct {
	minInterval time.Duration
	events      events.Publisher
	logger      *slog.Logger

	mu       sync.Mutex
	last     map[string]time.Time // driver id -> newest accepted capture time
	byDriver map[string]string    // driver id -> open delivery id
	channels map[string]*channel
	wg       sync.WaitGroup
}

func New(minInterval time.Duration, pub events.Publisher, logger *slog.Logger) *Relay {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if pub == nil {
		pub = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		minInterval: minInterval,
		events:      pub,
		logger:      logger,
		last:        make(map[string]time.Time),
		byDriver:    make(map[string]string),
		channels:    make(map[string]*channel),
	}
}

// Open starts relaying driverID's samples for deliveryID to its subscribers
// and, as location_update events, to watchers.
func (r *Relay) Open(deliveryID, driverID string, watchers ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[deliveryID]; ok {
		return
	}
	c := &channel{
		deliveryID: deliveryID,
		driverID:   driverID,
		watchers:   events.Recipients(watchers...),
		subs:       make(map[*Subscription]struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	r.channels[deliveryID] = c
	r.byDriver[driverID] = deliveryID
	r.wg.Add(1)
	go r.pump(c)
}

// Close tears down the delivery's subscriptions. Later samples from its
// driver are no longer forwarded.
func (r *Relay) Close(deliveryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(deliveryID)
}

func (r *Relay) closeLocked(deliveryID string) {
	c, ok := r.channels[deliveryID]
	if !ok {
		return
	}
	delete(r.channels, deliveryID)
	if r.byDriver[c.driverID] == deliveryID {
		delete(r.byDriver, c.driverID)
	}
	for s := range c.subs {
		close(s.ch)
	}
	c.subs = nil
	close(c.done)
}

// Stop closes every open delivery channel and waits for the publishers.
func (r *Relay) Stop() {
	r.mu.Lock()
	for id := range r.channels {
		r.closeLocked(id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Ingest accepts a sample only if it is newer than the last accepted one for
// the driver. Samples for drivers without an open delivery are accepted but
// not forwarded.
func (r *Relay) Ingest(driverID string, s models.LocationSample) bool {
	s.DriverID = driverID
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[driverID]; ok && !s.CapturedAt.After(last) {
		observability.RelayDropped.WithLabelValues("stale").Inc()
		return false
	}
	r.last[driverID] = s.CapturedAt

	c, ok := r.channels[r.byDriver[driverID]]
	if !ok {
		return true
	}
	if c.pending != nil {
		observability.RelayDropped.WithLabelValues("coalesced").Inc()
	}
	c.pending = &s
	c.latest = &s
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Subscribe watches one open delivery. The newest known position, if any, is
// delivered immediately.
func (r *Relay) Subscribe(deliveryID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[deliveryID]
	if !ok {
		return nil, models.ErrNotFound
	}
	ch := make(chan models.LocationSample, 1)
	s := &Subscription{C: ch, ch: ch, deliveryID: deliveryID, r: r}
	c.subs[s] = struct{}{}
	if c.latest != nil {
		ch <- *c.latest
	}
	return s, nil
}

func (r *Relay) Latest(deliveryID string) (models.LocationSample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[deliveryID]
	if !ok || c.latest == nil {
		return models.LocationSample{}, false
	}
	return *c.latest, true
}

func (r *Relay) unsubscribe(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[s.deliveryID]
	if !ok {
		return
	}
	if _, ok := c.subs[s]; ok {
		delete(c.subs, s)
		close(s.ch)
	}
}

// pump publishes at most one sample per minInterval, always the newest.
func (r *Relay) pump(c *channel) {
	defer r.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		r.mu.Lock()
		s := c.pending
		c.pending = nil
		if s != nil {
			for sub := range c.subs {
				offer(sub.ch, *s)
			}
		}
		r.mu.Unlock()

		if s != nil {
			observability.RelayPublished.Inc()
			loc := s.Loc
			ev := events.Event{
				Type:       events.LocationUpdate,
				DeliveryID: c.deliveryID,
				DriverID:   c.driverID,
				Location:   &loc,
				Timestamp:  s.CapturedAt,
				Recipients: c.watchers,
			}
			if err := r.events.Publish(context.Background(), ev); err != nil {
				r.logger.Debug("location update not published", "delivery_id", c.deliveryID, "error", err)
			}
		}

		t := time.NewTimer(r.minInterval)
		select {
		case <-c.done:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// offer replaces whatever sits in the one-slot mailbox with s. Callers hold
// Relay.mu, so there is never a competing writer.
func offer(ch chan models.LocationSample, s models.LocationSample) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
