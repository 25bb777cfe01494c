// Package broadcaster turns a delivery request into an assignment by offering
// it to one candidate at a time until someone accepts.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/availability"
	"github.com/example/delivery-dispatch/internal/eta"
	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/expiry"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/storage"
)

// Starter creates the active delivery once a driver accepted.
type Starter interface {
	Start(ctx context.Context, req models.DeliveryRequest, driverID string) (models.ActiveDelivery, error)
}

type Config struct {
	Registry  availability.Registry
	Store     storage.Store
	Lifecycle Starter
	Expiry    *expiry.Manager
	Events    events.Publisher
	ETA       *eta.Estimator // optional
	Logger    *slog.Logger

	OfferWindow    time.Duration
	MaxAttempts    int
	RadiusM        float64
	CandidateLimit int
	NotifyAttempts int
	NotifyBackoff  time.Duration
}

// Outcome is the result of a successful dispatch.
type Outcome struct {
	RequestID        string                `json:"requestId"`
	DriverID         string                `json:"driverId"`
	DeliveryID       string                `json:"deliveryId"`
	Attempts         int                   `json:"attempts"`
	EstimatedArrival time.Time             `json:"estimatedArrival"`
	Delivery         models.ActiveDelivery `json:"-"`
}

// Snapshot is the dispatch view of one request.
type Snapshot struct {
	Request  models.DeliveryRequest `json:"request"`
	Offer    *models.Offer          `json:"offer,omitempty"`
	Attempts int                    `json:"attempts"`
}

type decisionKind int

const (
	decisionAccept decisionKind = iota
	decisionDecline
	decisionExpire
	decisionWithdraw
)

type decision struct {
	kind  decisionKind
	reply chan acceptResult // accept only
}

type acceptResult struct {
	delivery models.ActiveDelivery
	err      error
}

// inflight is a request currently being dispatched. Its mutable fields are
// guarded by Broadcaster.mu.
type inflight struct {
	req       models.DeliveryRequest
	offer     *models.Offer
	handle    *expiry.Handle
	attempts  int
	tried     map[string]struct{}
	cancelled bool
	decisions chan decision
	done      chan struct{}
	matched   bool
}

type Broadcaster struct {
	registry  availability.Registry
	store     storage.Store
	lifecycle Starter
	expiry    *expiry.Manager
	events    events.Publisher
	eta       *eta.Estimator
	logger    *slog.Logger

	window         time.Duration
	maxAttempts    int
	radiusM        float64
	limit          int
	notifyAttempts int
	notifyBackoff  time.Duration

	now func() time.Time

	mu      sync.Mutex
	byID    map[string]*inflight
	byOrder map[string]string
}

func New(cfg Config) *Broadcaster {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Expiry == nil {
		cfg.Expiry = expiry.NewManager()
	}
	if cfg.ETA == nil {
		cfg.ETA = &eta.Estimator{}
	}
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 10
	}
	if cfg.NotifyAttempts <= 0 {
		cfg.NotifyAttempts = 3
	}
	if cfg.NotifyBackoff <= 0 {
		cfg.NotifyBackoff = 100 * time.Millisecond
	}
	return &Broadcaster{
		registry:       cfg.Registry,
		store:          cfg.Store,
		lifecycle:      cfg.Lifecycle,
		expiry:         cfg.Expiry,
		events:         cfg.Events,
		eta:            cfg.ETA,
		logger:         cfg.Logger,
		window:         cfg.OfferWindow,
		maxAttempts:    cfg.MaxAttempts,
		radiusM:        cfg.RadiusM,
		limit:          cfg.CandidateLimit,
		notifyAttempts: cfg.NotifyAttempts,
		notifyBackoff:  cfg.NotifyBackoff,
		now:            time.Now,
		byID:           make(map[string]*inflight),
		byOrder:        make(map[string]string),
	}
}

// Dispatch offers req to the ranked candidates one at a time and blocks until
// a driver accepts, the candidates are exhausted, or the request is cancelled.
func (b *Broadcaster) Dispatch(ctx context.Context, req models.DeliveryRequest) (Outcome, error) {
	start := b.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = start
	}
	if req.DistanceM == 0 {
		req.DistanceM = geo.Distance(req.Pickup, req.Dropoff)
	}
	if req.Expired(start) {
		return Outcome{}, models.ErrRequestExpired
	}

	f := &inflight{
		req:       req,
		tried:     make(map[string]struct{}),
		decisions: make(chan decision, 1),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	if id, ok := b.byOrder[req.OrderID]; ok && req.OrderID != "" {
		b.mu.Unlock()
		return Outcome{}, fmt.Errorf("order %s already dispatching as %s: %w", req.OrderID, id, models.ErrConflict)
	}
	b.byID[req.ID] = f
	if req.OrderID != "" {
		b.byOrder[req.OrderID] = req.ID
	}
	f.req.Status = models.RequestDispatching
	b.mu.Unlock()

	out, err := b.dispatch(ctx, f)

	status := models.RequestMatched
	outcome := "matched"
	switch {
	case errors.Is(err, models.ErrRequestCancelled):
		status, outcome = models.RequestCancelled, "cancelled"
	case errors.Is(err, models.ErrNoDriversAvailable):
		status, outcome = models.RequestFailed, "no_drivers"
	case errors.Is(err, models.ErrAssignmentExhausted):
		status, outcome = models.RequestFailed, "exhausted"
	case err != nil:
		status, outcome = models.RequestFailed, "error"
	}
	if status != models.RequestMatched {
		b.persistStatus(ctx, req.ID, status)
	}

	b.mu.Lock()
	f.matched = err == nil
	delete(b.byID, req.ID)
	if b.byOrder[req.OrderID] == req.ID {
		delete(b.byOrder, req.OrderID)
	}
	b.mu.Unlock()
	close(f.done)

	observability.DispatchTotal.WithLabelValues(outcome).Inc()
	observability.DispatchLatency.Observe(b.now().Sub(start).Seconds())
	b.logger.Info("dispatch finished", "request_id", req.ID, "order_id", req.OrderID, "outcome", outcome,
		"attempts", out.Attempts, "driver_id", out.DriverID)
	return out, err
}

func (b *Broadcaster) dispatch(ctx context.Context, f *inflight) (Outcome, error) {
	req := f.req
	if err := b.store.SaveRequest(ctx, &req); err != nil {
		return Outcome{}, fmt.Errorf("save request: %w", err)
	}

	cands, err := b.registry.QueryCandidates(ctx, req.Pickup, availability.FilterFor(req, b.radiusM, b.limit))
	if err != nil {
		return Outcome{}, fmt.Errorf("query candidates: %w", err)
	}
	if len(cands) == 0 {
		return Outcome{}, models.ErrNoDriversAvailable
	}

	attempts := 0
	for _, c := range cands {
		if attempts >= b.maxAttempts {
			break
		}
		if b.isCancelled(f) {
			return Outcome{Attempts: attempts}, models.ErrRequestCancelled
		}
		if req.Expired(b.now()) {
			return Outcome{Attempts: attempts}, models.ErrRequestExpired
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempts}, err
		}

		// Claim the driver before offering so no other request can offer
		// to them at the same time.
		if err := b.registry.MarkBusy(ctx, c.ID); err != nil {
			if !errors.Is(err, models.ErrAlreadyBusy) {
				b.logger.Warn("candidate skipped", "request_id", req.ID, "driver_id", c.ID, "error", err)
			}
			continue
		}
		attempts++

		d, reply := b.offer(ctx, f, c, attempts)
		switch d {
		case decisionAccept:
			delivery, err := b.lifecycle.Start(context.WithoutCancel(ctx), req, c.ID)
			if err != nil {
				reply <- acceptResult{err: err}
				b.release(ctx, c.ID)
				return Outcome{Attempts: attempts}, fmt.Errorf("start delivery: %w", err)
			}
			// Start stored the request as matched along with the delivery
			reply <- acceptResult{delivery: delivery}
			return Outcome{
				RequestID:        req.ID,
				DriverID:         c.ID,
				DeliveryID:       delivery.ID,
				Attempts:         attempts,
				EstimatedArrival: b.eta.Arrival(ctx, c.Loc, req.Pickup, b.now()),
				Delivery:         delivery,
			}, nil
		case decisionWithdraw:
			b.release(ctx, c.ID)
			if err := ctx.Err(); err != nil && !b.isCancelled(f) {
				return Outcome{Attempts: attempts}, err
			}
			return Outcome{Attempts: attempts}, models.ErrRequestCancelled
		default:
			b.release(ctx, c.ID)
		}
	}
	if attempts == 0 {
		return Outcome{}, models.ErrNoDriversAvailable
	}
	return Outcome{Attempts: attempts}, models.ErrAssignmentExhausted
}

// offer sends one offer and waits for whichever of accept, decline, expiry or
// withdrawal wins the offer's timer.
func (b *Broadcaster) offer(ctx context.Context, f *inflight, c models.Driver, attempt int) (decisionKind, chan acceptResult) {
	now := b.now()
	o := models.Offer{
		ID:        uuid.NewString(),
		RequestID: f.req.ID,
		OrderID:   f.req.OrderID,
		DriverID:  c.ID,
		Pickup:    f.req.Pickup,
		Dropoff:   f.req.Dropoff,
		Fee:       f.req.Fee,
		Attempt:   attempt,
		CreatedAt: now,
		ExpiresAt: now.Add(b.window),
		Outcome:   models.OfferPending,
	}

	b.mu.Lock()
	if f.cancelled {
		b.mu.Unlock()
		return decisionWithdraw, nil
	}
	f.tried[c.ID] = struct{}{}
	f.attempts = attempt
	h := b.expiry.Arm(o.ID, b.window)
	o.ExpiresAt = h.Deadline()
	f.offer = &o
	f.handle = h
	b.mu.Unlock()
	observability.OffersActive.Inc()

	// lets Recover free the driver if this process dies mid-offer
	if err := b.store.SetRequestOffer(ctx, o.RequestID, c.ID); err != nil {
		b.logger.Warn("offer not persisted", "request_id", o.RequestID, "driver_id", c.ID, "error", err)
	}
	b.notify(ctx, o, c.ID)

	var d decision
	select {
	case d = <-f.decisions:
	case <-h.Expired():
		d = decision{kind: decisionExpire}
	case <-ctx.Done():
		if b.expiry.Cancel(h) {
			d = decision{kind: decisionWithdraw}
			break
		}
		// lost to a decision or the timer; one of them is about to land
		select {
		case d = <-f.decisions:
		case <-h.Expired():
			d = decision{kind: decisionExpire}
		}
	}

	outcome := models.OfferExpired
	switch d.kind {
	case decisionAccept:
		outcome = models.OfferAccepted
	case decisionDecline:
		outcome = models.OfferDeclined
	case decisionWithdraw:
		outcome = models.OfferWithdrawn
	}
	b.mu.Lock()
	o.Outcome = outcome
	f.offer = nil
	f.handle = nil
	b.mu.Unlock()
	if outcome != models.OfferAccepted {
		if err := b.store.SetRequestOffer(context.WithoutCancel(ctx), o.RequestID, ""); err != nil {
			b.logger.Warn("offer not cleared", "request_id", o.RequestID, "error", err)
		}
	}
	observability.OffersActive.Dec()
	observability.OffersTotal.WithLabelValues(string(outcome)).Inc()
	b.logger.Info("offer resolved", "request_id", f.req.ID, "offer_id", o.ID, "driver_id", c.ID,
		"attempt", attempt, "outcome", outcome)

	return d.kind, d.reply
}

func (b *Broadcaster) notify(ctx context.Context, o models.Offer, driverID string) {
	ev := events.Event{
		Type:       events.NewDeliveryOffer,
		OrderID:    o.OrderID,
		RequestID:  o.RequestID,
		DriverID:   driverID,
		Offer:      &o,
		Timestamp:  o.CreatedAt,
		Recipients: events.Recipients(driverID),
	}
	err := events.Retry(ctx, b.notifyAttempts, b.notifyBackoff, func() error {
		return b.events.Publish(ctx, ev)
	})
	if err != nil {
		// the offer still times out on its own
		observability.NotifyFailures.WithLabelValues("offer").Inc()
		b.logger.Warn("offer notification failed", "offer_id", o.ID, "driver_id", driverID, "error", err)
	}
}

func (b *Broadcaster) release(ctx context.Context, driverID string) {
	err := events.Retry(context.WithoutCancel(ctx), b.notifyAttempts, b.notifyBackoff, func() error {
		return b.registry.MarkFree(context.WithoutCancel(ctx), driverID)
	})
	if err != nil {
		b.logger.Error("driver not released", "driver_id", driverID, "error", err)
	}
}

func (b *Broadcaster) persistStatus(ctx context.Context, requestID string, status models.RequestStatus) {
	if err := b.store.UpdateRequestStatus(context.WithoutCancel(ctx), requestID, status); err != nil {
		b.logger.Error("request status not persisted", "request_id", requestID, "status", status, "error", err)
	}
}

func (b *Broadcaster) isCancelled(f *inflight) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return f.cancelled
}

// Decide records a driver's answer to the live offer of requestID. The first
// decision wins; a decision arriving after the offer expired returns
// ErrOfferExpired. Accepting returns the new active delivery.
func (b *Broadcaster) Decide(ctx context.Context, requestID, driverID string, accept bool) (models.ActiveDelivery, error) {
	b.mu.Lock()
	f, ok := b.byID[requestID]
	if !ok {
		b.mu.Unlock()
		r, err := b.store.GetRequest(ctx, requestID)
		if err != nil {
			return models.ActiveDelivery{}, err
		}
		if r.Status == models.RequestCancelled {
			return models.ActiveDelivery{}, models.ErrRequestCancelled
		}
		return models.ActiveDelivery{}, models.ErrOfferExpired
	}
	if f.offer == nil || f.offer.DriverID != driverID {
		_, tried := f.tried[driverID]
		b.mu.Unlock()
		if tried {
			return models.ActiveDelivery{}, models.ErrOfferExpired
		}
		return models.ActiveDelivery{}, models.ErrNotFound
	}
	h := f.handle
	b.mu.Unlock()

	if !b.expiry.Cancel(h) {
		if b.isCancelled(f) {
			return models.ActiveDelivery{}, models.ErrRequestCancelled
		}
		return models.ActiveDelivery{}, models.ErrOfferExpired
	}
	if !accept {
		f.decisions <- decision{kind: decisionDecline}
		return models.ActiveDelivery{}, nil
	}
	reply := make(chan acceptResult, 1)
	f.decisions <- decision{kind: decisionAccept, reply: reply}
	select {
	case r := <-reply:
		return r.delivery, r.err
	case <-ctx.Done():
		return models.ActiveDelivery{}, ctx.Err()
	}
}

// Cancel stops dispatching requestID before a driver accepted. It returns
// ErrConflict when a driver already accepted.
func (b *Broadcaster) Cancel(ctx context.Context, requestID string) error {
	b.mu.Lock()
	f, ok := b.byID[requestID]
	if !ok {
		b.mu.Unlock()
		r, err := b.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		switch r.Status {
		case models.RequestMatched:
			return models.ErrConflict
		case models.RequestCancelled, models.RequestFailed:
			return nil
		}
		return models.ErrNotFound
	}
	f.cancelled = true
	h := f.handle
	b.mu.Unlock()

	if h != nil && b.expiry.Cancel(h) {
		f.decisions <- decision{kind: decisionWithdraw}
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	matched := f.matched
	b.mu.Unlock()
	if matched {
		return models.ErrConflict
	}
	return nil
}

// CancelOrder cancels the request currently dispatching for orderID.
func (b *Broadcaster) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	id, ok := b.byOrder[orderID]
	b.mu.Unlock()
	if !ok {
		r, err := b.store.GetRequestByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		id = r.ID
	}
	return b.Cancel(ctx, id)
}

// OpenRequests lists the requests still being dispatched, oldest first.
func (b *Broadcaster) OpenRequests() []Snapshot {
	b.mu.Lock()
	out := make([]Snapshot, 0, len(b.byID))
	for _, f := range b.byID {
		out = append(out, f.snapshot())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Request.CreatedAt.Equal(out[j].Request.CreatedAt) {
			return out[i].Request.ID < out[j].Request.ID
		}
		return out[i].Request.CreatedAt.Before(out[j].Request.CreatedAt)
	})
	return out
}

// Status reports the dispatch state of requestID, falling back to the stored
// record once dispatch is over.
func (b *Broadcaster) Status(ctx context.Context, requestID string) (Snapshot, error) {
	b.mu.Lock()
	if f, ok := b.byID[requestID]; ok {
		s := f.snapshot()
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()
	r, err := b.store.GetRequest(ctx, requestID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Request: r}, nil
}

// StatusByOrder is Status keyed by order id.
func (b *Broadcaster) StatusByOrder(ctx context.Context, orderID string) (Snapshot, error) {
	b.mu.Lock()
	id, ok := b.byOrder[orderID]
	b.mu.Unlock()
	if ok {
		return b.Status(ctx, id)
	}
	r, err := b.store.GetRequestByOrder(ctx, orderID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Request: r}, nil
}

// Recover settles requests that a vanished process left in dispatching: each
// one fails and the driver holding its offer is freed. Requests younger than
// the longest possible dispatch are skipped, since a live replica may still
// be serving them. It returns how many requests it settled.
func (b *Broadcaster) Recover(ctx context.Context) (int, error) {
	stuck, err := b.store.ListRequestsByStatus(ctx, models.RequestDispatching)
	if err != nil {
		return 0, fmt.Errorf("list dispatching requests: %w", err)
	}
	horizon := b.now().Add(-b.maxDispatch())
	n := 0
	for _, r := range stuck {
		b.mu.Lock()
		_, live := b.byID[r.ID]
		b.mu.Unlock()
		if live || r.CreatedAt.After(horizon) {
			continue
		}
		if err := b.store.UpdateRequestStatus(ctx, r.ID, models.RequestFailed); err != nil {
			b.logger.Error("abandoned request not failed", "request_id", r.ID, "error", err)
			continue
		}
		if r.OfferedTo != "" {
			b.release(ctx, r.OfferedTo)
		}
		n++
		observability.DispatchTotal.WithLabelValues("abandoned").Inc()
		b.logger.Warn("abandoned dispatch settled", "request_id", r.ID, "order_id", r.OrderID, "driver_id", r.OfferedTo)
	}
	return n, nil
}

// RecoverEvery runs Recover immediately and then every interval until ctx
// is done.
func (b *Broadcaster) RecoverEvery(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := b.Recover(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("recovery pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// maxDispatch bounds one Dispatch call: every attempt spends at most its
// notification retries plus the offer window.
func (b *Broadcaster) maxDispatch() time.Duration {
	notify := b.notifyBackoff << uint(b.notifyAttempts)
	return time.Duration(b.maxAttempts)*(b.window+notify) + b.window
}

// snapshot must be called with Broadcaster.mu held.
func (f *inflight) snapshot() Snapshot {
	s := Snapshot{Request: f.req, Attempts: f.attempts}
	if f.offer != nil {
		o := *f.offer
		s.Offer = &o
	}
	return s
}
