// Package lifecycle owns the canonical status of every active delivery. Each
// delivery is served by its own goroutine so that status changes for one
// delivery are applied strictly one at a time. The store is the source of
// truth: a delivery without a goroutine in this process (after a restart, or
// started by another replica) is picked up from the store on first use.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/payments"
	"github.com/example/delivery-dispatch/internal/storage"
)

// ProofPolicy decides which transitions need a proof artifact.
type ProofPolicy struct {
	// FeeThreshold marks deliveries with Fee >= FeeThreshold as high value.
	// Zero disables the rule.
	FeeThreshold float64
}

// Requires reports whether moving req's delivery to status needs proof.
func (p ProofPolicy) Requires(req models.DeliveryRequest, to models.Status) bool {
	if to != models.StatusPickedUp && to != models.StatusDelivered {
		return false
	}
	return req.RequiresProof || (p.FeeThreshold > 0 && req.Fee >= p.FeeThreshold)
}

// Drivers is the availability registry as seen from the state machine.
type Drivers interface {
	MarkBusy(ctx context.Context, driverID string) error
	MarkFree(ctx context.Context, driverID string) error
}

// Tracker is the location relay as seen from the state machine.
type Tracker interface {
	Open(deliveryID, driverID string, watchers ...string)
	Close(deliveryID string)
	Latest(deliveryID string) (models.LocationSample, bool)
}

type TransitionInput struct {
	Proof    string
	Location *models.Coord
	Actor    string
	Reason   string
}

type Config struct {
	Store    storage.Store
	Drivers  Drivers
	Tracker  Tracker
	Events   events.Publisher
	Settler  payments.Settler // optional
	Proof    ProofPolicy
	Logger   *slog.Logger
	Attempts int           // retries for release/settle side effects
	Backoff  time.Duration // initial retry backoff
}

type Machine struct {
	store    storage.Store
	drivers  Drivers
	tracker  Tracker
	events   events.Publisher
	settler  payments.Settler
	proof    ProofPolicy
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
	now      func() time.Time

	mu     sync.Mutex
	actors map[string]*actor
	stop   chan struct{}
	wg     sync.WaitGroup
}

type command struct {
	ctx   context.Context
	query bool
	to    models.Status
	in    TransitionInput
	reply chan result
}

type result struct {
	d   models.ActiveDelivery
	err error
}

type actor struct {
	reqs chan command
	done chan struct{}
}

func New(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &Machine{
		store:    cfg.Store,
		drivers:  cfg.Drivers,
		tracker:  cfg.Tracker,
		events:   cfg.Events,
		settler:  cfg.Settler,
		proof:    cfg.Proof,
		logger:   cfg.Logger,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		now:      time.Now,
		actors:   make(map[string]*actor),
		stop:     make(chan struct{}),
	}
}

// Start creates the active delivery for an accepted offer in ACCEPTED status
// and starts its goroutine.
func (m *Machine) Start(ctx context.Context, req models.DeliveryRequest, driverID string) (models.ActiveDelivery, error) {
	if m.stopped() {
		return models.ActiveDelivery{}, ErrStopped
	}
	now := m.now().UTC()
	d := models.ActiveDelivery{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		OrderID:   req.OrderID,
		DriverID:  driverID,
		Status:    models.StatusAccepted,
		History:   []models.HistoryEntry{{Status: models.StatusAccepted, At: now, Actor: driverID}},
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveDelivery(ctx, &d); err != nil {
		return models.ActiveDelivery{}, fmt.Errorf("start delivery: %w", err)
	}
	if _, _, err := m.serve(d); err != nil {
		return models.ActiveDelivery{}, err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusAccepted), "ok").Inc()
	m.publish(ctx, d, "")
	return d, nil
}

// Resume serves every delivery the store still lists as active and claims
// its driver again. It returns how many deliveries it picked up.
func (m *Machine) Resume(ctx context.Context) (int, error) {
	ds, err := m.store.ListActiveDeliveries(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume deliveries: %w", err)
	}
	n := 0
	for _, d := range ds {
		if d.Status.Terminal() {
			continue
		}
		_, started, err := m.serve(d)
		if err != nil {
			return n, err
		}
		if !started {
			continue
		}
		n++
		if m.drivers != nil {
			if err := m.drivers.MarkBusy(ctx, d.DriverID); err != nil && !errors.Is(err, models.ErrAlreadyBusy) {
				m.logger.Warn("driver not re-claimed", "delivery_id", d.ID, "driver_id", d.DriverID, "error", err)
			}
		}
		m.logger.Info("delivery resumed", "delivery_id", d.ID, "status", d.Status, "driver_id", d.DriverID)
	}
	return n, nil
}

// serve registers d and starts its goroutine unless one is already running.
func (m *Machine) serve(d models.ActiveDelivery) (*actor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stop:
		return nil, false, ErrStopped
	default:
	}
	if a, ok := m.actors[d.ID]; ok {
		return a, false, nil
	}
	a := &actor{reqs: make(chan command), done: make(chan struct{})}
	m.actors[d.ID] = a
	if m.tracker != nil {
		m.tracker.Open(d.ID, d.DriverID, d.Request.CustomerID, d.Request.MerchantID)
	}
	observability.DeliveriesActive.Inc()
	m.wg.Add(1)
	go m.run(a, d.Clone())
	return a, true, nil
}

// adopt serves a delivery that is active in the store but has no goroutine
// in this process.
func (m *Machine) adopt(ctx context.Context, deliveryID string) (*actor, error) {
	d, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, errSettled
	}
	a, _, err := m.serve(d)
	return a, err
}

func (m *Machine) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// Transition moves a delivery to status to. Concurrent calls for the same
// delivery are applied one at a time; the loser of a race for the same
// status gets ErrConflict.
func (m *Machine) Transition(ctx context.Context, deliveryID string, to models.Status, in TransitionInput) (models.ActiveDelivery, error) {
	r, err := m.send(ctx, deliveryID, command{to: to, in: in})
	if err != nil {
		return models.ActiveDelivery{}, err
	}
	return r.d, r.err
}

// Cancel moves a non-terminal delivery to CANCELLED.
func (m *Machine) Cancel(ctx context.Context, deliveryID, actor, reason string) (models.ActiveDelivery, error) {
	return m.Transition(ctx, deliveryID, models.StatusCancelled, TransitionInput{Actor: actor, Reason: reason})
}

// Get returns the current view of a delivery, live or archived.
func (m *Machine) Get(ctx context.Context, deliveryID string) (models.ActiveDelivery, error) {
	r, err := m.send(ctx, deliveryID, command{query: true})
	if errors.Is(err, errSettled) {
		return m.store.GetDelivery(ctx, deliveryID)
	}
	if err != nil {
		return models.ActiveDelivery{}, err
	}
	d := r.d
	if m.tracker != nil {
		if s, ok := m.tracker.Latest(deliveryID); ok {
			d.LastLoc = &s
		}
	}
	return d, nil
}

// Active lists the deliveries this process is serving.
func (m *Machine) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	return ids
}

// Stop ends every delivery goroutine without touching delivery state.
func (m *Machine) Stop() {
	m.mu.Lock()
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

var (
	ErrStopped = errors.New("state machine stopped")
	errSettled = errors.New("delivery not active")
)

func (m *Machine) send(ctx context.Context, deliveryID string, cmd command) (result, error) {
	m.mu.Lock()
	a, ok := m.actors[deliveryID]
	m.mu.Unlock()

	cmd.ctx = ctx
	cmd.reply = make(chan result, 1)
	if !ok {
		if cmd.query {
			return result{}, errSettled
		}
		var err error
		if a, err = m.adopt(ctx, deliveryID); err != nil {
			if errors.Is(err, errSettled) {
				return result{err: m.rejectSettled(ctx, deliveryID, cmd.to)}, nil
			}
			return result{}, err
		}
	}
	select {
	case a.reqs <- cmd:
		return <-cmd.reply, nil
	case <-a.done:
	case <-m.stop:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	if cmd.query {
		return result{}, errSettled
	}
	return result{err: m.rejectSettled(ctx, deliveryID, cmd.to)}, nil
}

// rejectSettled answers a transition aimed at a delivery that is no longer
// active, using the archived status.
func (m *Machine) rejectSettled(ctx context.Context, deliveryID string, to models.Status) error {
	d, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if d.Status == to {
		return fmt.Errorf("delivery %s already %s: %w", deliveryID, to, models.ErrConflict)
	}
	return &models.TransitionError{DeliveryID: deliveryID, From: d.Status, To: to}
}

func (m *Machine) run(a *actor, d models.ActiveDelivery) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case cmd := <-a.reqs:
			if cmd.query {
				cmd.reply <- result{d: d.Clone()}
				continue
			}
			err := m.apply(cmd.ctx, &d, cmd.to, cmd.in)
			if errors.Is(err, storage.ErrStaleStatus) {
				// another replica moved the delivery; catch up and retry once
				if fresh, gerr := m.store.GetDelivery(cmd.ctx, d.ID); gerr == nil {
					fresh.LastLoc = d.LastLoc
					d = fresh
					err = m.apply(cmd.ctx, &d, cmd.to, cmd.in)
				}
			}
			cmd.reply <- result{d: d.Clone(), err: err}
			if !d.Status.Terminal() {
				continue
			}
			m.mu.Lock()
			delete(m.actors, d.ID)
			m.mu.Unlock()
			close(a.done)
			if err == nil {
				m.finish(d)
			} else {
				// finished by another replica, which ran the terminal hooks
				observability.DeliveriesActive.Dec()
				if m.tracker != nil {
					m.tracker.Close(d.ID)
				}
			}
			return
		}
	}
}

func (m *Machine) apply(ctx context.Context, d *models.ActiveDelivery, to models.Status, in TransitionInput) error {
	from := d.Status
	if to == from {
		observability.TransitionsTotal.WithLabelValues(string(to), "conflict").Inc()
		return fmt.Errorf("delivery %s already %s: %w", d.ID, to, models.ErrConflict)
	}
	if !models.CanTransition(from, to) {
		observability.TransitionsTotal.WithLabelValues(string(to), "invalid").Inc()
		return &models.TransitionError{DeliveryID: d.ID, From: from, To: to}
	}
	if in.Proof == "" && m.proof.Requires(d.Request, to) {
		observability.TransitionsTotal.WithLabelValues(string(to), "proof_required").Inc()
		return fmt.Errorf("delivery %s %s -> %s: %w", d.ID, from, to, models.ErrProofRequired)
	}

	entry := models.HistoryEntry{
		Status:     to,
		At:         m.now().UTC(),
		ProofRef:   in.Proof,
		ReporterAt: in.Location,
		Actor:      in.Actor,
		Reason:     in.Reason,
	}
	if err := m.store.AppendHistory(ctx, d.ID, from, entry); err != nil {
		observability.TransitionsTotal.WithLabelValues(string(to), "error").Inc()
		return fmt.Errorf("record transition %s -> %s: %w", from, to, err)
	}
	d.History = append(d.History, entry)
	d.Status = to
	d.UpdatedAt = entry.At
	if in.Location != nil {
		d.LastLoc = &models.LocationSample{DriverID: d.DriverID, Loc: *in.Location, CapturedAt: entry.At}
	}
	observability.TransitionsTotal.WithLabelValues(string(to), "ok").Inc()
	m.logger.Info("delivery transition", "delivery_id", d.ID, "from", from, "to", to, "actor", in.Actor)
	m.publish(ctx, *d, in.Reason)
	return nil
}

// finish runs the terminal side effects. Each one is retried and logged on
// failure; the delivery status itself is already durable.
func (m *Machine) finish(d models.ActiveDelivery) {
	observability.DeliveriesActive.Dec()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if m.tracker != nil {
		m.tracker.Close(d.ID)
	}
	if m.drivers != nil {
		if err := events.Retry(ctx, m.attempts, m.backoff, func() error { return m.drivers.MarkFree(ctx, d.DriverID) }); err != nil {
			m.logger.Error("free driver failed", "delivery_id", d.ID, "driver_id", d.DriverID, "error", err)
		}
	}
	if d.Status == models.StatusCancelled {
		if err := m.store.UpdateRequestStatus(ctx, d.RequestID, models.RequestCancelled); err != nil {
			m.logger.Warn("request status update failed", "request_id", d.RequestID, "error", err)
		}
	}
	m.settle(ctx, d)
}

func (m *Machine) settle(ctx context.Context, d models.ActiveDelivery) {
	pi := d.Request.PaymentIntentID
	if m.settler == nil || pi == "" {
		return
	}
	action, fn := "capture", m.settler.Capture
	if d.Status == models.StatusCancelled {
		action, fn = "release", m.settler.Release
	}
	if err := events.Retry(ctx, m.attempts, m.backoff, func() error { return fn(ctx, pi) }); err != nil {
		observability.SettlementFailure.WithLabelValues(action).Inc()
		m.logger.Error("payment settlement failed", "delivery_id", d.ID, "action", action, "error", err)
	}
}

func (m *Machine) publish(ctx context.Context, d models.ActiveDelivery, reason string) {
	ev := events.Event{
		Type:       events.OrderUpdate,
		OrderID:    d.OrderID,
		RequestID:  d.RequestID,
		DeliveryID: d.ID,
		DriverID:   d.DriverID,
		Status:     string(d.Status),
		Reason:     reason,
		Timestamp:  d.UpdatedAt,
		Recipients: events.Recipients(d.Request.CustomerID, d.Request.MerchantID, d.DriverID),
	}
	if d.LastLoc != nil {
		loc := d.LastLoc.Loc
		ev.Location = &loc
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("order update not published", "delivery_id", d.ID, "error", err)
	}
}
