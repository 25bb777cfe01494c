package broadcaster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/availability"
	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/expiry"
	"github.com/example/delivery-dispatch/internal/lifecycle"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/storage"
)

var pickup = models.Coord{Lat: 52.5200, Lon: 13.4050}

// racyRegistry claims the first candidate for someone else right after the
// query, as a concurrent dispatch would.
type racyRegistry struct {
	*availability.MemoryRegistry
	steal string
}

func (r *racyRegistry) QueryCandidates(ctx context.Context, p models.Coord, f availability.Filter) ([]models.Driver, error) {
	out, err := r.MemoryRegistry.QueryCandidates(ctx, p, f)
	if err == nil && r.steal != "" {
		_ = r.MemoryRegistry.MarkBusy(ctx, r.steal)
	}
	return out, err
}

type fixture struct {
	reg     *racyRegistry
	store   *storage.MemoryStore
	machine *lifecycle.Machine
	expiry  *expiry.Manager
	b       *Broadcaster
	offers  chan models.Offer
}

func newFixture(t *testing.T, window time.Duration, maxAttempts int) *fixture {
	t.Helper()
	f := &fixture{
		reg:    &racyRegistry{MemoryRegistry: availability.NewMemoryRegistry()},
		store:  storage.NewMemoryStore(),
		expiry: expiry.NewManager(),
		offers: make(chan models.Offer, 32),
	}
	pub := events.PublisherFunc(func(_ context.Context, ev events.Event) error {
		if ev.Type == events.NewDeliveryOffer {
			f.offers <- *ev.Offer
		}
		return nil
	})
	f.machine = lifecycle.New(lifecycle.Config{
		Store:    f.store,
		Drivers:  f.reg,
		Events:   pub,
		Attempts: 2,
		Backoff:  time.Millisecond,
	})
	f.b = New(Config{
		Registry:      f.reg,
		Store:         f.store,
		Lifecycle:     f.machine,
		Expiry:        f.expiry,
		Events:        pub,
		OfferWindow:   window,
		MaxAttempts:   maxAttempts,
		RadiusM:       5000,
		NotifyBackoff: time.Millisecond,
	})
	t.Cleanup(func() {
		f.expiry.Stop()
		f.machine.Stop()
	})
	return f
}

// addDrivers places drivers north of the pickup, ~111m apart, nearest first.
func (f *fixture) addDrivers(t *testing.T, ids ...string) {
	t.Helper()
	for i, id := range ids {
		require.NoError(t, f.reg.Upsert(context.Background(), models.Driver{
			ID: id, Online: true, Rating: 5,
			Loc: models.Coord{Lat: pickup.Lat + 0.001*float64(i+1), Lon: pickup.Lon},
		}))
	}
}

type result struct {
	out Outcome
	err error
}

func (f *fixture) dispatch(req models.DeliveryRequest) <-chan result {
	ch := make(chan result, 1)
	go func() {
		out, err := f.b.Dispatch(context.Background(), req)
		ch <- result{out, err}
	}()
	return ch
}

func (f *fixture) nextOffer(t *testing.T) models.Offer {
	t.Helper()
	select {
	case o := <-f.offers:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no offer published")
		return models.Offer{}
	}
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch did not finish")
		return result{}
	}
}

func (f *fixture) busy(t *testing.T, id string) bool {
	t.Helper()
	d, err := f.reg.Get(context.Background(), id)
	require.NoError(t, err)
	return d.Busy
}

func TestTimeoutThenAccept(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 5)
	f.addDrivers(t, "D1", "D2", "D3")
	done := f.dispatch(models.DeliveryRequest{ID: "req-a", OrderID: "o-a", CustomerID: "c1", Pickup: pickup, Fee: 10})

	first := f.nextOffer(t)
	assert.Equal(t, "D1", first.DriverID)
	assert.Equal(t, 1, first.Attempt)
	assert.WithinDuration(t, first.CreatedAt.Add(100*time.Millisecond), first.ExpiresAt, 10*time.Millisecond)
	// D1 stays silent

	second := f.nextOffer(t)
	assert.Equal(t, "D2", second.DriverID)
	assert.False(t, f.busy(t, "D1"), "timed out driver still busy")

	d, err := f.b.Decide(context.Background(), "req-a", "D2", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, d.Status)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, "D2", r.out.DriverID)
	assert.Equal(t, d.ID, r.out.DeliveryID)
	assert.Equal(t, 2, r.out.Attempts)
	assert.False(t, r.out.EstimatedArrival.IsZero())

	assert.True(t, f.busy(t, "D2"))
	assert.False(t, f.busy(t, "D1"))
	assert.False(t, f.busy(t, "D3"))

	_, err = f.b.Decide(context.Background(), "req-a", "D1", true)
	assert.ErrorIs(t, err, models.ErrOfferExpired)

	stored, err := f.store.GetRequest(context.Background(), "req-a")
	require.NoError(t, err)
	assert.Equal(t, models.RequestMatched, stored.Status)
	assert.Empty(t, f.b.OpenRequests())
	assert.Zero(t, f.expiry.Pending())
}

func TestLateDecisionOnLiveRequestIsExpired(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, 5)
	f.addDrivers(t, "D1", "D2")
	done := f.dispatch(models.DeliveryRequest{ID: "req-late", Pickup: pickup})

	f.nextOffer(t)
	f.nextOffer(t) // D1 timed out, D2 now holds the offer

	_, err := f.b.Decide(context.Background(), "req-late", "D1", true)
	assert.ErrorIs(t, err, models.ErrOfferExpired)

	_, err = f.b.Decide(context.Background(), "req-late", "D2", false)
	require.NoError(t, err)
	r := wait(t, done)
	assert.ErrorIs(t, r.err, models.ErrAssignmentExhausted)
}

func TestExhaustionFreesEveryCandidate(t *testing.T) {
	f := newFixture(t, time.Second, 2)
	f.addDrivers(t, "D1", "D2", "D3")
	done := f.dispatch(models.DeliveryRequest{ID: "req-x", OrderID: "o-x", Pickup: pickup})

	for _, want := range []string{"D1", "D2"} {
		o := f.nextOffer(t)
		assert.Equal(t, want, o.DriverID)
		_, err := f.b.Decide(context.Background(), "req-x", o.DriverID, false)
		require.NoError(t, err)
	}

	r := wait(t, done)
	assert.ErrorIs(t, r.err, models.ErrAssignmentExhausted)
	assert.Equal(t, 2, r.out.Attempts)
	for _, id := range []string{"D1", "D2", "D3"} {
		assert.False(t, f.busy(t, id), id)
	}
	stored, err := f.store.GetRequest(context.Background(), "req-x")
	require.NoError(t, err)
	assert.Equal(t, models.RequestFailed, stored.Status)
	assert.Empty(t, f.machine.Active())
}

func TestNoDriversAvailable(t *testing.T) {
	f := newFixture(t, time.Second, 5)
	r := wait(t, f.dispatch(models.DeliveryRequest{ID: "req-n", Pickup: pickup}))
	assert.ErrorIs(t, r.err, models.ErrNoDriversAvailable)

	stored, err := f.store.GetRequest(context.Background(), "req-n")
	require.NoError(t, err)
	assert.Equal(t, models.RequestFailed, stored.Status)
}

func TestDriversOutsideFilterAreNotOffered(t *testing.T) {
	f := newFixture(t, time.Second, 5)
	require.NoError(t, f.reg.Upsert(context.Background(), models.Driver{
		ID: "bike", Online: true, Rating: 5, Vehicle: models.VehicleBicycle, Loc: pickup,
	}))
	r := wait(t, f.dispatch(models.DeliveryRequest{ID: "req-v", Pickup: pickup, Vehicle: models.VehicleVan}))
	assert.ErrorIs(t, r.err, models.ErrNoDriversAvailable)
}

func TestRacedBusyCandidateIsSkippedWithoutAttempt(t *testing.T) {
	f := newFixture(t, time.Second, 5)
	f.addDrivers(t, "D1", "D2")
	f.reg.steal = "D1"
	done := f.dispatch(models.DeliveryRequest{ID: "req-r", Pickup: pickup})

	o := f.nextOffer(t)
	assert.Equal(t, "D2", o.DriverID)
	assert.Equal(t, 1, o.Attempt)
	_, err := f.b.Decide(context.Background(), "req-r", "D2", true)
	require.NoError(t, err)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.out.Attempts)
}

func TestAllCandidatesRacedBusy(t *testing.T) {
	f := newFixture(t, time.Second, 5)
	f.addDrivers(t, "D1")
	f.reg.steal = "D1"
	r := wait(t, f.dispatch(models.DeliveryRequest{ID: "req-all", Pickup: pickup}))
	assert.ErrorIs(t, r.err, models.ErrNoDriversAvailable)
}

func TestAtMostOneLiveOffer(t *testing.T) {
	f := newFixture(t, time.Second, 5)
	f.addDrivers(t, "D1", "D2", "D3")
	done := f.dispatch(models.DeliveryRequest{ID: "req-one", OrderID: "o-one", Pickup: pickup})

	o := f.nextOffer(t)
	open := f.b.OpenRequests()
	require.Len(t, open, 1)
	require.NotNil(t, open[0].Offer)
	assert.Equal(t, o.ID, open[0].Offer.ID)
	assert.Equal(t, models.RequestDispatching, open[0].Request.Status)
	assert.Equal(t, 1, f.expiry.Pending())
	assert.True(t, f.busy(t, "D1"))
	assert.False(t, f.busy(t, "D2"))

	snap, err := f.b.StatusByOrder(context.Background(), "o-one")
	require.NoError(t, err)
	assert.Equal(t, "req-one", snap.Request.ID)

	_, err = f.b.Decide(context.Background(), "req-one", "D3", true)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.b.Decide(context.Background(), "req-one", "D1", true)
	require.NoError(t, err)
	require.NoError(t, wait(t, done).err)
}

func TestCancelWithdrawsLiveOffer(t *testing.T) {
	f := newFixture(t, 5*time.Second, 5)
	f.addDrivers(t, "D1", "D2")
	done := f.dispatch(models.DeliveryRequest{ID: "req-c", OrderID: "o-c", Pickup: pickup})
	f.nextOffer(t)

	require.NoError(t, f.b.CancelOrder(context.Background(), "o-c"))

	r := wait(t, done)
	assert.ErrorIs(t, r.err, models.ErrRequestCancelled)
	assert.False(t, f.busy(t, "D1"))
	assert.Zero(t, f.expiry.Pending())

	stored, err := f.store.GetRequest(context.Background(), "req-c")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, stored.Status)

	_, err = f.b.Decide(context.Background(), "req-c", "D1", true)
	assert.ErrorIs(t, err, models.ErrRequestCancelled)
	// cancelling again is a no-op
	assert.NoError(t, f.b.Cancel(context.Background(), "req-c"))
}

func TestCancelAfterAcceptConflicts(t *testing.T) {
	f := newFixture(t, 5*time.Second, 5)
	f.addDrivers(t, "D1")
	done := f.dispatch(models.DeliveryRequest{ID: "req-ca", Pickup: pickup})
	f.nextOffer(t)
	_, err := f.b.Decide(context.Background(), "req-ca", "D1", true)
	require.NoError(t, err)
	require.NoError(t, wait(t, done).err)

	assert.ErrorIs(t, f.b.Cancel(context.Background(), "req-ca"), models.ErrConflict)
	assert.ErrorIs(t, f.b.Cancel(context.Background(), "missing"), models.ErrNotFound)
}

func TestDuplicateOrderIsRejected(t *testing.T) {
	f := newFixture(t, 5*time.Second, 5)
	f.addDrivers(t, "D1")
	done := f.dispatch(models.DeliveryRequest{ID: "req-d1", OrderID: "o-d", Pickup: pickup})
	f.nextOffer(t)

	_, err := f.b.Dispatch(context.Background(), models.DeliveryRequest{ID: "req-d2", OrderID: "o-d", Pickup: pickup})
	assert.ErrorIs(t, err, models.ErrConflict)

	require.NoError(t, f.b.Cancel(context.Background(), "req-d1"))
	wait(t, done)
}

func TestExpiredRequestIsNotDispatched(t *testing.T) {
	f := newFixture(t, time.Second, 5)
	f.addDrivers(t, "D1")
	_, err := f.b.Dispatch(context.Background(), models.DeliveryRequest{
		Pickup: pickup, ExpiresAt: time.Now().Add(-time.Minute),
	})
	assert.ErrorIs(t, err, models.ErrRequestExpired)
	assert.False(t, f.busy(t, "D1"))
}

func TestCallerContextWithdrawsOffer(t *testing.T) {
	f := newFixture(t, 5*time.Second, 5)
	f.addDrivers(t, "D1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.b.Dispatch(ctx, models.DeliveryRequest{ID: "req-ctx", Pickup: pickup})
		done <- err
	}()
	f.nextOffer(t)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch ignored caller cancellation")
	}
	assert.False(t, f.busy(t, "D1"))
}

// An accept racing the offer deadline either wins outright or loses with
// ErrOfferExpired; never both and never neither.
func TestAcceptRacingExpiry(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, 5*time.Millisecond, 1)
		f.addDrivers(t, "D1")
		done := f.dispatch(models.DeliveryRequest{ID: "req-race", Pickup: pickup})
		f.nextOffer(t)
		time.Sleep(4 * time.Millisecond)

		_, decideErr := f.b.Decide(context.Background(), "req-race", "D1", true)
		r := wait(t, done)

		if decideErr == nil {
			require.NoError(t, r.err)
			assert.Equal(t, "D1", r.out.DriverID)
			assert.True(t, f.busy(t, "D1"))
		} else {
			assert.ErrorIs(t, decideErr, models.ErrOfferExpired)
			assert.ErrorIs(t, r.err, models.ErrAssignmentExhausted)
			assert.False(t, f.busy(t, "D1"))
		}
	}
}

func TestLiveOfferHolderIsPersisted(t *testing.T) {
	f := newFixture(t, time.Second, 5)
	f.addDrivers(t, "D1", "D2")
	done := f.dispatch(models.DeliveryRequest{ID: "req-p", OrderID: "o-p", Pickup: pickup})
	ctx := context.Background()

	f.nextOffer(t)
	stored, err := f.store.GetRequest(ctx, "req-p")
	require.NoError(t, err)
	assert.Equal(t, "D1", stored.OfferedTo)
	assert.Equal(t, models.RequestDispatching, stored.Status)

	_, err = f.b.Decide(ctx, "req-p", "D1", false)
	require.NoError(t, err)
	f.nextOffer(t)
	_, err = f.b.Decide(ctx, "req-p", "D2", true)
	require.NoError(t, err)
	require.NoError(t, wait(t, done).err)

	stored, err = f.store.GetRequest(ctx, "req-p")
	require.NoError(t, err)
	assert.Empty(t, stored.OfferedTo)
	assert.Equal(t, models.RequestMatched, stored.Status)
}

func TestRecoverSettlesAbandonedDispatch(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, 2)
	f.addDrivers(t, "D1", "D2")
	ctx := context.Background()

	// left behind by a process that died mid-offer
	abandoned := &models.DeliveryRequest{ID: "req-old", OrderID: "o-old", Status: models.RequestDispatching,
		OfferedTo: "D1", CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, f.store.SaveRequest(ctx, abandoned))
	require.NoError(t, f.reg.MarkBusy(ctx, "D1"))

	// may still belong to a live replica
	recent := &models.DeliveryRequest{ID: "req-new", OrderID: "o-new", Status: models.RequestDispatching,
		OfferedTo: "D2", CreatedAt: time.Now()}
	require.NoError(t, f.store.SaveRequest(ctx, recent))
	require.NoError(t, f.reg.MarkBusy(ctx, "D2"))

	n, err := f.b.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetRequest(ctx, "req-old")
	require.NoError(t, err)
	assert.Equal(t, models.RequestFailed, got.Status)
	assert.False(t, f.busy(t, "D1"))

	got, err = f.store.GetRequest(ctx, "req-new")
	require.NoError(t, err)
	assert.Equal(t, models.RequestDispatching, got.Status)
	assert.True(t, f.busy(t, "D2"))

	_, err = f.b.Decide(ctx, "req-old", "D1", true)
	assert.ErrorIs(t, err, models.ErrOfferExpired)
}
