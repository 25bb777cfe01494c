package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/models"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func sample(sec int, lat float64) models.LocationSample {
	return models.LocationSample{Loc: models.Coord{Lat: lat, Lon: 13.4}, CapturedAt: t0.Add(time.Duration(sec) * time.Second)}
}

func TestOutOfOrderSampleIsDropped(t *testing.T) {
	r := New(10*time.Millisecond, nil, nil)
	defer r.Stop()
	r.Open("del-1", "d1", "c1")

	assert.True(t, r.Ingest("d1", sample(2, 52.2)))
	assert.False(t, r.Ingest("d1", sample(1, 52.1)), "older sample accepted")
	assert.False(t, r.Ingest("d1", sample(2, 52.3)), "equal timestamp accepted")

	got, ok := r.Latest("del-1")
	require.True(t, ok)
	assert.Equal(t, 52.2, got.Loc.Lat)
	assert.Equal(t, "d1", got.DriverID)
}

func TestSubscribersSeeNonDecreasingTimestamps(t *testing.T) {
	r := New(5*time.Millisecond, nil, nil)
	defer r.Stop()
	r.Open("del-1", "d1")
	sub, err := r.Subscribe("del-1")
	require.NoError(t, err)

	for _, sec := range []int{1, 3, 2, 5, 4, 6} {
		r.Ingest("d1", sample(sec, float64(sec)))
		time.Sleep(2 * time.Millisecond)
	}

	var seen []time.Time
	timeout := time.After(500 * time.Millisecond)
	for {
		select {
		case s := <-sub.C:
			seen = append(seen, s.CapturedAt)
			if s.CapturedAt.Equal(t0.Add(6 * time.Second)) {
				for i := 1; i < len(seen); i++ {
					assert.False(t, seen[i].Before(seen[i-1]), "position went backwards")
				}
				return
			}
		case <-timeout:
			t.Fatalf("newest sample never delivered, saw %v", seen)
		}
	}
}

func TestBurstIsCoalescedToLatest(t *testing.T) {
	rec := &recorder{}
	r := New(50*time.Millisecond, rec, nil)
	defer r.Stop()
	r.Open("del-1", "d1", "c1", "m1")

	for i := 1; i <= 10; i++ {
		r.Ingest("d1", sample(i, float64(i)))
	}

	require.Eventually(t, func() bool {
		evs := rec.all()
		return len(evs) > 0 && evs[len(evs)-1].Location.Lat == 10
	}, time.Second, 5*time.Millisecond)

	evs := rec.all()
	assert.LessOrEqual(t, len(evs), 2)
	last := evs[len(evs)-1]
	assert.Equal(t, events.LocationUpdate, last.Type)
	assert.Equal(t, "del-1", last.DeliveryID)
	assert.Equal(t, []string{"c1", "m1"}, last.Recipients)
}

func TestPublishRateIsBounded(t *testing.T) {
	rec := &recorder{}
	r := New(40*time.Millisecond, rec, nil)
	defer r.Stop()
	r.Open("del-1", "d1")

	deadline := time.Now().Add(200 * time.Millisecond)
	for i := 1; time.Now().Before(deadline); i++ {
		r.Ingest("d1", sample(i, float64(i)))
		time.Sleep(time.Millisecond)
	}
	// 200ms at one publish per 40ms is at most six publishes
	assert.LessOrEqual(t, len(rec.all()), 7)
}

func TestSlowSubscriberHoldsOnlyNewest(t *testing.T) {
	r := New(time.Millisecond, nil, nil)
	defer r.Stop()
	r.Open("del-1", "d1")
	sub, err := r.Subscribe("del-1")
	require.NoError(t, err)

	for i := 1; i <= 20; i++ {
		r.Ingest("d1", sample(i, float64(i)))
		time.Sleep(2 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		got, _ := r.Latest("del-1")
		return got.Loc.Lat == 20
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	s := <-sub.C
	assert.Equal(t, float64(20), s.Loc.Lat)
	select {
	case extra := <-sub.C:
		t.Fatalf("mailbox held a second sample: %+v", extra)
	default:
	}
}

func TestSubscribeReceivesCurrentPosition(t *testing.T) {
	r := New(time.Millisecond, nil, nil)
	defer r.Stop()
	r.Open("del-1", "d1")
	r.Ingest("d1", sample(1, 52.5))

	sub, err := r.Subscribe("del-1")
	require.NoError(t, err)
	select {
	case s := <-sub.C:
		assert.Equal(t, 52.5, s.Loc.Lat)
	case <-time.After(time.Second):
		t.Fatal("no initial position")
	}
}

func TestCloseTearsDownSubscriptions(t *testing.T) {
	rec := &recorder{}
	r := New(time.Millisecond, rec, nil)
	defer r.Stop()
	r.Open("del-1", "d1")
	sub, err := r.Subscribe("del-1")
	require.NoError(t, err)

	r.Close("del-1")
	_, open := <-sub.C
	assert.False(t, open)

	// late sample is accepted for the driver but forwarded nowhere
	assert.True(t, r.Ingest("d1", sample(5, 1)))
	_, ok := r.Latest("del-1")
	assert.False(t, ok)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.all())

	_, err = r.Subscribe("del-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// closing twice and closing the subscription afterwards are no-ops
	r.Close("del-1")
	sub.Close()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := New(time.Millisecond, nil, nil)
	defer r.Stop()
	r.Open("del-1", "d1")
	sub, err := r.Subscribe("del-1")
	require.NoError(t, err)
	sub.Close()
	sub.Close()
	_, open := <-sub.C
	assert.False(t, open)

	r.Ingest("d1", sample(1, 1))
	time.Sleep(5 * time.Millisecond)
}

func TestSamplesForUnassignedDriverAreNotForwarded(t *testing.T) {
	rec := &recorder{}
	r := New(time.Millisecond, rec, nil)
	defer r.Stop()
	assert.True(t, r.Ingest("d9", sample(1, 1)))
	assert.False(t, r.Ingest("d9", sample(1, 1)))
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, rec.all())
}
