package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	fail   int
	calls  int
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fail {
		return errors.New("transport down")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestBusFansOutToEverySink(t *testing.T) {
	a, b := &recorder{}, &recorder{fail: 1}
	bus := NewBus(8, nil, Sink{Name: "a", Publisher: a}, Sink{Name: "b", Publisher: b}).WithRetry(3, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	require.NoError(t, bus.Publish(ctx, Event{Type: OrderUpdate, DeliveryID: "d1", Status: "ACCEPTED"}))

	assert.Eventually(t, func() bool { return len(a.snapshot()) == 1 && len(b.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	ev := a.snapshot()[0]
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "d1", ev.Key())
}

func TestBusShedsWhenFull(t *testing.T) {
	bus := NewBus(1, nil, Sink{Name: "a", Publisher: &recorder{}})
	require.NoError(t, bus.Publish(context.Background(), Event{Type: LocationUpdate}))
	assert.ErrorIs(t, bus.Publish(context.Background(), Event{Type: LocationUpdate}), ErrQueueFull)
}

// stalled blocks every call until release is closed.
type stalled struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *stalled) Publish(ctx context.Context, _ Event) error {
	s.calls.Add(1)
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestStalledSinkDoesNotDelayOthers(t *testing.T) {
	slow := &stalled{release: make(chan struct{})}
	defer close(slow.release)
	ws := &recorder{}
	bus := NewBus(2, nil, Sink{Name: "push", Publisher: slow}, Sink{Name: "ws", Publisher: ws}).WithRetry(3, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	const n = 10
	for i := 0; i < n; i++ {
		// the stalled queue overflows; the event still reaches ws
		require.NoError(t, bus.Publish(ctx, Event{Type: NewDeliveryOffer, RequestID: "r1"}))
		require.Eventually(t, func() bool { return len(ws.snapshot()) == i+1 }, 200*time.Millisecond, time.Millisecond)
	}
	assert.Len(t, ws.snapshot(), n)
	assert.Equal(t, int32(1), slow.calls.Load())
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("nope")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), 2, time.Millisecond, func() error { calls++; return errors.New("nope") })
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, time.Hour, func() error { return errors.New("nope") })
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByDelivery(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, timeout: time.Second}
	ev := Event{Type: OrderUpdate, OrderID: "o1", RequestID: "r1", DeliveryID: "d1", Status: "DELIVERED", Timestamp: time.Unix(100, 0).UTC()}
	require.NoError(t, sink.Publish(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "d1", string(w.msgs[0].Key))
	assert.Equal(t, "order_update", string(w.msgs[0].Headers[0].Value))
	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "DELIVERED", got.Status)
}

func TestRecipientsSkipsEmpty(t *testing.T) {
	assert.Equal(t, []string{"c1", "d1"}, Recipients("c1", "", "d1"))
}
