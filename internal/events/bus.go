package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/observability"
)

var ErrQueueFull = errors.New("event queue full")

type Sink struct {
	Name      string
	Publisher Publisher
}

// lane is the queue and worker of one sink.
type lane struct {
	Sink
	queue chan Event
}

// Bus decouples producers from transports: Publish only enqueues, and every
// sink drains its own bounded queue with bounded retry. A stalled transport
// sheds its own events without holding up the others.
type Bus struct {
	lanes    []*lane
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// NewBus gives each sink a queue of size events.
func NewBus(size int, logger *slog.Logger, sinks ...Sink) *Bus {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		attempts: 3,
		backoff:  100 * time.Millisecond,
		logger:   logger,
	}
	for _, s := range sinks {
		b.lanes = append(b.lanes, &lane{Sink: s, queue: make(chan Event, size)})
	}
	return b
}

// WithRetry sets the per-sink attempt count and initial backoff.
func (b *Bus) WithRetry(attempts int, backoff time.Duration) *Bus {
	if attempts > 0 {
		b.attempts = attempts
	}
	if backoff > 0 {
		b.backoff = backoff
	}
	return b
}

// Publish enqueues ev on every sink. It fails with ErrQueueFull only when no
// sink could take the event, so callers never re-send to a sink that already
// has it.
func (b *Bus) Publish(_ context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	queued := 0
	for _, l := range b.lanes {
		select {
		case l.queue <- ev:
			queued++
		default:
			observability.EventsDropped.WithLabelValues(l.Name).Inc()
			b.logger.Warn("event dropped", "sink", l.Name, "type", ev.Type, "key", ev.Key())
		}
	}
	if queued == 0 && len(b.lanes) > 0 {
		return ErrQueueFull
	}
	return nil
}

// Run delivers queued events until ctx is done, one worker per sink.
func (b *Bus) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, l := range b.lanes {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-l.queue:
					b.deliver(ctx, l.Sink, ev)
				}
			}
		}(l)
	}
	wg.Wait()
	return nil
}

func (b *Bus) deliver(ctx context.Context, s Sink, ev Event) {
	err := Retry(ctx, b.attempts, b.backoff, func() error { return s.Publisher.Publish(ctx, ev) })
	if err != nil {
		observability.NotifyFailures.WithLabelValues(s.Name).Inc()
		b.logger.Error("event delivery failed", "sink", s.Name, "type", ev.Type, "key", ev.Key(), "error", err)
	}
}

// Retry calls fn up to attempts times, doubling delay between failures.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", errors.Join(err, ctx.Err()))
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
