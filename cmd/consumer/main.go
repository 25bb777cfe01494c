package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-dispatch/internal/availability"
	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_stale_total",
		Help: "Total pings older than the last applied one for the driver",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsStale, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	registry := availability.NewRedisRegistry(rc, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	c := &consumer{
		reader:   r,
		updater:  registry,
		attempts: cfg.UpdateAttempts,
		delay:    cfg.UpdateBackoff,
		logger:   logger,
		last:     make(map[string]time.Time),
	}
	c.run(ctx)
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// LocationUpdater is the part of the availability registry the consumer writes.
type LocationUpdater interface {
	SetLocation(ctx context.Context, driverID string, loc models.Coord) error
}

type consumer struct {
	reader   messageReader
	updater  LocationUpdater
	attempts int
	delay    time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

func (c *consumer) run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *consumer) handle(ctx context.Context, m kafka.Message) {
	msgsConsumed.Inc()
	s, err := ingest.DecodeLocation(m.Value)
	if err != nil {
		msgsInvalid.Inc()
		c.logger.Warn("invalid message", "offset", m.Offset, "error", err)
		return
	}
	if !c.fresh(s) {
		msgsStale.Inc()
		return
	}
	if err := updateRegistryWithRetry(ctx, c.updater, s, c.attempts, c.delay); err != nil {
		redisErrors.Inc()
		c.logger.Error("registry update failed", "driver_id", s.DriverID, "error", err)
		return
	}
	redisUpdates.Inc()
}

// fresh records s if it is newer than the last applied ping for its driver.
func (c *consumer) fresh(s models.LocationSample) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.last[s.DriverID]; ok && !s.CapturedAt.After(last) {
		return false
	}
	c.last[s.DriverID] = s.CapturedAt
	return true
}

// updateRegistryWithRetry writes one ping with retry and doubling backoff.
func updateRegistryWithRetry(ctx context.Context, u LocationUpdater, s models.LocationSample, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = u.SetLocation(ctx, s.DriverID, s.Loc); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
