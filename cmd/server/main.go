package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/delivery-dispatch/internal/availability"
	"github.com/example/delivery-dispatch/internal/broadcaster"
	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/eta"
	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/expiry"
	httpapi "github.com/example/delivery-dispatch/internal/http"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/lifecycle"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/payments"
	"github.com/example/delivery-dispatch/internal/ratelimit"
	"github.com/example/delivery-dispatch/internal/relay"
	"github.com/example/delivery-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready []httpapi.ReadyCheck

	var registry availability.Registry = availability.NewMemoryRegistry()
	var rateStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		registry = availability.NewRedisRegistry(rc, cfg.RedisGeoKey)
		rateStore = ratelimit.NewRedisStore(rc)
		ready = append(ready, httpapi.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error { return rc.Ping(ctx).Err() }})
		logger.Info("availability registry on redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var store storage.Store = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = ps
		ready = append(ready, httpapi.ReadyCheck{Name: "postgres", Check: ps.DB().PingContext})
	}

	hub := notify.NewHub(logging.Component(logger, "ws"))
	sinks := []events.Sink{{Name: "ws", Publisher: hub}}
	if cfg.FCMEndpoint != "" {
		push := notify.NewPushDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
		push.Connected = hub.Connected
		sinks = append(sinks, events.Sink{Name: "push", Publisher: push})
	}
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		ks := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer ks.Close()
		sinks = append(sinks, events.Sink{Name: "kafka", Publisher: ks})

		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer kp.Close()
		locations = kp
	}
	bus := events.NewBus(cfg.EventQueueSize, logging.Component(logger, "events"), sinks...).
		WithRetry(cfg.NotifyRetryAttempts, cfg.NotifyRetryBackoff)

	rl := relay.New(cfg.RelayMinInterval, bus, logging.Component(logger, "relay"))

	var settler payments.Settler
	if cfg.StripeAPIKey != "" {
		settler = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	machine := lifecycle.New(lifecycle.Config{
		Store:    store,
		Drivers:  registry,
		Tracker:  rl,
		Events:   bus,
		Settler:  settler,
		Proof:    lifecycle.ProofPolicy{FeeThreshold: cfg.ProofFeeThreshold},
		Logger:   logging.Component(logger, "lifecycle"),
		Attempts: cfg.NotifyRetryAttempts,
		Backoff:  cfg.NotifyRetryBackoff,
	})

	resumed, err := machine.Resume(ctx)
	if err != nil {
		return err
	}
	logger.Info("active deliveries resumed", "count", resumed)

	estimator := &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps, Cache: eta.NewCache(time.Minute)}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	offers := expiry.NewManager()
	offers.OnExpire = func(offerID string) { logger.Debug("offer expired", "offer_id", offerID) }

	b := broadcaster.New(broadcaster.Config{
		Registry:       registry,
		Store:          store,
		Lifecycle:      machine,
		Expiry:         offers,
		Events:         bus,
		ETA:            estimator,
		Logger:         logging.Component(logger, "broadcaster"),
		OfferWindow:    cfg.OfferWindow,
		MaxAttempts:    cfg.DispatchMaxAttempts,
		RadiusM:        cfg.DispatchSearchRadiusM,
		CandidateLimit: cfg.DispatchCandidateLimit,
		NotifyAttempts: cfg.NotifyRetryAttempts,
		NotifyBackoff:  cfg.NotifyRetryBackoff,
	})

	policy := ratelimit.DefaultPolicy()
	policy.Window = cfg.RateLimitWindow

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Registry:    registry,
			Broadcaster: b,
			Lifecycle:   machine,
			Relay:       rl,
			Limiter:     ratelimit.New(rateStore, policy, logging.Component(logger, "ratelimit")),
			Hub:         hub,
			Locations:   locations,
			Ready:       ready,
			Logger:      logging.Component(logger, "http"),
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return b.RecoverEvery(gctx, cfg.RecoveryInterval) })
	g.Go(func() error {
		logger.Info("delivery-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		logger.Info("deliveries left for the next process", "count", len(machine.Active()))
		machine.Stop()
		rl.Stop()
		return err
	})
	return g.Wait()
}
