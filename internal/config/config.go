package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from an optional .env file and environment variables with
// defaults so the binary can run locally without Redis, Postgres or Kafka.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	PGDSN         string
	RunMigrations bool

	OfferWindow            time.Duration
	DispatchMaxAttempts    int
	DispatchSearchRadiusM  float64
	DispatchCandidateLimit int
	DefaultSpeedMps        float64
	OSRMEndpoint           string

	RelayMinInterval  time.Duration
	RecoveryInterval  time.Duration
	ProofFeeThreshold float64
	RateLimitWindow   time.Duration

	EventQueueSize      int
	NotifyRetryAttempts int
	NotifyRetryBackoff  time.Duration
	FCMEndpoint         string
	FCMKey              string
	StripeAPIKey        string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:               ":8080",
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           2 * time.Minute, // dispatch blocks until an offer is accepted
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		RedisGeoKey:            "drivers_geo",
		KafkaLocationTopic:     "driver-locations",
		KafkaEventsTopic:       "delivery-events",
		OfferWindow:            15 * time.Second,
		DispatchMaxAttempts:    5,
		DispatchSearchRadiusM:  5000,
		DispatchCandidateLimit: 10,
		DefaultSpeedMps:        8,
		RelayMinInterval:       time.Second,
		RecoveryInterval:       time.Minute,
		ProofFeeThreshold:      50,
		RateLimitWindow:        time.Minute,
		EventQueueSize:         1024,
		NotifyRetryAttempts:    3,
		NotifyRetryBackoff:     200 * time.Millisecond,
		LogLevel:               "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setDurationFromEnv(&cfg.OfferWindow, "OFFER_WINDOW", &errs)
	setIntFromEnv(&cfg.DispatchMaxAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	setFloatFromEnv(&cfg.DispatchSearchRadiusM, "DISPATCH_SEARCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.DispatchCandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	setDurationFromEnv(&cfg.RelayMinInterval, "RELAY_MIN_INTERVAL", &errs)
	setDurationFromEnv(&cfg.RecoveryInterval, "RECOVERY_INTERVAL", &errs)
	setFloatFromEnv(&cfg.ProofFeeThreshold, "PROOF_FEE_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.RateLimitWindow, "RATE_LIMIT_WINDOW", &errs)

	setIntFromEnv(&cfg.EventQueueSize, "EVENT_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.NotifyRetryAttempts, "NOTIFY_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.NotifyRetryBackoff, "NOTIFY_RETRY_BACKOFF", &errs)
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.OfferWindow <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_WINDOW must be > 0"))
	}
	if cfg.DispatchMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.DispatchCandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.DispatchSearchRadiusM < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_M must be >= 0"))
	}
	if cfg.RecoveryInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECOVERY_INTERVAL must be > 0"))
	}
	if cfg.RelayMinInterval <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_MIN_INTERVAL must be > 0"))
	}
	if cfg.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be > 0"))
	}
	if cfg.EventQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_QUEUE_SIZE must be > 0"))
	}
	if cfg.FCMEndpoint != "" && cfg.FCMKey == "" {
		errs = append(errs, fmt.Errorf("FCM_KEY is required when FCM_ENDPOINT is set"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the Kafka location consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	UpdateAttempts int
	UpdateBackoff  time.Duration
	LogLevel       string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load()
	cfg := ConsumerConfig{
		MetricsAddr:    ":2112",
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaTopic:     "driver-locations",
		KafkaGroup:     "delivery-dispatch-consumer",
		RedisAddr:      "localhost:6379",
		RedisGeoKey:    "drivers_geo",
		UpdateAttempts: 3,
		UpdateBackoff:  200 * time.Millisecond,
		LogLevel:       "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.UpdateAttempts, "CONSUMER_UPDATE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.UpdateBackoff, "CONSUMER_UPDATE_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.UpdateAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_UPDATE_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
