package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/delivery-dispatch/internal/observability"
)

// Store counts hits inside fixed windows. Incr atomically bumps the counter
// for key, starting a new window of the given length when none is open, and
// returns the count and the instant the window closes.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded is set when the store failed and the call was let through.
	Degraded bool
}

type Limiter struct {
	store  Store
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, policy Policy, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	return &Limiter{store: store, policy: policy, logger: logger, now: time.Now}
}

func (l *Limiter) Policy() Policy { return l.policy }

// Check counts one request for (actor, role, endpoint). It never returns an
// error: when the store is unreachable the request is allowed.
func (l *Limiter) Check(ctx context.Context, actorKey string, role Role, ep Endpoint) Decision {
	limit := l.policy.QuotaFor(role, ep)
	key := string(role) + ":" + string(ep) + ":" + actorKey

	count, resetAt, err := l.store.Incr(ctx, key, l.policy.Window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request", "error", err, "role", role, "endpoint", ep)
		observability.RateLimitTotal.WithLabelValues(string(role), string(ep), "degraded").Inc()
		return Decision{Allowed: true, Limit: limit, Remaining: limit, Degraded: true}
	}

	d := Decision{Limit: limit, ResetAt: resetAt}
	if count <= int64(limit) {
		d.Allowed = true
		d.Remaining = limit - int(count)
		observability.RateLimitTotal.WithLabelValues(string(role), string(ep), "allow").Inc()
		return d
	}
	d.RetryAfter = resetAt.Sub(l.now())
	if d.RetryAfter < 0 {
		d.RetryAfter = 0
	}
	observability.RateLimitTotal.WithLabelValues(string(role), string(ep), "deny").Inc()
	return d
}
