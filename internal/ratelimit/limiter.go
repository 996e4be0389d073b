// Package ratelimit enforces per-route call admission using counters in
// the shared expiring store. Two independent checks combine with
// short-circuit OR: a minimum-call-gap check and a max-calls-per-cycle
// check. No limiter state lives in process; a gateway restart loses
// nothing.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maxvoron/edgegate/internal/router"
	"github.com/maxvoron/edgegate/internal/store"
	"github.com/maxvoron/edgegate/internal/util"
)

// Store key prefixes. Both counters are keyed by the hash of
// fingerprint+routeKey so one caller's counters never collide with
// another's.
const (
	surplusPrefix = "Surplus:"
	limitPrefix   = "Limit:"
)

// Prometheus metrics for limiter decisions
var (
	rateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"check", "decision"},
	)

	rateLimitErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_errors_total",
			Help: "Total number of rate limit store errors",
		},
	)
)

// gapScript performs the gap check in one atomic round trip.
//
// KEYS[1] = Surplus:<hash>
// ARGV[1] = now in unix milliseconds
// ARGV[2] = gap in seconds
//
// Absent key: store now with TTL=gap and allow. Present key: deny; if the
// stored timestamp is under one second old, overwrite it with now as a
// penalty, extending the window.
var gapScript = redis.NewScript(`
	local val = redis.call('GET', KEYS[1])
	if not val then
		redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
		return 1
	end
	if tonumber(ARGV[1]) - tonumber(val) < 1000 then
		redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
	end
	return 0
`)

// cycleScript performs the cycle check in one atomic round trip.
//
// KEYS[1] = Limit:<hash>
// ARGV[1] = max calls per cycle
// ARGV[2] = cycle in seconds
//
// Absent key: store count=1 with TTL=cycle and allow. Present key: deny
// when count > max, otherwise increment (INCR preserves the remaining TTL)
// and allow. The comparison happens before the increment, so max+1 calls
// pass before the first denial. That off-by-one is load-bearing for
// existing route configurations and is reproduced deliberately.
var cycleScript = redis.NewScript(`
	local val = redis.call('GET', KEYS[1])
	if not val then
		redis.call('SET', KEYS[1], 1, 'EX', ARGV[2])
		return 1
	end
	if tonumber(val) > tonumber(ARGV[1]) then
		return 0
	end
	redis.call('INCR', KEYS[1])
	return 1
`)

// Result is the outcome of an admission check.
type Result struct {
	// Allowed indicates whether the call is admitted.
	Allowed bool

	// Message is the route's denial message when the call is denied.
	Message string
}

// Limiter enforces gap and cycle limits against the shared store.
type Limiter struct {
	store  *store.RedisStore
	logger *zap.Logger
}

// NewLimiter creates a limiter backed by the shared store.
func NewLimiter(s *store.RedisStore, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: s, logger: logger}
}

// Admit runs the gap check then the cycle check for one (route, caller)
// pair. The first denying check wins. A store failure surfaces as an error
// rather than an allow: the pipeline decides what failing open or closed
// means, the limiter does not guess.
func (l *Limiter) Admit(ctx context.Context, routeKey, fingerprint string, route *router.Route) (*Result, error) {
	hash := util.MD5Hex(fingerprint + routeKey)

	if route.LimitGap > 0 {
		allowed, err := l.gapCheck(ctx, hash, route.LimitGap)
		if err != nil {
			rateLimitErrorsTotal.Inc()
			return nil, fmt.Errorf("gap check failed: %w", err)
		}
		if !allowed {
			rateLimitDecisionsTotal.WithLabelValues("gap", "denied").Inc()
			return &Result{Allowed: false, Message: route.Message}, nil
		}
		rateLimitDecisionsTotal.WithLabelValues("gap", "allowed").Inc()
	}

	if route.LimitCycle > 0 && route.LimitMax > 0 {
		allowed, err := l.cycleCheck(ctx, hash, route.LimitMax, route.LimitCycle)
		if err != nil {
			rateLimitErrorsTotal.Inc()
			return nil, fmt.Errorf("cycle check failed: %w", err)
		}
		if !allowed {
			rateLimitDecisionsTotal.WithLabelValues("cycle", "denied").Inc()
			return &Result{Allowed: false, Message: route.Message}, nil
		}
		rateLimitDecisionsTotal.WithLabelValues("cycle", "allowed").Inc()
	}

	return &Result{Allowed: true}, nil
}

// gapCheck enforces the minimum interval between calls.
func (l *Limiter) gapCheck(ctx context.Context, hash string, gapSeconds int) (bool, error) {
	now := time.Now().UnixMilli()

	result, err := gapScript.Run(ctx, l.store.Client(),
		[]string{surplusPrefix + hash},
		now,
		gapSeconds,
	).Int64()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

// cycleCheck enforces the maximum call count per cycle.
func (l *Limiter) cycleCheck(ctx context.Context, hash string, max, cycleSeconds int) (bool, error) {
	result, err := cycleScript.Run(ctx, l.store.Client(),
		[]string{limitPrefix + hash},
		max,
		cycleSeconds,
	).Int64()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}
