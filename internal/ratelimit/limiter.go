// Package ratelimit guards the admin HTTP surface with a per-IP request
// rate limit, backed by an in-memory store or, when Redis is
// configured, a Redis store wrapped in a circuit breaker so a flaky
// Redis never blocks admin traffic.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/strangerrelay/relaycore/internal/logging"
	"github.com/strangerrelay/relaycore/internal/metrics"
)

// breakerStore wraps a limiter.Store behind a circuit breaker, so a
// Redis outage degrades to fail-open rather than rejecting or blocking
// every admin request.
type breakerStore struct {
	inner   limiter.Store
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

func newBreakerStore(inner limiter.Store, m *metrics.Metrics) *breakerStore {
	st := gobreaker.Settings{
		Name:        "ratelimit-redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m == nil {
				return
			}
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			m.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			if to == gobreaker.StateOpen {
				m.CircuitBreakerFailures.WithLabelValues(name).Inc()
			}
		},
	}
	return &breakerStore{inner: inner, cb: gobreaker.NewCircuitBreaker(st), metrics: m}
}

// execute runs fn through the circuit breaker, recording the Redis
// operation's outcome and latency against s.metrics when set.
func (s *breakerStore) execute(fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		s.metrics.RedisOperationsTotal.WithLabelValues(outcome).Inc()
		s.metrics.RedisOperationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
	return res, err
}

func (s *breakerStore) Get(ctx context.Context, key string, rate limiter.Rate) (limiter.Context, error) {
	res, err := s.execute(func() (any, error) {
		return s.inner.Get(ctx, key, rate)
	})
	if err != nil {
		return limiter.Context{Reached: false}, err
	}
	return res.(limiter.Context), nil
}

func (s *breakerStore) Peek(ctx context.Context, key string, rate limiter.Rate) (limiter.Context, error) {
	return s.inner.Peek(ctx, key, rate)
}

func (s *breakerStore) Reset(ctx context.Context, key string, rate limiter.Rate) (limiter.Context, error) {
	return s.inner.Reset(ctx, key, rate)
}

func (s *breakerStore) Increment(ctx context.Context, key string, count int64, rate limiter.Rate) (limiter.Context, error) {
	res, err := s.execute(func() (any, error) {
		return s.inner.Increment(ctx, key, count, rate)
	})
	if err != nil {
		return limiter.Context{Reached: false}, err
	}
	return res.(limiter.Context), nil
}

// Limiter enforces the admin surface's rate limit.
type Limiter struct {
	limiter *limiter.Limiter
	metrics *metrics.Metrics
}

// New builds a Limiter allowing maxRequests per windowMs per client IP.
// redisClient may be nil, in which case an in-memory store is used.
func New(windowMs, maxRequests int, redisClient *redis.Client, m *metrics.Metrics) (*Limiter, error) {
	rate := limiter.Rate{
		Period: time.Duration(windowMs) * time.Millisecond,
		Limit:  int64(maxRequests),
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "relaycore:ratelimit:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis rate-limit store: %w", err)
		}
		store = newBreakerStore(s, m)
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using in-memory store")
	}

	return &Limiter{limiter: limiter.New(store, rate), metrics: m}, nil
}

// Middleware enforces the rate limit keyed by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lc, err := l.limiter.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Warn(ctx, "rate limiter store failed, failing open")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if l.metrics != nil {
			l.metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		}

		if lc.Reached {
			if l.metrics != nil {
				l.metrics.RateLimitExceeded.WithLabelValues(c.FullPath()).Inc()
			}
			c.Header("Retry-After", strconv.FormatInt(lc.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lc.Reset,
			})
			return
		}
		c.Next()
	}
}
