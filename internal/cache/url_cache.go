package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/zhejian/linkshortener/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	keyPrefix = "link:"
	scope     = "github.com/zhejian/linkshortener/internal/cache"
)

// Options tunes the cache client.
type Options struct {
	// OpTimeout bounds every Redis call. A timed out call is a miss.
	OpTimeout time.Duration
	// BreakerFailures consecutive failures open the breaker.
	BreakerFailures uint32
	// BreakerOpenDelay is how long the breaker stays open before probing again.
	BreakerOpenDelay time.Duration
}

// DefaultOptions matches the defaults in config.
var DefaultOptions = Options{
	OpTimeout:        100 * time.Millisecond,
	BreakerFailures:  5,
	BreakerOpenDelay: 10 * time.Second,
}

// URLCache maps short codes and aliases to original URLs.
//
// Redis is an optimization only. Every method swallows backend errors:
// Get reports a miss, Put and Invalidate log and return. A nil client
// disables the cache entirely.
type URLCache struct {
	client  redis.Cmdable
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	lookups metric.Int64Counter
}

// New creates a URLCache on top of client, which may be nil.
func New(client redis.Cmdable, opts Options, logger *slog.Logger) *URLCache {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOptions.OpTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = DefaultOptions.BreakerFailures
	}
	if opts.BreakerOpenDelay <= 0 {
		opts.BreakerOpenDelay = DefaultOptions.BreakerOpenDelay
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "link-cache",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &URLCache{
		client:  client,
		timeout: opts.OpTimeout,
		breaker: breaker,
		logger:  logger,
		lookups: observability.Counter(scope, "links.cache.lookups", "Link cache lookups by result"),
	}
}

// Key returns the Redis key for a short code or alias.
func Key(codeOrAlias string) string {
	return keyPrefix + codeOrAlias
}

// Get returns the cached URL for codeOrAlias. Any failure is reported as a miss.
func (c *URLCache) Get(ctx context.Context, codeOrAlias string) (string, bool) {
	if c.client == nil {
		return "", false
	}

	result, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		val, err := c.client.Get(ctx, Key(codeOrAlias)).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return val, err
	})
	if err != nil {
		c.record(ctx, "error")
		c.logger.Warn("cache get failed", "key", codeOrAlias, "error", err)
		return "", false
	}

	url, _ := result.(string)
	if url == "" {
		c.record(ctx, "miss")
		return "", false
	}
	c.record(ctx, "hit")
	return url, true
}

// Put stores url under codeOrAlias, overwriting any existing entry.
// A non-positive ttl stores nothing.
func (c *URLCache) Put(ctx context.Context, codeOrAlias, url string, ttl time.Duration) {
	if c.client == nil || ttl <= 0 {
		return
	}

	_, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.client.Set(ctx, Key(codeOrAlias), url, ttl).Err()
	})
	if err != nil {
		c.logger.Warn("cache put failed", "key", codeOrAlias, "error", err)
	}
}

// Invalidate removes the entries for the given codes and aliases.
// Empty values are skipped; missing entries are not an error.
func (c *URLCache) Invalidate(ctx context.Context, codesOrAliases ...string) {
	if c.client == nil {
		return
	}

	keys := make([]string, 0, len(codesOrAliases))
	for _, v := range codesOrAliases {
		if v != "" {
			keys = append(keys, Key(v))
		}
	}
	if len(keys) == 0 {
		return
	}

	_, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		c.logger.Warn("cache invalidate failed", "keys", keys, "error", err)
	}
}

// Ping reports whether Redis answers. It bypasses the breaker so health
// checks see the real backend state.
func (c *URLCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return errors.New("cache disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

func (c *URLCache) execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return c.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(ctx)
	})
}

func (c *URLCache) record(ctx context.Context, result string) {
	c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
