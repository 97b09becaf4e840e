package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zhejian/linkshortener/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	keyPrefix = "ratelimit:"
	scope     = "github.com/zhejian/linkshortener/internal/ratelimit"

	backendRedis = "redis"
	backendLocal = "local"
)

// fixedWindowScript increments the window counter and starts the window
// expiry on the first hit. Running it as one script keeps concurrent
// callers from observing a counter without a TTL.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// Options configures a Limiter.
type Options struct {
	Limit     int64
	Window    time.Duration
	OpTimeout time.Duration
}

// Limiter is a fixed-window counter keyed by subject.
//
// When Redis fails or times out, decisions come from an in-process
// fixed window with the same limit, so each instance still enforces the
// limit on its own share of traffic.
type Limiter struct {
	client    redis.Cmdable
	limit     int64
	window    time.Duration
	timeout   time.Duration
	local     *localWindow
	logger    *slog.Logger
	decisions metric.Int64Counter
}

// New creates a Limiter. A nil client uses the local window only.
func New(client redis.Cmdable, opts Options, logger *slog.Logger) *Limiter {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 100 * time.Millisecond
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Limiter{
		client:    client,
		limit:     opts.Limit,
		window:    opts.Window,
		timeout:   opts.OpTimeout,
		local:     newLocalWindow(opts.Window, time.Now),
		logger:    logger,
		decisions: observability.Counter(scope, "links.ratelimit.decisions", "Rate limit decisions by outcome and backend"),
	}
}

// Allow counts one action for subject and reports whether it is within
// the limit for the current window.
func (l *Limiter) Allow(ctx context.Context, subject string) bool {
	if l.client != nil {
		count, err := l.incrRemote(ctx, subject)
		if err == nil {
			return l.decide(ctx, count, backendRedis)
		}
		l.logger.Warn("rate limiter backend unavailable, using local window", "subject", subject, "error", err)
	}
	return l.decide(ctx, l.local.incr(subject), backendLocal)
}

func (l *Limiter) incrRemote(ctx context.Context, subject string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	return fixedWindowScript.Run(ctx, l.client, []string{keyPrefix + subject}, l.window.Milliseconds()).Int64()
}

func (l *Limiter) decide(ctx context.Context, count int64, backend string) bool {
	allowed := count <= l.limit
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	l.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("backend", backend),
	))
	return allowed
}

// localWindow is the per-process fallback counter.
type localWindow struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[string]*windowEntry
	swept   time.Time
}

type windowEntry struct {
	start time.Time
	count int64
}

func newLocalWindow(window time.Duration, now func() time.Time) *localWindow {
	return &localWindow{
		window:  window,
		now:     now,
		entries: make(map[string]*windowEntry),
		swept:   now(),
	}
}

func (w *localWindow) incr(subject string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if now.Sub(w.swept) >= w.window {
		for k, e := range w.entries {
			if now.Sub(e.start) >= w.window {
				delete(w.entries, k)
			}
		}
		w.swept = now
	}

	e, ok := w.entries[subject]
	if !ok || now.Sub(e.start) >= w.window {
		e = &windowEntry{start: now}
		w.entries[subject] = e
	}
	e.count++
	return e.count
}
