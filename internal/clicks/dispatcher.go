package clicks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhejian/linkshortener/internal/model"
	"github.com/zhejian/linkshortener/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrDispatcherClosed is returned by Shutdown when called twice.
var ErrDispatcherClosed = errors.New("click dispatcher already shut down")

// DispatcherOptions sizes the worker pool.
type DispatcherOptions struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// Dispatcher runs clicks through a Handler on a fixed pool of workers.
//
// The queue is bounded. When it is full, Dispatch drops the new click
// instead of blocking the redirect.
type Dispatcher struct {
	handler    Handler
	jobs       chan model.ClickRequest
	workers    int
	jobTimeout time.Duration
	logger     *slog.Logger
	dispatched metric.Int64Counter

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Call Start before dispatching.
func NewDispatcher(handler Handler, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler:    handler,
		jobs:       make(chan model.ClickRequest, opts.QueueSize),
		workers:    opts.Workers,
		jobTimeout: opts.JobTimeout,
		logger:     logger,
		dispatched: observability.Counter(scope, "links.clicks.dispatched", "Clicks handed to the dispatcher by outcome"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Dispatch enqueues click without blocking. It returns false when the
// click was dropped because the queue is full or the dispatcher is shut down.
func (d *Dispatcher) Dispatch(click model.ClickRequest) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(click, "shutdown")
		return false
	}

	select {
	case d.jobs <- click:
		d.dispatched.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "accepted")))
		return true
	default:
		d.drop(click, "queue full")
		return false
	}
}

// Shutdown stops intake and waits for queued clicks to be handled.
// If ctx ends first, in-flight handlers are cancelled and ctx.Err is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Pending returns the number of queued clicks.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for click := range d.jobs {
		d.handle(click)
	}
}

func (d *Dispatcher) handle(click model.ClickRequest) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("click handler panicked", "code", click.Code, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(d.ctx, d.jobTimeout)
	defer cancel()

	if err := d.handler.Handle(ctx, click); err != nil {
		d.logger.Warn("click not recorded", "code", click.Code, "error", err)
	}
}

func (d *Dispatcher) drop(click model.ClickRequest, reason string) {
	d.dispatched.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "dropped")))
	d.logger.Warn("click dropped", "code", click.Code, "reason", reason)
}
