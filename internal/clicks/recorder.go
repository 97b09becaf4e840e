package clicks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zhejian/linkshortener/internal/model"
	"github.com/zhejian/linkshortener/internal/observability"
	"github.com/zhejian/linkshortener/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scope = "github.com/zhejian/linkshortener/internal/clicks"

var tracer = observability.Tracer(scope)

// Handler processes one click. Dispatcher workers and the broker
// consumer both feed clicks into a Handler.
type Handler interface {
	Handle(ctx context.Context, click model.ClickRequest) error
}

// LinkCounter finds links and bumps their click counter.
type LinkCounter interface {
	FindByCodeOrAlias(ctx context.Context, value string) (*model.Link, error)
	IncrementClickCount(ctx context.Context, id uuid.UUID) error
}

// EventStore persists click events.
type EventStore interface {
	Insert(ctx context.Context, event *model.ClickEvent) error
}

// Locator maps an IP address to a country name.
type Locator interface {
	Country(ctx context.Context, ip string) string
}

// RecorderOptions configures retries of the two writes.
type RecorderOptions struct {
	Retries int
	Backoff time.Duration
}

// Recorder turns a click into a stored event and a counter increment.
type Recorder struct {
	links    LinkCounter
	events   EventStore
	geo      Locator
	retries  int
	backoff  time.Duration
	logger   *slog.Logger
	recorded metric.Int64Counter
}

// NewRecorder creates a Recorder.
func NewRecorder(links LinkCounter, events EventStore, geo Locator, opts RecorderOptions, logger *slog.Logger) *Recorder {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Recorder{
		links:    links,
		events:   events,
		geo:      geo,
		retries:  opts.Retries,
		backoff:  opts.Backoff,
		logger:   logger,
		recorded: observability.Counter(scope, "links.clicks.recorded", "Click recordings by outcome"),
	}
}

// Handle records click. Clicks for unknown links are dropped without
// error. The event insert and the counter increment are retried
// independently, so one may succeed while the other fails.
func (r *Recorder) Handle(ctx context.Context, click model.ClickRequest) error {
	ctx, span := tracer.Start(ctx, "clicks.record")
	defer span.End()
	span.SetAttributes(attribute.String("link.code", click.Code))

	link, err := r.links.FindByCodeOrAlias(ctx, click.Code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.logger.Debug("click for unknown link dropped", "code", click.Code)
			return nil
		}
		r.record(ctx, "error")
		return fmt.Errorf("find link %q: %w", click.Code, err)
	}

	clickedAt := click.ClickedAt
	if clickedAt.IsZero() {
		clickedAt = time.Now().UTC()
	}

	event := &model.ClickEvent{
		ID:         uuid.New(),
		LinkID:     link.ID,
		ClickedAt:  clickedAt,
		IPAddress:  click.IP,
		UserAgent:  click.UserAgent,
		Referer:    click.Referer,
		Country:    r.country(ctx, click.IP),
		DeviceType: DeviceType(click.UserAgent),
		Browser:    Browser(click.UserAgent),
	}

	insertErr := r.retry(ctx, func(ctx context.Context) error {
		return r.events.Insert(ctx, event)
	})
	if insertErr != nil {
		r.logger.Warn("click event not stored", "link_id", link.ID, "error", insertErr)
	}

	incrErr := r.retry(ctx, func(ctx context.Context) error {
		return r.links.IncrementClickCount(ctx, link.ID)
	})
	if incrErr != nil {
		r.logger.Warn("click counter not incremented", "link_id", link.ID, "error", incrErr)
	}

	if err := errors.Join(insertErr, incrErr); err != nil {
		r.record(ctx, "error")
		span.RecordError(err)
		return err
	}
	r.record(ctx, "ok")
	return nil
}

func (r *Recorder) country(ctx context.Context, ip string) string {
	if r.geo == nil {
		return model.CountryUnknown
	}
	return r.geo.Country(ctx, ip)
}

// retry runs fn up to r.retries times with linearly growing pauses.
func (r *Recorder) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.retries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == r.retries {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * r.backoff):
		}
	}
	return err
}

func (r *Recorder) record(ctx context.Context, outcome string) {
	r.recorded.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
