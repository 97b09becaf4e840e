package clicks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zhejian/linkshortener/internal/model"
	"github.com/zhejian/linkshortener/internal/observability"
	"golang.org/x/sync/errgroup"
)

// declareQueue declares the durable click queue on ch.
func declareQueue(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	return err
}

// openChannel opens a channel on conn and declares queue on it.
func openChannel(conn *amqp.Connection, queue string) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return ch, nil
}

// Redialer opens a new broker connection after the current one was lost.
type Redialer func(ctx context.Context) (*amqp.Connection, error)

// Publisher sends clicks to a RabbitMQ queue as JSON messages.
// It implements Handler so the Dispatcher can feed it.
//
// A closed channel is reopened on the next publish. A closed connection is
// replaced through the Redialer when one is set.
type Publisher struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	redial Redialer
	owned  bool // conn was opened by redial
	logger *slog.Logger
}

// NewPublisher opens a channel on conn and declares queue. redial may be nil.
func NewPublisher(conn *amqp.Connection, queue string, redial Redialer, logger *slog.Logger) (*Publisher, error) {
	ch, err := openChannel(conn, queue)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Publisher{conn: conn, ch: ch, queue: queue, redial: redial, logger: logger}, nil
}

// Handle publishes click as a persistent message.
func (p *Publisher) Handle(ctx context.Context, click model.ClickRequest) error {
	body, err := json.Marshal(click)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.reconnect(ctx); err != nil {
		return err
	}

	return p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// reconnect restores the channel, and the connection under it, if either
// was closed. Callers hold p.mu.
func (p *Publisher) reconnect(ctx context.Context) error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}

	if p.conn == nil || p.conn.IsClosed() {
		if p.redial == nil {
			return errors.New("amqp connection closed")
		}
		conn, err := p.redial(ctx)
		if err != nil {
			return fmt.Errorf("redial amqp: %w", err)
		}
		if p.owned && p.conn != nil {
			p.conn.Close()
		}
		p.conn, p.owned = conn, true
		p.logger.Info("amqp connection restored", "queue", p.queue)
	}

	ch, err := openChannel(p.conn, p.queue)
	if err != nil {
		return err
	}
	p.ch = ch
	p.logger.Info("amqp channel reopened", "queue", p.queue)
	return nil
}

// Close closes the publishing channel and any connection the publisher
// opened itself.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.ch != nil && !p.ch.IsClosed() {
		err = p.ch.Close()
	}
	if p.owned && p.conn != nil && !p.conn.IsClosed() {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Queue       string
	Concurrency int
	JobTimeout  time.Duration
}

// Consumer reads click messages from RabbitMQ and passes them to a Handler.
//
// Messages are acked once handled. Handler errors are logged and still
// acked, since the Recorder has already retried, unless the failure was
// caused by shutdown; those messages are requeued. Messages that are not
// valid JSON are rejected without requeue.
type Consumer struct {
	conn    *amqp.Connection
	handler Handler
	opts    ConsumerOptions
	logger  *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(conn *amqp.Connection, handler Handler, opts ConsumerOptions, logger *slog.Logger) *Consumer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Consumer{conn: conn, handler: handler, opts: opts, logger: logger}
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareQueue(ch, c.opts.Queue); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.opts.Queue, err)
	}
	if err := ch.Qos(c.opts.Concurrency*2, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.opts.Queue,
		"",    // consumer tag
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.opts.Queue, err)
	}

	c.logger.Info("consuming clicks", "queue", c.opts.Queue, "concurrency", c.opts.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					c.process(gctx, d)
				}
			}
		})
	}
	return g.Wait()
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	var click model.ClickRequest
	if err := json.Unmarshal(d.Body, &click); err != nil || click.Code == "" {
		c.logger.Warn("rejecting malformed click message", "error", err)
		if nerr := d.Nack(false, false); nerr != nil {
			c.logger.Error("nack failed", "error", nerr)
		}
		return
	}

	hctx, cancel := context.WithTimeout(ctx, c.opts.JobTimeout)
	defer cancel()

	if err := c.handler.Handle(hctx, click); err != nil {
		if ctx.Err() != nil {
			c.logger.Info("requeueing click interrupted by shutdown", "code", click.Code)
			if nerr := d.Nack(false, true); nerr != nil {
				c.logger.Error("nack failed", "code", click.Code, "error", nerr)
			}
			return
		}
		c.logger.Warn("click not recorded", "code", click.Code, "error", err)
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", "code", click.Code, "error", err)
	}
}
