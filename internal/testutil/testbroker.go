package testutil

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/zhejian/linkshortener/internal/infra"
)

// TestBroker holds a RabbitMQ container and an open connection to it
type TestBroker struct {
	Conn      *amqp.Connection
	URL       string
	container *rabbitmq.RabbitMQContainer
}

// SetupTestBroker starts a RabbitMQ container and connects to it
func SetupTestBroker(ctx context.Context) (*TestBroker, error) {
	container, err := rabbitmq.Run(ctx, "rabbitmq:3.13-management-alpine")
	if err != nil {
		return nil, err
	}

	url, err := container.AmqpURL(ctx)
	if err != nil {
		if terr := container.Terminate(ctx); terr != nil {
			err = terr
		}
		return nil, err
	}

	conn, err := infra.NewAMQPConnection(ctx, url)
	if err != nil {
		if terr := container.Terminate(ctx); terr != nil {
			err = terr
		}
		return nil, err
	}

	return &TestBroker{Conn: conn, URL: url, container: container}, nil
}

// PurgeQueue drops every message waiting in queue, if it exists.
func (t *TestBroker) PurgeQueue(queue string) {
	if t == nil || t.Conn == nil {
		return
	}
	ch, err := t.Conn.Channel()
	if err != nil {
		return
	}
	defer ch.Close()
	_, _ = ch.QueuePurge(queue, false)
}

// Teardown closes the connection and terminates the container
func (t *TestBroker) Teardown(ctx context.Context) {
	if t.Conn != nil {
		t.Conn.Close()
	}
	if t.container != nil {
		if err := t.container.Terminate(ctx); err != nil {
			return
		}
	}
}
