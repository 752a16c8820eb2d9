// Package broker defines the publish/consume surface the job core needs from
// a message broker, implemented by the RabbitMQ client and by Memory.
package broker

import (
	"context"

	"github.com/cuongbtq/jobcore/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderError carries the failure reason on dead-lettered messages
const HeaderError = "x-error"

// Publisher publishes a message body to a named queue
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, p rabbitmq.Publishing) error
}

// Consumer opens an independent subscription on a queue. Every delivery must
// be acknowledged or rejected through its Acknowledger.
type Consumer interface {
	Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// Broker is both a Publisher and a Consumer
type Broker interface {
	Publisher
	Consumer
}

var (
	_ Broker = (*rabbitmq.Client)(nil)
	_ Broker = (*Memory)(nil)
)
