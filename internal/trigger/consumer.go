package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JonMunkholm/csvrouter/internal/core"
)

// Channel is the part of *amqp.Channel the consumer uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Consumer turns queued S3 event notifications into runs.
type Consumer struct {
	ch       Channel
	queue    string
	prefetch int
	runner   Runner
	log      *slog.Logger
}

// NewConsumer returns a Consumer reading queue through ch.
func NewConsumer(ch Channel, queue string, prefetch int, runner Runner, log *slog.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		ch:       ch,
		queue:    queue,
		prefetch: prefetch,
		runner:   runner,
		log:      log.With("queue", queue),
	}
}

// Dial connects to the broker and opens one channel. Close the connection
// to release both.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return conn, ch, nil
}

// Run declares the queue and consumes until ctx is cancelled or the
// delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if _, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	deliveries, err := c.ch.Consume(
		c.queue,
		"",    // consumer tag (empty for auto-generated)
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.log.Info("consumer started", "prefetch", c.prefetch)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery: ack once every run has started, nack
// without requeue for a malformed message, nack with requeue when the
// service is busy or shutting down.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	log := c.log.With("delivery_tag", d.DeliveryTag)

	objects, err := ParseS3Event(d.Body)
	if err != nil {
		log.Warn("dropping malformed event", "error", err)
		c.settle(log, d.Nack(false, false))
		return
	}

	ctx = core.ContextWithOrigin(ctx, core.Origin{Kind: core.OriginQueue, Client: c.queue})
	ids, err := Dispatch(ctx, c.runner, objects)
	if err != nil {
		requeue := errors.Is(err, core.ErrTooManyRuns) || ctx.Err() != nil
		// Runs already started are not undone; a redelivery restarts them
		// and the partition cleanup keeps the outputs consistent.
		log.Warn("event not dispatched", "error", err, "started", len(ids), "requeue", requeue)
		c.settle(log, d.Nack(false, requeue))
		return
	}

	log.Info("event dispatched", "objects", len(objects), "run_ids", ids)
	c.settle(log, d.Ack(false))
}

func (c *Consumer) settle(log *slog.Logger, err error) {
	if err != nil {
		log.Error("failed to settle delivery", "error", err)
	}
}
