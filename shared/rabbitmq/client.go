package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection and queue topology configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	MainQueue          string
	DeadLetterQueue    string
	DelayQueue         string
	MaxPriority        int
	PrefetchCount      int
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Publishing describes how a single message is published
type Publishing struct {
	Priority    uint8
	Persistent  bool
	Delay       time.Duration
	ContentType string
	MessageID   string
	Headers     amqp.Table
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	mu          sync.Mutex
	isConnected bool
}

// NewClient creates a new RabbitMQ client and declares the job queues
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:    config,
		logger:    logger,
		closeChan: make(chan *amqp.Error, 1),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	// Publishing channel; consumers open their own.
	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to declare queues: %w", err)
	}

	// Publishes only count once the broker has taken responsibility for them.
	if err := c.channel.Confirm(false); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	go c.watchClose()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("main_queue", c.config.MainQueue),
		slog.String("dead_letter_queue", c.config.DeadLetterQueue),
		slog.String("delay_queue_prefix", c.config.DelayQueue),
		slog.Int("max_priority", c.config.MaxPriority),
	)

	return nil
}

// setup declares the priority main queue and the dead-letter queue. Delay
// queues are declared on demand, one per delay duration.
func (c *Client) setup() error {
	_, err := c.channel.QueueDeclare(
		c.config.MainQueue, // name
		true,               // durable
		false,              // auto-delete
		false,              // exclusive
		false,              // no-wait
		amqp.Table{"x-max-priority": int32(c.config.MaxPriority)},
	)
	if err != nil {
		return fmt.Errorf("failed to declare main queue: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.config.DeadLetterQueue, // name
		true,                     // durable
		false,                    // auto-delete
		false,                    // exclusive
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}

	return nil
}

// delayRoute names the delay queue holding messages for exactly d and returns
// its arguments. Each duration gets its own queue so a long delay never holds
// back a shorter one queued behind it; unused queues expire on their own.
func delayRoute(base, mainQueue string, d time.Duration) (string, amqp.Table) {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	name := base + "." + strconv.FormatInt(ms, 10)
	args := amqp.Table{
		"x-message-ttl":             ms,
		"x-expires":                 2*ms + delayQueueGrace.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": mainQueue,
	}
	return name, args
}

// delayQueueGrace keeps an idle delay queue around after its last message expired
const delayQueueGrace = time.Minute

// declareDelayQueue (re)declares the delay queue for d, which also resets its
// expiry, and returns its name
func (c *Client) declareDelayQueue(d time.Duration) (string, error) {
	name, args := delayRoute(c.config.DelayQueue, c.config.MainQueue, d)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare delay queue %q: %w", name, err)
	}
	return name, nil
}

func (c *Client) watchClose() {
	err, ok := <-c.closeChan
	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()
	if ok && err != nil {
		c.logger.Error("RabbitMQ channel closed",
			slog.Int("code", err.Code),
			slog.String("reason", err.Reason),
		)
	}
}

// Publish publishes a message to queue through the default exchange, retrying
// transport failures with exponential backoff. A delay is only honored for the
// main queue and routes the message through the delay queue for that duration.
func (c *Client) Publish(ctx context.Context, queue string, body []byte, p Publishing) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	msg := amqp.Publishing{
		ContentType:  p.ContentType,
		Body:         body,
		Priority:     p.Priority,
		MessageId:    p.MessageID,
		Headers:      p.Headers,
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
	}
	if p.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	routingKey := queue
	if p.Delay > 0 {
		if queue != c.config.MainQueue || c.config.DelayQueue == "" {
			return fmt.Errorf("delayed publish is not supported for queue %q", queue)
		}
		delayQueue, err := c.declareDelayQueue(p.Delay)
		if err != nil {
			return err
		}
		routingKey = delayQueue
	}

	return c.publishWithRetry(ctx, routingKey, msg)
}

// publishWithRetry publishes a message with retry logic and exponential backoff
func (c *Client) publishWithRetry(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	var lastErr error
	backoffDelay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		c.mu.Lock()
		confirm, err := c.channel.PublishWithDeferredConfirmWithContext(
			ctx,
			"",         // default exchange
			routingKey, // routing key
			false,      // mandatory
			false,      // immediate
			msg,
		)
		c.mu.Unlock()

		if err == nil {
			if confirm == nil {
				err = errNotConfirming
			} else {
				err = awaitConfirm(ctx, confirm)
			}
		}

		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.String("queue", routingKey),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.String("queue", routingKey),
					slog.Int("body_size", len(msg.Body)),
					slog.Int("priority", int(msg.Priority)),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return fmt.Errorf("failed to publish message: %w", ctx.Err())
			}
			backoffDelay = time.Duration(float64(backoffDelay) * backoffMult)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// confirmation is the broker's deferred answer to one publish
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

var (
	// ErrPublishNacked is returned when the broker refuses a published message
	ErrPublishNacked = errors.New("message was nacked by the broker")

	errNotConfirming = errors.New("publish was not confirmed: channel is not in confirm mode")
)

// awaitConfirm blocks until the broker acks or nacks the publish
func awaitConfirm(ctx context.Context, confirm confirmation) error {
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for publish confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

// Consume opens a dedicated channel for one consumer and starts consuming
// from queue with manual acknowledgement. The channel is closed when ctx ends,
// which also closes the returned delivery stream.
func (c *Client) Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	prefetch := c.config.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}

	// prefetch_size 0 means no byte limit; global false means per-consumer
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := ch.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := ch.Close(); err != nil && err != amqp.ErrClosed {
			c.logger.Warn("Failed to close consumer channel",
				slog.String("consumer_tag", consumerTag),
				slog.Any("error", err),
			)
		}
	}()

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetch),
	)

	return messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && err != amqp.ErrClosed {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && err != amqp.ErrClosed {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
