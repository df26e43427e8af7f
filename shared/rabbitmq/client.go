package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection and topology configuration
type Config struct {
	Host          string
	Port          int
	User          string
	Password      string
	VHost         string
	ExchangeName  string
	ExchangeType  string
	QueueName     string
	RoutingKey    string
	MaxPriority   uint8
	Durable       bool
	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration
}

// Client represents a RabbitMQ client. It owns one connection shared by the
// publisher channel and any number of per-worker consumer channels.
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected bool
}

// NewClient creates a new RabbitMQ client and declares the exchange, the
// priority queue, and the binding between them.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:      config,
		logger:      logger,
		closeChan:   make(chan *amqp.Error),
		isConnected: false,
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

	for attempt := 1; attempt <= c.config.RetryAttempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.RetryAttempts),
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

		if attempt < c.config.RetryAttempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", c.config.RetryAttempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	c.closeChan = make(chan *amqp.Error)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.Int("max_priority", int(c.config.MaxPriority)),
	)

	return nil
}

// setup declares exchange, priority queue, and binding
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,
		c.config.ExchangeType,
		c.config.Durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	var args amqp.Table
	if c.config.MaxPriority > 0 {
		args = amqp.Table{"x-max-priority": int32(c.config.MaxPriority)}
	}

	_, err = c.channel.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.QueueName,
		c.config.RoutingKey,
		c.config.ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// Publish publishes a persistent message with the given broker priority.
// Higher priority values are delivered first.
func (c *Client) Publish(ctx context.Context, body []byte, priority uint8) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	err := c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName,
		c.config.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Timestamp:    time.Now(),
		},
	)

	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.Int("body_size", len(body)),
		slog.Int("priority", int(priority)),
	)

	return nil
}

// Consumer wraps a dedicated channel consuming from the client's queue.
// Each worker gets its own Consumer so QoS and cancellation are independent.
type Consumer struct {
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	tag        string
	logger     *slog.Logger
}

// NewConsumer opens a dedicated channel with the given prefetch count and
// starts consuming from the queue under the given consumer tag.
func (c *Client) NewConsumer(tag string, prefetch int) (*Consumer, error) {
	if !c.isConnected {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	channel, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	if err := channel.Qos(prefetch, 0, false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := channel.Consume(
		c.config.QueueName,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("RabbitMQ consumer started",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", tag),
		slog.Int("prefetch", prefetch),
	)

	return &Consumer{
		channel:    channel,
		deliveries: deliveries,
		tag:        tag,
		logger:     c.logger,
	}, nil
}

// Deliveries returns the delivery stream for this consumer.
func (cs *Consumer) Deliveries() <-chan amqp.Delivery {
	return cs.deliveries
}

// Cancel stops delivery to this consumer and closes its channel. The current
// job should be finished and acked before calling Cancel.
func (cs *Consumer) Cancel() error {
	if err := cs.channel.Cancel(cs.tag, false); err != nil {
		cs.channel.Close()
		return fmt.Errorf("failed to cancel consumer %s: %w", cs.tag, err)
	}
	if err := cs.channel.Close(); err != nil {
		return fmt.Errorf("failed to close consumer channel %s: %w", cs.tag, err)
	}
	cs.logger.Info("RabbitMQ consumer stopped", slog.String("consumer_tag", cs.tag))
	return nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
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
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
