package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/pkg/log"
	"github.com/segmentio/kafka-go"
)

// Consumer reads messages from one topic as part of a consumer group and
// dispatches them to handlers registered by message key.
type Consumer struct {
	Config   *cfg.Config
	Logger   log.Logger
	reader   *kafka.Reader
	handlers map[string]func([]byte) error
}

func NewConsumer(config *cfg.Config, logger log.Logger, topic, groupID string) *Consumer {
	if len(config.Kafka.Brokers) == 0 {
		panic("no kafka brokers configured")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Kafka.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		StartOffset:    kafka.FirstOffset,
		RetentionTime:  7 * 24 * time.Hour,
		CommitInterval: time.Second,
	})

	return &Consumer{
		Config:   config,
		Logger:   logger,
		reader:   reader,
		handlers: make(map[string]func([]byte) error),
	}
}

// RegisterHandler binds a handler to a message key. Register everything
// before calling Start; the map is not guarded.
func (c *Consumer) RegisterHandler(key string, handler func([]byte) error) {
	c.handlers[key] = handler
}

// Start consumes until the context is cancelled. A handler error is logged
// and the message is committed anyway; redelivery is not attempted.
func (c *Consumer) Start(ctx context.Context) error {
	c.Logger.Info(ctx, "Starting kafka consumer for topic %s", c.reader.Config().Topic)

	for {
		message, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return c.reader.Close()
			}
			c.Logger.Error(ctx, "Failed to read message: %v", err)
			continue
		}

		key := string(message.Key)
		handler, ok := c.handlers[key]
		if !ok {
			c.Logger.Warn(ctx, "No handler registered for message key %s", key)
			continue
		}
		if err := handler(message.Value); err != nil {
			c.Logger.Error(ctx, "Handler for key %s failed: %v", key, err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
