package kafka

import (
	"context"
	"encoding/json"
	"log"

	"github.com/segmentio/kafka-go"
)

// MessageHandler processes one security event message; the archival handler
// lives in the repository package.
type MessageHandler interface {
	HandleSecurityEvent(ctx context.Context, msg *Message) error
}

// Consumer drains the abuse-events topic inside a consumer group.
type Consumer struct {
	reader  *kafka.Reader
	handler MessageHandler
	logger  *log.Logger
}

func NewConsumer(brokers []string, topic string, groupID string, handler MessageHandler, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	return &Consumer{
		reader:  reader,
		handler: handler,
		logger:  logger,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				raw, err := c.reader.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					c.logger.Printf("error reading message: %v", err)
					continue
				}

				var msg Message
				if err := json.Unmarshal(raw.Value, &msg); err != nil {
					c.logger.Printf("error unmarshaling security event: %v", err)
					continue
				}

				if err := c.handler.HandleSecurityEvent(ctx, &msg); err != nil {
					c.logger.Printf("error handling security event: %v", err)
				}
			}
		}
	}()
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
