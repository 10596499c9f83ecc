package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bskmt/risk-engine/events"
)

// Producer publishes security events to the abuse-events topic, keyed by IP
// so all events for one address land in the same partition.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &Producer{writer: writer}
}

// PublishSecurityEvent satisfies events.Publisher.
func (p *Producer) PublishSecurityEvent(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(messageFromEvent(event))
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.IP),
		Value: data,
		Time:  time.Now(),
	}

	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
