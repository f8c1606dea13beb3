package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/apishield/admission-control/models"
)

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

// PublishBreachEvent writes one breach event to the topic, keyed by
// IP so all events for one offender land on the same partition.
func (p *Producer) PublishBreachEvent(ctx context.Context, event *models.BreachEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(event.IP),
		Value: data,
		Time:  event.Timestamp,
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer) PublishBatch(ctx context.Context, events []*models.BreachEvent) error {
	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		messages[i] = kafka.Message{
			Key:   []byte(event.IP),
			Value: data,
			Time:  event.Timestamp,
		}
	}
	return p.writer.WriteMessages(ctx, messages...)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
