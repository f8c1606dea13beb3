package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/apishield/admission-control/models"
)

type Consumer struct {
	reader  *kafka.Reader
	handler EventHandler
	log     *zap.Logger
}

type EventHandler interface {
	HandleBreachEvent(ctx context.Context, event *models.BreachEvent) error
}

func NewConsumer(brokers []string, topic string, groupID string, handler EventHandler, log *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, handler: handler, log: log}
}

func (c *Consumer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				msg, err := c.reader.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					c.log.Error("error reading message", zap.Error(err))
					continue
				}

				var event models.BreachEvent
				if err := json.Unmarshal(msg.Value, &event); err != nil {
					c.log.Error("error unmarshaling breach event", zap.Error(err))
					continue
				}

				if err := c.handler.HandleBreachEvent(ctx, &event); err != nil {
					c.log.Error("error handling breach event",
						zap.String("event_id", event.ID.String()),
						zap.Error(err))
				}
			}
		}
	}()
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
