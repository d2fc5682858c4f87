// internal/pkg/event/kafka.go
package event

import (
	"context"

	"fulfillment/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher 把事件写入事件主题，key 为订单号
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(writer *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Envelope) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, env := range events {
		raw, err := env.Encode()
		if err != nil {
			return err
		}
		key := env.OrderID
		if key == "" {
			key = env.Reference
		}
		msg := kafka.Message{
			Key:     []byte(key),
			Value:   raw,
			Headers: []kafka.Header{{Key: "event-type", Value: []byte(env.Type)}},
		}
		mq.InjectTraceContext(ctx, &msg.Headers)
		msgs = append(msgs, msg)
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
