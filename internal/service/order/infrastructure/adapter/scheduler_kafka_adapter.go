package adapter

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
)

// SchedulerKafkaAdapter 实现了 port.DelayScheduler 接口。
// OrderExpired 事件先写入延迟主题，由 delay-scheduler 在到期后投递到事件主题。
type SchedulerKafkaAdapter struct {
	delayWriter mq.MessageWriter
	realTopic   string
}

// NewSchedulerKafkaAdapter 创建一个新的延迟任务调度器适配器。
func NewSchedulerKafkaAdapter(delayWriter mq.MessageWriter, realTopic string) *SchedulerKafkaAdapter {
	return &SchedulerKafkaAdapter{delayWriter: delayWriter, realTopic: realTopic}
}

func (a *SchedulerKafkaAdapter) ScheduleOrderExpiry(ctx context.Context, orderID string, at time.Time) error {
	expired, err := event.New(event.OrderExpired, orderID, nil)
	if err != nil {
		return err
	}
	expired.Reason = "payment window elapsed"
	value, err := expired.Encode()
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(orderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: mq.HeaderRealTopic, Value: []byte(a.realTopic)},
			{Key: mq.HeaderDelayTimestamp, Value: []byte(at.UTC().Format(time.RFC3339))},
		},
	}
	mq.InjectTraceContext(ctx, &msg.Headers)

	if err := a.delayWriter.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("schedule expiry of order %s: %w", orderID, err)
	}
	return nil
}
