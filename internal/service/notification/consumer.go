package notification

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MessageReader 由 *kafka.Reader 实现
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Pusher 由 *Hub 实现
type Pusher interface {
	Push(userID string, payload []byte) int
}

// envelope 只解析路由所需的字段，消息体原样推送
type envelope struct {
	Kind    string `json:"kind"`
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
}

// PushConsumer 消费通知主题并推送给本节点的在线用户。
// 每个网关节点使用独立的消费组，所有节点都能收到全部消息，只推送自己持有的连接。
type PushConsumer struct {
	reader MessageReader
	topic  string
	pusher Pusher
	tracer trace.Tracer

	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewPushConsumer(reader MessageReader, topic string, pusher Pusher) *PushConsumer {
	return &PushConsumer{
		reader: reader,
		topic:  topic,
		pusher: pusher,
		tracer: otel.Tracer("notification-gateway"),
	}
}

func (c *PushConsumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", c.topic).Msg("✅ Notification consumer started.")
		for !c.stopped.Load() {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || c.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("🛑 Notification consumer shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("Could not read notification, retrying")
				time.Sleep(time.Second)
				continue
			}
			c.process(mq.ExtractTraceContext(ctx, msg.Headers), msg)
			// 推送是尽力而为，离线用户的消息不重放
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit notification")
			}
		}
	}()
	return nil
}

func (c *PushConsumer) Stop(ctx context.Context) {
	c.stopped.Store(true)
	_ = c.reader.Close()
	c.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", c.topic).Msg("✅ Notification consumer stopped.")
}

func (c *PushConsumer) process(ctx context.Context, msg kafka.Message) {
	ctx, span := c.tracer.Start(ctx, "notification.Push",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.message.offset", msg.Offset),
		))
	defer span.End()

	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || env.UserID == "" {
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, "malformed notification")
		logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("Dropping malformed notification")
		metrics.NotificationsPushed.WithLabelValues("malformed").Inc()
		return
	}
	span.SetAttributes(attribute.String("user.id", env.UserID), attribute.String("notification.kind", env.Kind))

	n := c.pusher.Push(env.UserID, msg.Value)
	if n == 0 {
		logger.Ctx(ctx).Debug().Str("user", env.UserID).Str("kind", env.Kind).Msg("User offline, notification dropped")
		metrics.NotificationsPushed.WithLabelValues("offline").Inc()
		return
	}
	logger.Ctx(ctx).Info().
		Str("user", env.UserID).
		Str("order", env.OrderID).
		Str("kind", env.Kind).
		Int("connections", n).
		Msg("Notification pushed")
	metrics.NotificationsPushed.WithLabelValues("delivered").Inc()
}
