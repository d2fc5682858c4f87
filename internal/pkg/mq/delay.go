// internal/pkg/mq/delay.go
package mq

import (
	"context"
	"sync"
	"time"

	"fulfillment/internal/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// 延迟消息的路由头部：到期后转发到 real-topic
const (
	HeaderRealTopic      = "real-topic"
	HeaderDelayTimestamp = "delay-timestamp"
)

// DelayReader 由 *kafka.Reader 实现
type DelayReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// DelayRelay 消费延迟主题，消息到期后投递到 real-topic 再提交 offset。
// 延迟主题内的消息按到期时间有序写入，所以只需等待队头消息。
type DelayRelay struct {
	reader    DelayReader
	newWriter func(topic string) MessageWriter
	now       func() time.Time
	tracer    trace.Tracer

	writerLock sync.Mutex
	writers    map[string]MessageWriter
}

// NewDelayRelay 创建转发器；newWriter 为每个真实主题创建一次 writer
func NewDelayRelay(reader DelayReader, newWriter func(topic string) MessageWriter) *DelayRelay {
	return &DelayRelay{
		reader:    reader,
		newWriter: newWriter,
		now:       time.Now,
		tracer:    otel.Tracer("delay-scheduler"),
		writers:   make(map[string]MessageWriter),
	}
}

// Run 阻塞直到 ctx 取消
func (r *DelayRelay) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("✅ Delay relay started")
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Delay relay shutting down")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("Could not read delayed message, retrying")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		if err := r.relay(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (r *DelayRelay) relay(parentCtx context.Context, msg kafka.Message) error {
	ctx, span := r.tracer.Start(ExtractTraceContext(parentCtx, msg.Headers), "scheduler.Relay",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", msg.Topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
		))
	defer span.End()

	realTopic := Header(msg.Headers, HeaderRealTopic)
	if realTopic == "" {
		logger.Ctx(ctx).Error().Int64("offset", msg.Offset).Msg("Delayed message without real-topic header, dropping")
		return r.reader.CommitMessages(ctx, msg)
	}
	span.SetAttributes(attribute.String("real.topic", realTopic))

	due, err := time.Parse(time.RFC3339, Header(msg.Headers, HeaderDelayTimestamp))
	if err != nil {
		// 没有到期时间的消息立即投递
		logger.Ctx(ctx).Warn().Err(err).Int64("offset", msg.Offset).Msg("Invalid delay-timestamp header, delivering now")
		due = r.now()
	}
	if wait := due.Sub(r.now()); wait > 0 {
		span.AddEvent("HeadMessageNotDue", trace.WithAttributes(attribute.String("due", due.Format(time.RFC3339))))
		if !sleep(parentCtx, wait) {
			return parentCtx.Err()
		}
	}

	// 投递失败不能提交 offset，一直重试直到成功或退出
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	for {
		err := r.publish(ctx, realTopic, msg)
		if err == nil {
			break
		}
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Str("topic", realTopic).Msg("Failed to publish delayed message, retrying")
		if !sleep(parentCtx, b.NextBackOff()) {
			span.SetStatus(codes.Error, "Failed to publish to real topic")
			return parentCtx.Err()
		}
	}

	if err := r.reader.CommitMessages(ctx, msg); err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit delayed message after publish")
	}
	span.AddEvent("MessagePublishedAndCommitted")
	return nil
}

// publish 将消息投递到真实业务主题，保留 key 和业务头部
func (r *DelayRelay) publish(ctx context.Context, realTopic string, msg kafka.Message) error {
	r.writerLock.Lock()
	writer, ok := r.writers[realTopic]
	if !ok {
		writer = r.newWriter(realTopic)
		r.writers[realTopic] = writer
	}
	r.writerLock.Unlock()

	out := kafka.Message{Key: msg.Key, Value: msg.Value}
	for _, h := range msg.Headers {
		if h.Key != HeaderRealTopic && h.Key != HeaderDelayTimestamp {
			out.Headers = append(out.Headers, h)
		}
	}
	InjectTraceContext(ctx, &out.Headers)
	return writer.WriteMessages(ctx, out)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
