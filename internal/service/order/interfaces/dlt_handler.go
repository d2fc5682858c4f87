// internal/service/order/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"sync"
	"sync/atomic"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
)

// DltConsumerAdapter 监听死信队列并记录日志
type DltConsumerAdapter struct {
	reader  MessageReader
	topic   string
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewDltConsumerAdapter(reader MessageReader, topic string) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader, topic: topic}
}

func (a *DltConsumerAdapter) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter started.")
		for !a.stopped.Load() {
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || a.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("🛑 DLT Consumer Adapter shutting down.")
					return
				}
				continue
			}

			logDeadLetter(mq.ExtractTraceContext(ctx, msg.Headers), msg)

			// DLT中的消息总是直接提交，因为它们已经被“处理”了（即记录日志）
			_ = a.reader.CommitMessages(ctx, msg)
		}
	}()
	return nil
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	a.stopped.Store(true)
	_ = a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter stopped.")
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", headers[mq.HeaderOriginalTopic]).
		Str("original_partition", headers[mq.HeaderOriginalPartition]).
		Str("original_offset", headers[mq.HeaderOriginalOffset]).
		Str("exception_fqcn", headers[mq.HeaderExceptionFqcn]).
		Str("exception_message", headers[mq.HeaderExceptionMessage]).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
}
