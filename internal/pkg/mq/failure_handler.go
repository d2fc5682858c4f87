// internal/pkg/mq/failure_handler.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"fulfillment/internal/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// 死信消息携带的原始位置与异常信息
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
)

// DeadLetterWriter 是写入死信主题的 MessageWriter
type DeadLetterWriter = MessageWriter

// FailureHandler 把无法处理的消息转移到死信主题，保证消费者不被毒消息阻塞
type FailureHandler struct {
	dlt DeadLetterWriter
}

func NewFailureHandler(dlt DeadLetterWriter) *FailureHandler {
	return &FailureHandler{dlt: dlt}
}

func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) {
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", cause))},
		kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
	)
	err := h.dlt.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("topic", msg.Topic).
			Int64("offset", msg.Offset).
			Msg("CRITICAL: failed to move message to dead letter topic")
		return
	}
	logger.Ctx(ctx).Warn().Err(cause).Str("topic", msg.Topic).Int64("offset", msg.Offset).Msg("Message moved to dead letter topic")
}
