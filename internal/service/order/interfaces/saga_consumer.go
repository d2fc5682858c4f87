package interfaces

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/application/saga"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

// MessageReader 由 *kafka.Reader 实现
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dispatcher 由 *saga.Dispatcher 实现
type Dispatcher interface {
	Dispatch(ctx context.Context, env event.Envelope) error
}

// SagaConsumerAdapter 是一个驱动适配器，它监听事件主题并驱动订单 saga。
// 消息按 key（订单 ID）哈希到固定通道，同一订单串行、不同订单并行；
// Offset 按拉取顺序提交，未处理完的消息之后的 Offset 不会先于它提交。
type SagaConsumerAdapter struct {
	reader         MessageReader
	topic          string
	dispatcher     Dispatcher
	failureHandler *mq.FailureHandler
	maxTries       uint
	lanes          int
	maxInFlight    int

	wg      sync.WaitGroup
	stopped atomic.Bool
}

// inflight 是一条已拉取、等待处理与提交的消息
type inflight struct {
	msg  kafka.Message
	done chan struct{}
	// skipped 为 true 表示因关闭未处理，该 Offset 及之后的都不提交
	skipped bool
}

func NewSagaConsumerAdapter(reader MessageReader, topic string, dispatcher Dispatcher, failureHandler *mq.FailureHandler) *SagaConsumerAdapter {
	return &SagaConsumerAdapter{
		reader:         reader,
		topic:          topic,
		dispatcher:     dispatcher,
		failureHandler: failureHandler,
		maxTries:       3,
		lanes:          8,
		maxInFlight:    256,
	}
}

// SetConcurrency 设置并行通道数，需在 Start 之前调用
func (a *SagaConsumerAdapter) SetConcurrency(lanes int) {
	if lanes > 0 {
		a.lanes = lanes
	}
}

// Start 开始监听Kafka主题。
func (a *SagaConsumerAdapter) Start(ctx context.Context) error {
	lanes := make([]chan *inflight, a.lanes)
	for i := range lanes {
		lanes[i] = make(chan *inflight, a.maxInFlight)
		a.wg.Add(1)
		go a.runLane(ctx, lanes[i])
	}
	commits := make(chan *inflight, a.maxInFlight)
	a.wg.Add(1)
	go a.runCommitter(ctx, commits)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			for _, l := range lanes {
				close(l)
			}
			close(commits)
		}()
		logger.Ctx(ctx).Info().Str("topic", a.topic).Int("lanes", len(lanes)).Msg("✅ Saga Consumer Adapter started.")
		for !a.stopped.Load() {
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || a.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("🛑 Saga Consumer Adapter shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("Could not read message, retrying")
				time.Sleep(time.Second)
				continue
			}

			item := &inflight{msg: msg, done: make(chan struct{})}
			// commits 满时阻塞拉取，限制在途消息数
			select {
			case commits <- item:
			case <-ctx.Done():
				return
			}
			lanes[laneOf(msg, len(lanes))] <- item
		}
	}()
	return nil
}

func laneOf(msg kafka.Message, n int) int {
	h := fnv.New32a()
	if len(msg.Key) > 0 {
		_, _ = h.Write(msg.Key)
	} else {
		_, _ = h.Write([]byte(strconv.Itoa(msg.Partition)))
	}
	return int(h.Sum32() % uint32(n))
}

func (a *SagaConsumerAdapter) runLane(ctx context.Context, queue <-chan *inflight) {
	defer a.wg.Done()
	for item := range queue {
		if ctx.Err() != nil {
			item.skipped = true
			close(item.done)
			continue
		}
		msgCtx := mq.ExtractTraceContext(ctx, item.msg.Headers)
		if err := a.processMessage(msgCtx, item.msg); err != nil {
			a.failureHandler.Handle(msgCtx, item.msg, err)
		}
		close(item.done)
	}
}

// runCommitter 按拉取顺序等待处理完成后提交
func (a *SagaConsumerAdapter) runCommitter(ctx context.Context, queue <-chan *inflight) {
	defer a.wg.Done()
	halted := false
	for item := range queue {
		<-item.done
		if item.skipped {
			halted = true
		}
		if halted {
			continue
		}
		// 无论成功或失败（已移交死信），都提交Offset
		if err := a.reader.CommitMessages(ctx, item.msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("offset", item.msg.Offset).Msg("Failed to commit messages")
		}
	}
}

// Stop 优雅地停止消费者，已拉取的消息处理完后返回。
func (a *SagaConsumerAdapter) Stop(ctx context.Context) {
	a.stopped.Store(true)
	_ = a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ Saga Consumer Adapter stopped.")
}

// processMessage 解码事件并交给 saga；瞬时错误重试，业务失败只记录，其余错误返回给死信处理
func (a *SagaConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	env, err := event.Decode(msg.Value)
	if err != nil {
		return err
	}
	if !env.Type.DrivesSaga() {
		return nil
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := a.dispatcher.Dispatch(ctx, env)
		if err != nil && !apperr.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(a.maxTries))

	if err != nil && saga.IsBusinessFailure(err) {
		logger.Ctx(ctx).Warn().Err(err).
			Str("event", string(env.Type)).
			Str("order", env.OrderID).
			Msg("Event rejected by saga, skipping")
		return nil
	}
	return err
}
