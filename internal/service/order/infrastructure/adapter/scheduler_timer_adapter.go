package adapter

import (
	"context"
	"sync"
	"time"

	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/logger"
)

// SchedulerTimerAdapter 在进程内用定时器投递 OrderExpired，单机部署时替代延迟主题。
// 进程重启会丢失定时器，由过期预占清理任务兜底。
type SchedulerTimerAdapter struct {
	publisher event.Publisher
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewSchedulerTimerAdapter(publisher event.Publisher) *SchedulerTimerAdapter {
	return &SchedulerTimerAdapter{
		publisher: publisher,
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
	}
}

func (a *SchedulerTimerAdapter) ScheduleOrderExpiry(ctx context.Context, orderID string, at time.Time) error {
	expired, err := event.New(event.OrderExpired, orderID, nil)
	if err != nil {
		return err
	}
	expired.Reason = "payment window elapsed"

	// 定时器回调脱离请求的取消信号，但保留链路信息
	fireCtx := context.WithoutCancel(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.timers[orderID]; ok {
		old.Stop()
	}
	a.timers[orderID] = time.AfterFunc(at.Sub(a.now()), func() {
		a.mu.Lock()
		delete(a.timers, orderID)
		a.mu.Unlock()
		if err := a.publisher.Publish(fireCtx, expired); err != nil {
			logger.Ctx(fireCtx).Error().Err(err).Str("order", orderID).Msg("Failed to publish order expiry")
		}
	})
	return nil
}

// Pending 返回尚未触发的定时器数量
func (a *SchedulerTimerAdapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Stop 取消所有未触发的定时器
func (a *SchedulerTimerAdapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}
