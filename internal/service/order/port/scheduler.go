package port

import (
	"context"
	"time"
)

// DelayScheduler 是延迟任务调度器的出站端口。
type DelayScheduler interface {
	// ScheduleOrderExpiry 安排在 at 时刻投递 OrderExpired 事件
	ScheduleOrderExpiry(ctx context.Context, orderID string, at time.Time) error
}
