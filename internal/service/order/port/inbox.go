package port

import "context"

// Inbox 记录 (eventId, handler) 是否已处理，用于消费端去重
type Inbox interface {
	Seen(ctx context.Context, eventID, handler string) (bool, error)
	Mark(ctx context.Context, eventID, handler string) error
}
