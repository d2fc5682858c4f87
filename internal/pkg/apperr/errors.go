// Package apperr 定义了跨服务共享的错误类别。
// 领域错误通过 %w 包装这些类别，调用方用 errors.Is 判断处理策略。
package apperr

import "errors"

var (
	// ErrValidation 输入非法，立即返回，不重试
	ErrValidation = errors.New("validation failure")
	// ErrInsufficientStock 业务规则冲突，驱动 saga 补偿
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConcurrencyConflict 乐观锁版本不匹配，交给调用方重试
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrTransient 基础设施瞬时故障（死锁、锁等待超时、网关超时），可重试
	ErrTransient = errors.New("transient infrastructure failure")
	// ErrDuplicate 唯一约束冲突
	ErrDuplicate = errors.New("duplicate")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
)

// IsRetryable 判断错误是否可由工作单元的重试策略处理。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
