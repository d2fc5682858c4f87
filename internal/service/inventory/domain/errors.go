// internal/service/inventory/domain/errors.go
package domain

import (
	"errors"
	"fmt"

	"fulfillment/internal/pkg/apperr"
)

var (
	ErrVariantNotFound = fmt.Errorf("variant %w", apperr.ErrNotFound)
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be positive", apperr.ErrValidation)
	ErrEmptyReference  = fmt.Errorf("%w: reference number is required", apperr.ErrValidation)
	// ErrNoReservation 提交时该引用号下没有有效预占
	ErrNoReservation = errors.New("no active reservation for reference")
)

// InsufficientStockError 携带失败时的库存快照
type InsufficientStockError struct {
	VariantID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d", e.VariantID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return apperr.ErrInsufficientStock
}
