package application

import (
	"context"
	"time"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/payment/domain"
)

// ReconcileSummary 一次待定支付对账的统计
type ReconcileSummary struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Skipped   int `json:"skipped"`
}

// ReconcilePending 重新校验超过 olderThan 仍未结束的支付。
// 卡在 Processing 的流水先退回 Pending 再校验；已过有效期仍未通过的记为 Expired。
func (s *PaymentService) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (ReconcileSummary, error) {
	ctx, span := s.tracer.Start(ctx, "payment.ReconcilePending")
	defer span.End()

	var sum ReconcileSummary
	now := s.now()
	stale, err := s.repo.ListStale(ctx, []domain.Status{domain.StatusPending, domain.StatusProcessing}, now.Add(-olderThan), limit)
	if err != nil {
		span.RecordError(err)
		return sum, err
	}

	for _, t := range stale {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Scanned++

		if t.Status == domain.StatusProcessing {
			ok, err := s.repo.TransitionStatus(ctx, t.ID, domain.StatusProcessing, domain.StatusPending)
			if err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("authority", t.Authority).Msg("Failed to release stuck payment")
				sum.Skipped++
				continue
			}
			if !ok {
				sum.Skipped++
				continue
			}
			logger.Ctx(ctx).Warn().Str("authority", t.Authority).Msg("Payment stuck in Processing, re-verifying")
			t.Status = domain.StatusPending
		}

		unverified := domain.StatusFailed
		expired := !now.Before(t.ExpiresAt)
		if expired {
			unverified = domain.StatusExpired
		}

		res, err := s.verifyTransaction(ctx, t, unverified)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("authority", t.Authority).Msg("Payment re-verification failed")
			sum.Skipped++
			continue
		}

		switch {
		case res.Success:
			sum.Succeeded++
		case res.Status == domain.StatusExpired:
			sum.Expired++
		case res.Status == domain.StatusFailed:
			sum.Failed++
		case res.Retryable && expired:
			// 网关不可达且已过有效期，直接过期
			if s.expire(ctx, t) {
				sum.Expired++
			} else {
				sum.Skipped++
			}
		default:
			sum.Skipped++
		}
	}

	logger.Ctx(ctx).Info().
		Int("scanned", sum.Scanned).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("expired", sum.Expired).
		Msg("Pending payment reconciliation finished")
	return sum, nil
}

func (s *PaymentService) expire(ctx context.Context, t *domain.Transaction) bool {
	t.Status = domain.StatusExpired
	t.UpdatedAt = s.now()
	ok, err := s.repo.Finalize(ctx, t, domain.StatusPending)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("authority", t.Authority).Msg("Failed to expire payment")
		return false
	}
	if ok {
		s.forgetInitiation(ctx, t.IdempotencyKey)
		s.publishOutcome(ctx, t)
	}
	return ok
}
