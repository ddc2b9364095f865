package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/pkg/metrics"
	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/domain/port"
)

// RefundKey 是一笔扣款对应退款的幂等键，同步重试和队列回放共用
func RefundKey(debitTxID string) string { return "refund:" + debitTxID }

// CompensationRunner 执行退款补偿：先在进程内有限次重试，仍失败则写入补偿队列，
// 由 worker 以相同幂等键回放，保证扣款不会悬空。
type CompensationRunner struct {
	accounts domain.AccountStore
	queue    port.CompensationQueue
	policy   CompensationPolicy
	tracer   trace.Tracer
}

func NewCompensationRunner(accounts domain.AccountStore, queue port.CompensationQueue, policy CompensationPolicy, tracer trace.Tracer) *CompensationRunner {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &CompensationRunner{accounts: accounts, queue: queue, policy: policy, tracer: tracer}
}

// Refund 为 debit 发起退款。只有在重试和入队都失败时才返回错误。
func (r *CompensationRunner) Refund(ctx context.Context, debit *domain.Transaction, reason string) error {
	ctx, span := r.tracer.Start(ctx, "compensation.Refund")
	defer span.End()

	c := &port.Compensation{
		UserID:         debit.UserID,
		Amount:         -debit.Amount,
		Kind:           domain.TxRefund,
		ReferenceID:    debit.ID,
		IdempotencyKey: RefundKey(debit.ID),
		Reason:         reason,
	}
	span.SetAttributes(attribute.String("user.id", c.UserID), attribute.Int64("refund.amount", c.Amount))

	backoff := r.policy.Backoff
	var lastErr error
retry:
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = r.Apply(ctx, c)
		if lastErr == nil {
			metrics.Compensations.WithLabelValues(reason, "applied").Inc()
			return nil
		}
		// 业务拒绝重试无意义，直接交给队列
		if domain.IsTerminal(lastErr) || attempt == r.policy.MaxAttempts {
			break
		}
		span.AddEvent("refund retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	logger.Ctx(ctx).Warn().Err(lastErr).
		Str("user_id", c.UserID).
		Str("idempotency_key", c.IdempotencyKey).
		Msg("refund failed, handing over to compensation queue")

	// 入队不受调用方超时影响
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.queue.EnqueueCompensation(enqCtx, c); err != nil {
		metrics.Compensations.WithLabelValues(reason, "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "compensation lost")
		logger.Ctx(ctx).Error().Err(err).
			Bool("critical", true).
			Str("user_id", c.UserID).
			Int64("amount", c.Amount).
			Str("idempotency_key", c.IdempotencyKey).
			Msg("failed to enqueue compensation, manual intervention required")
		return errors.Wrap(err, "enqueue compensation")
	}
	metrics.Compensations.WithLabelValues(reason, "queued").Inc()
	return nil
}

// Apply 执行一次退款入账。幂等键已存在视为成功。
func (r *CompensationRunner) Apply(ctx context.Context, c *port.Compensation) error {
	_, err := r.accounts.Credit(ctx, domain.LedgerEntry{
		UserID:         c.UserID,
		Amount:         c.Amount,
		Kind:           c.Kind,
		ReferenceID:    c.ReferenceID,
		IdempotencyKey: c.IdempotencyKey,
	})
	if err == nil || errors.Is(err, domain.ErrDuplicateOperation) {
		return nil
	}
	return err
}
