package interfaces

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/pkg/mq"
	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/domain/port"
)

// CompensationApplier 入账一笔补偿，由 application.CompensationRunner 实现
type CompensationApplier interface {
	Apply(ctx context.Context, c *port.Compensation) error
}

// CompensationConsumerAdapter 消费持久化的补偿队列
type CompensationConsumerAdapter struct {
	consumerLoop
	runner CompensationApplier
}

func NewCompensationConsumerAdapter(reader mq.MessageReader, runner CompensationApplier, failureHandler *mq.FailureHandler) *CompensationConsumerAdapter {
	a := &CompensationConsumerAdapter{runner: runner}
	a.consumerLoop = consumerLoop{
		name:           "Compensation Consumer Adapter",
		reader:         reader,
		failureHandler: failureHandler,
		process:        a.processMessage,
	}
	return a
}

func (a *CompensationConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) (string, error) {
	var c port.Compensation
	if err := json.Unmarshal(msg.Value, &c); err != nil {
		return "", errors.Wrap(err, "decode compensation")
	}

	err := a.runner.Apply(ctx, &c)
	switch {
	case err == nil:
		logger.Ctx(ctx).Info().
			Str("user_id", c.UserID).
			Str("idempotency_key", c.IdempotencyKey).
			Int64("amount", c.Amount).
			Msg("compensation applied from queue")
		return resultApplied, nil
	case domain.IsTerminal(err):
		// 账户不存在或已冻结：无法自动处理，需要人工介入
		logger.Ctx(ctx).Error().Err(err).
			Bool("critical", true).
			Str("user_id", c.UserID).
			Str("idempotency_key", c.IdempotencyKey).
			Int64("amount", c.Amount).
			Str("reason", c.Reason).
			Msg("compensation rejected by ledger")
		return resultRejected, nil
	}
	return "", err
}
