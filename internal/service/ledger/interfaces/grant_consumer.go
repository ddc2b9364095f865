package interfaces

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/pkg/mq"
	"tokenvote/internal/service/ledger/domain"
)

// GrantApplier 回放一次奖励发放，由 application.RewardService 实现
type GrantApplier interface {
	ApplyGrant(ctx context.Context, req *domain.GrantRequest) (*domain.GrantOutcome, error)
}

// GrantConsumerAdapter 消费奖励回退队列，按原幂等键把发放写入账本。
// 同一个键已经入账时回放是空操作。
type GrantConsumerAdapter struct {
	consumerLoop
	grants GrantApplier
}

func NewGrantConsumerAdapter(reader mq.MessageReader, grants GrantApplier, failureHandler *mq.FailureHandler) *GrantConsumerAdapter {
	a := &GrantConsumerAdapter{grants: grants}
	a.consumerLoop = consumerLoop{
		name:           "Grant Consumer Adapter",
		reader:         reader,
		failureHandler: failureHandler,
		process:        a.processMessage,
	}
	return a
}

func (a *GrantConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) (string, error) {
	var req domain.GrantRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return "", errors.Wrap(err, "decode grant request")
	}

	out, err := a.grants.ApplyGrant(ctx, &req)
	switch {
	case err == nil && out.Status == domain.GrantDuplicate:
		return resultDuplicate, nil
	case err == nil:
		logger.Ctx(ctx).Info().
			Str("user_id", req.UserID).
			Str("kind", string(req.Kind)).
			Str("idempotency_key", req.IdempotencyKey).
			Int64("reward", out.Reward).
			Msg("replayed reward grant")
		return resultApplied, nil
	case domain.IsTerminal(err):
		// 业务拒绝（例如回放时当天额度已满）重试也不会成功，记录后确认
		logger.Ctx(ctx).Warn().Err(err).
			Str("user_id", req.UserID).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("reward grant rejected on replay")
		return resultRejected, nil
	}
	return "", err
}
