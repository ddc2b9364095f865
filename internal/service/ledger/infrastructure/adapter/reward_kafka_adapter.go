package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"tokenvote/internal/pkg/mq"
	"tokenvote/internal/service/ledger/domain"
)

// RewardKafkaAdapter 实现了 port.GrantPublisher：奖励发放的回退路径。
// 消息以 user_id 为 key，同一用户的发放请求按顺序回放。
type RewardKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewRewardKafkaAdapter(writer mq.MessageWriter) *RewardKafkaAdapter {
	return &RewardKafkaAdapter{writer: writer}
}

func (a *RewardKafkaAdapter) PublishGrant(ctx context.Context, req *domain.GrantRequest) error {
	if req.IdempotencyKey == "" {
		return errors.New("grant request without idempotency key")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "failed to marshal grant request")
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(req.UserID), payload)
}
