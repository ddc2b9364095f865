package port

import (
	"context"

	"tokenvote/internal/service/ledger/domain"
)

// GrantPublisher 是奖励发放回退路径的出站端口：把发放请求持久化投递，由 worker 幂等回放。
type GrantPublisher interface {
	PublishGrant(ctx context.Context, req *domain.GrantRequest) error
}

// Compensation 是一条待执行的补偿退款
type Compensation struct {
	UserID         string        `json:"user_id"`
	Amount         int64         `json:"amount"`
	Kind           domain.TxKind `json:"kind"`
	ReferenceID    string        `json:"reference_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Reason         string        `json:"reason"`
}

// CompensationQueue 在补偿重试耗尽后持久化补偿，保证扣款不会悬空。
type CompensationQueue interface {
	EnqueueCompensation(ctx context.Context, c *Compensation) error
}
