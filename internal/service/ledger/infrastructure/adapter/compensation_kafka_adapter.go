package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"tokenvote/internal/pkg/mq"
	"tokenvote/internal/service/ledger/domain/port"
)

// CompensationKafkaAdapter 实现了 port.CompensationQueue
type CompensationKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewCompensationKafkaAdapter(writer mq.MessageWriter) *CompensationKafkaAdapter {
	return &CompensationKafkaAdapter{writer: writer}
}

// EnqueueCompensation 投递一条补偿退款，worker 以其幂等键入账，重复投递不会重复退款
func (a *CompensationKafkaAdapter) EnqueueCompensation(ctx context.Context, c *port.Compensation) error {
	if c.IdempotencyKey == "" {
		return errors.New("compensation without idempotency key")
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal compensation")
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(c.UserID), payload)
}
