package application

import (
	"context"

	"github.com/pkg/errors"

	"tokenvote/internal/service/ledger/domain"
)

// Throttler 按用户和动作限流，计数存放在共享计数器里，多实例一致
type Throttler struct {
	counters domain.QuotaTracker
	policy   ThrottlePolicy
}

func NewThrottler(counters domain.QuotaTracker, policy ThrottlePolicy) *Throttler {
	return &Throttler{counters: counters, policy: policy}
}

// Allow 超出频率时返回 QuotaExceeded(throttled)
func (t *Throttler) Allow(ctx context.Context, userID, action string) error {
	if t == nil || t.policy.Limit <= 0 || t.policy.Window <= 0 {
		return nil
	}
	_, err := t.counters.IncrementCapped(ctx, userID, domain.ResourceThrottlePrefix+action, domain.Rolling(t.policy.Window), t.policy.Limit)
	var d *domain.Denial
	if errors.As(err, &d) && d.Kind == domain.KindQuotaExceeded {
		return domain.QuotaDenied(domain.ReasonThrottled, d.Details)
	}
	return err
}
