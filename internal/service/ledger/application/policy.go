package application

import (
	"time"

	"github.com/pkg/errors"

	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/infrastructure/rule"
)

// Policy 是账本的业务参数，对应配置文件里的 ledger 段
type Policy struct {
	Timezone      string           `yaml:"timezone"`
	MaxVoteAmount int64            `yaml:"max_vote_amount"`
	Tiers         domain.TierTable `yaml:"tiers"`
	StreakExpr    string           `yaml:"streak_expr"`

	Ad           AdPolicy           `yaml:"ad"`
	Exposure     ExposurePolicy     `yaml:"exposure"`
	Topic        TopicPolicy        `yaml:"topic"`
	DualPath     DualPathPolicy     `yaml:"dual_path"`
	Saga         SagaPolicy         `yaml:"saga"`
	Compensation CompensationPolicy `yaml:"compensation"`
	Throttle     ThrottlePolicy     `yaml:"throttle"`
}

type AdPolicy struct {
	Reward     int64 `yaml:"reward"`
	DailyLimit int64 `yaml:"daily_limit"`
}

type ExposurePolicy struct {
	DailyApplications int64         `yaml:"daily_applications"`
	MaxConcurrent     int64         `yaml:"max_concurrent"`
	Cooldown          time.Duration `yaml:"cooldown"`
	GlobalDailyBudget int64         `yaml:"global_daily_budget"`
}

type TopicPolicy struct {
	DailyCreateLimit int64 `yaml:"daily_create_limit"`
	MaxOptions       int   `yaml:"max_options"`
}

type DualPathPolicy struct {
	PrimaryTimeout  time.Duration `yaml:"primary_timeout"`
	FallbackTimeout time.Duration `yaml:"fallback_timeout"`
}

type SagaPolicy struct {
	Timeout time.Duration `yaml:"timeout"`
}

type CompensationPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// ThrottlePolicy 为每个用户每个动作限流；Limit 为 0 表示关闭
type ThrottlePolicy struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// DefaultPolicy 平台默认参数
func DefaultPolicy() Policy {
	return Policy{
		Timezone:      "UTC",
		MaxVoteAmount: 100,
		Tiers:         domain.DefaultTiers(),
		StreakExpr:    rule.DefaultStreakExpr,
		Ad:            AdPolicy{Reward: 3, DailyLimit: 5},
		Exposure: ExposurePolicy{
			DailyApplications: 3,
			MaxConcurrent:     2,
			Cooldown:          time.Hour,
			GlobalDailyBudget: 1000,
		},
		Topic:        TopicPolicy{DailyCreateLimit: 5, MaxOptions: 10},
		DualPath:     DualPathPolicy{PrimaryTimeout: 2 * time.Second, FallbackTimeout: 5 * time.Second},
		Saga:         SagaPolicy{Timeout: 10 * time.Second},
		Compensation: CompensationPolicy{MaxAttempts: 3, Backoff: 100 * time.Millisecond},
		Throttle:     ThrottlePolicy{Limit: 30, Window: time.Minute},
	}
}

// Validate 检查配置是否自洽
func (p Policy) Validate() error {
	if p.MaxVoteAmount <= 0 {
		return errors.New("ledger: max_vote_amount must be positive")
	}
	prev := int64(-1)
	for _, level := range []domain.ExposureLevel{domain.ExposureNormal, domain.ExposureMedium, domain.ExposureHigh} {
		tier, ok := p.Tiers[level]
		if !ok {
			return errors.Errorf("ledger: missing exposure tier %s", level)
		}
		if tier.Price < prev {
			return errors.Errorf("ledger: exposure tier %s is cheaper than the tier below", level)
		}
		prev = tier.Price
	}
	if p.DualPath.PrimaryTimeout <= 0 || p.DualPath.FallbackTimeout <= 0 {
		return errors.New("ledger: dual path timeouts must be positive")
	}
	if p.Saga.Timeout <= 0 {
		return errors.New("ledger: saga timeout must be positive")
	}
	return nil
}

// CreateTopicCost 创建话题的费用等于 normal 档的价格
func (p Policy) CreateTopicCost() int64 { return p.Tiers[domain.ExposureNormal].Price }
