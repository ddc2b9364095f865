package application

import (
	"go.opentelemetry.io/otel/trace"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/domain/port"
)

// Deps 汇总应用层依赖的所有端口，由 cmd 里的装配代码填充
type Deps struct {
	Accounts     domain.AccountStore
	Topics       domain.TopicRepository
	Votes        domain.VoteRepository
	Exposures    domain.ExposureRepository
	Rewards      domain.RewardRepository
	Restrictions domain.RestrictionChecker

	// Quotas 与入账同库的计数器（看广告次数）
	Quotas domain.QuotaTracker
	// Counters 独立于入账的计数器（曝光申请、冷却、全局预算、创建话题、限流）
	Counters domain.QuotaTracker

	Screener      port.ContentScreener
	Grants        port.GrantPublisher
	Compensations port.CompensationQueue
	StreakRule    port.StreakRewardRule

	Calendar *calendar.Calendar
	Tracer   trace.Tracer
}
