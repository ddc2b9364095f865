package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/pkg/metrics"
	"tokenvote/internal/service/ledger/domain"
)

// EligibilityGate 在任何写操作之前给出允许/拒绝结论。
// 只读：可以反复调用而没有副作用。检查顺序固定，遇到第一个失败即返回：
// 1. 账户/话题/任务存在且可用 2. 管理限制 3. 配额 4. 门槛 5. 余额
type EligibilityGate struct {
	accounts     domain.AccountStore
	topics       domain.TopicRepository
	votes        domain.VoteRepository
	exposures    domain.ExposureRepository
	rewards      domain.RewardRepository
	restrictions domain.RestrictionChecker
	quotas       domain.QuotaTracker
	counters     domain.QuotaTracker
	cal          *calendar.Calendar
	tracer       trace.Tracer
	policy       Policy
}

func NewEligibilityGate(d Deps, policy Policy) *EligibilityGate {
	return &EligibilityGate{
		accounts:     d.Accounts,
		topics:       d.Topics,
		votes:        d.Votes,
		exposures:    d.Exposures,
		rewards:      d.Rewards,
		restrictions: d.Restrictions,
		quotas:       d.Quotas,
		counters:     d.Counters,
		cal:          d.Calendar,
		tracer:       d.Tracer,
		policy:       policy,
	}
}

// evaluation 是一次评估的中间状态
type evaluation struct {
	userID  string
	action  domain.Action
	ec      domain.EvalContext
	verdict *domain.Verdict
	today   string
}

type step func(ctx context.Context, ev *evaluation) (*domain.Denial, error)

// Evaluate 返回的 error 只表示读取失败；业务拒绝放在 Verdict.Denial 里
func (g *EligibilityGate) Evaluate(ctx context.Context, userID string, action domain.Action, ec domain.EvalContext) (*domain.Verdict, error) {
	ctx, span := g.tracer.Start(ctx, "gate.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("gate.action", string(action)))

	ev := &evaluation{userID: userID, action: action, ec: ec, verdict: &domain.Verdict{}, today: g.cal.Today()}
	steps := []step{g.checkExistence, g.checkRestriction, g.checkQuota, g.checkThreshold, g.checkBalance}
	for _, s := range steps {
		denial, err := s(ctx, ev)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "eligibility read failed")
			return nil, err
		}
		if denial != nil {
			metrics.GateDenials.WithLabelValues(string(action), denial.Reason).Inc()
			span.AddEvent("denied", trace.WithAttributes(attribute.String("gate.reason", denial.Reason)))
			logger.Ctx(ctx).Debug().Str("user_id", userID).Str("action", string(action)).Str("reason", denial.Reason).Msg("eligibility denied")
			ev.verdict.Allowed = false
			ev.verdict.Denial = denial
			return ev.verdict, nil
		}
	}
	ev.verdict.Allowed = true
	span.SetAttributes(attribute.Int64("gate.cost", ev.verdict.Cost))
	return ev.verdict, nil
}

// 1. 存在性与状态
func (g *EligibilityGate) checkExistence(ctx context.Context, ev *evaluation) (*domain.Denial, error) {
	acc, err := g.accounts.GetAccount(ctx, ev.userID)
	if denial, err := splitDenial(err); denial != nil || err != nil {
		return denial, err
	}
	if !acc.IsActive() {
		return domain.InvalidState(domain.ReasonAccountInactive, map[string]any{"user_id": ev.userID, "status": acc.Status}), nil
	}
	ev.verdict.Account = acc

	switch ev.action {
	case domain.ActionCastVote, domain.ActionCastFreeVote, domain.ActionApplyExposure:
		return g.checkTopic(ctx, ev)
	case domain.ActionCompleteMission:
		mission, err := g.rewards.GetMission(ctx, ev.ec.MissionID)
		if denial, err := splitDenial(err); denial != nil || err != nil {
			return denial, err
		}
		if !mission.Active {
			return domain.InvalidState(domain.ReasonMissionInactive, map[string]any{"mission_id": mission.ID}), nil
		}
		ev.verdict.Mission = mission
	}
	return nil, nil
}

func (g *EligibilityGate) checkTopic(ctx context.Context, ev *evaluation) (*domain.Denial, error) {
	topic, err := g.topics.Get(ctx, ev.ec.TopicID)
	if denial, err := splitDenial(err); denial != nil || err != nil {
		return denial, err
	}
	now := g.cal.Now()
	if !topic.IsOpen(now) {
		return domain.InvalidState(domain.ReasonTopicInactive, map[string]any{"topic_id": topic.ID, "status": topic.Status}), nil
	}
	ev.verdict.Topic = topic
	ev.verdict.Exposure = topic.Exposure.Effective(now)

	switch ev.action {
	case domain.ActionCastVote, domain.ActionCastFreeVote:
		if !topic.HasOption(ev.ec.OptionKey) {
			return domain.InvalidState(domain.ReasonOptionUnknown, map[string]any{"topic_id": topic.ID, "option": ev.ec.OptionKey}), nil
		}
	case domain.ActionApplyExposure:
		if topic.OwnerID != ev.userID {
			return domain.InvalidState(domain.ReasonNotTopicOwner, map[string]any{"topic_id": topic.ID}), nil
		}
		if _, ok := g.policy.Tiers[ev.ec.TargetLevel]; !ok {
			return domain.InvalidState(domain.ReasonInvalidRequest, map[string]any{"target_level": ev.ec.TargetLevel}), nil
		}
		if ev.verdict.Exposure.Rank() >= ev.ec.TargetLevel.Rank() {
			return domain.InvalidState(domain.ReasonAlreadyAtOrHigher, map[string]any{
				"current": ev.verdict.Exposure,
				"target":  ev.ec.TargetLevel,
			}), nil
		}
	}
	return nil, nil
}

// 2. 管理限制
func (g *EligibilityGate) checkRestriction(ctx context.Context, ev *evaluation) (*domain.Denial, error) {
	r, err := g.restrictions.IsRestricted(ctx, ev.userID, ev.action)
	if err != nil || r == nil {
		return nil, err
	}
	details := map[string]any{"action": ev.action, "reason": r.Reason}
	if r.Until != nil {
		details["until"] = *r.Until
	}
	return domain.InvalidState(domain.ReasonRestricted, details), nil
}

// 3. 配额
func (g *EligibilityGate) checkQuota(ctx context.Context, ev *evaluation) (*domain.Denial, error) {
	switch ev.action {
	case domain.ActionCastFreeVote:
		used, err := g.votes.HasFreeVote(ctx, ev.userID, ev.ec.TopicID, ev.today)
		if err != nil || !used {
			return nil, err
		}
		return domain.QuotaDenied(domain.ReasonFreeVoteUsedToday, map[string]any{
			"topic_id": ev.ec.TopicID,
			"reset_at": g.cal.NextMidnight(),
		}), nil

	case domain.ActionWatchAd:
		return g.capped(ctx, g.quotas, ev.userID, domain.ResourceWatchAd, domain.Daily(), g.policy.Ad.DailyLimit, domain.ReasonDailyLimitReached)

	case domain.ActionCreateTopic:
		return g.capped(ctx, g.counters, ev.userID, domain.ResourceCreateTopic, domain.Daily(), g.policy.Topic.DailyCreateLimit, domain.ReasonDailyLimitReached)

	case domain.ActionCompleteMission:
		m := ev.verdict.Mission
		progress, err := g.rewards.GetMissionProgress(ctx, ev.userID, m.ID)
		if err != nil {
			return nil, err
		}
		done := progress.CompletedOn(ev.today, m.SingleShot())
		if m.SingleShot() && done > 0 {
			return domain.QuotaDenied(domain.ReasonMissionAlreadyCompleted, map[string]any{"mission_id": m.ID}), nil
		}
		if !m.SingleShot() && done >= m.LimitPerDay {
			return domain.QuotaDenied(domain.ReasonDailyLimitReached, map[string]any{
				"mission_id": m.ID,
				"limit":      m.LimitPerDay,
				"current":    done,
				"reset_at":   g.cal.NextMidnight(),
			}), nil
		}
		return nil, nil

	case domain.ActionApplyExposure:
		return g.exposureQuota(ctx, ev)
	}
	return nil, nil
}

func (g *EligibilityGate) exposureQuota(ctx context.Context, ev *evaluation) (*domain.Denial, error) {
	p := g.policy.Exposure
	if d, err := g.capped(ctx, g.counters, ev.userID, domain.ResourceExposureApply, domain.Daily(), p.DailyApplications, domain.ReasonDailyLimitReached); d != nil || err != nil {
		return d, err
	}

	active, err := g.exposures.CountActive(ctx, ev.userID, g.cal.Now())
	if err != nil {
		return nil, err
	}
	// 已经处于曝光中的话题再升级不占用新的名额
	if ev.verdict.Exposure != domain.ExposureNormal {
		active--
	}
	if active >= p.MaxConcurrent {
		return domain.QuotaDenied(domain.ReasonConcurrentLimitReached, map[string]any{
			"limit":   p.MaxConcurrent,
			"current": active,
		}), nil
	}

	if p.Cooldown > 0 {
		c, err := g.counters.Peek(ctx, ev.ec.TopicID, domain.ResourceExposureCooldown, domain.Rolling(p.Cooldown))
		if err != nil {
			return nil, err
		}
		if c.Count > 0 {
			return domain.QuotaDenied(domain.ReasonCooldownActive, map[string]any{
				"topic_id":       ev.ec.TopicID,
				"cooldown_until": c.ResetAt,
			}), nil
		}
	}

	return g.capped(ctx, g.counters, domain.GlobalScope, domain.ResourceExposureBudget, domain.Daily(), p.GlobalDailyBudget, domain.ReasonGlobalBudgetExhausted)
}

// capped 读取计数并与上限比较；limit <= 0 表示该动作被关闭
func (g *EligibilityGate) capped(ctx context.Context, q domain.QuotaTracker, scope, resource string, w domain.Window, limit int64, reason string) (*domain.Denial, error) {
	c, err := q.Peek(ctx, scope, resource, w)
	if err != nil {
		return nil, err
	}
	if c.Count < limit {
		return nil, nil
	}
	return domain.QuotaDenied(reason, map[string]any{
		"limit":    limit,
		"current":  c.Count,
		"reset_at": c.ResetAt,
	}), nil
}

// 4. 门槛
func (g *EligibilityGate) checkThreshold(_ context.Context, ev *evaluation) (*domain.Denial, error) {
	if ev.action != domain.ActionApplyExposure {
		return nil, nil
	}
	tier := g.policy.Tiers[ev.ec.TargetLevel]
	if ev.verdict.Topic.VoteCount < tier.MinVotes {
		return domain.NewDenial(domain.KindInvalidState, domain.ReasonBelowMinimumVotes, map[string]any{
			"required": tier.MinVotes,
			"current":  ev.verdict.Topic.VoteCount,
		}), nil
	}
	return nil, nil
}

// 5. 余额
func (g *EligibilityGate) checkBalance(_ context.Context, ev *evaluation) (*domain.Denial, error) {
	var cost int64
	switch ev.action {
	case domain.ActionCastVote:
		cost = ev.ec.Amount
	case domain.ActionApplyExposure:
		cost = g.policy.Tiers.UpgradeCost(ev.verdict.Exposure, ev.ec.TargetLevel)
	case domain.ActionCreateTopic:
		cost = g.policy.CreateTopicCost()
	}
	ev.verdict.Cost = cost
	if balance := ev.verdict.Account.TokenBalance; balance < cost {
		return domain.Insufficient(cost, balance), nil
	}
	return nil, nil
}

// splitDenial 把仓储返回的错误拆成业务拒绝和读取失败
func splitDenial(err error) (*domain.Denial, error) {
	if err == nil {
		return nil, nil
	}
	var d *domain.Denial
	if errors.As(err, &d) && d.Kind != domain.KindTransientStorageFailure {
		return d, nil
	}
	return nil, err
}
