package application

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/domain/port"
)

// RewardService 负责签到、看广告和任务奖励。所有入账都经过 DualPathExecutor。
type RewardService struct {
	gate    *EligibilityGate
	dual    *DualPathExecutor
	rewards domain.RewardRepository
	quotas  domain.QuotaTracker
	grants  port.GrantPublisher
	rule    port.StreakRewardRule
	cal     *calendar.Calendar
	tracer  trace.Tracer
	policy  Policy
}

func NewRewardService(d Deps, gate *EligibilityGate, dual *DualPathExecutor, policy Policy) *RewardService {
	return &RewardService{
		gate:    gate,
		dual:    dual,
		rewards: d.Rewards,
		quotas:  d.Quotas,
		grants:  d.Grants,
		rule:    d.StreakRule,
		cal:     d.Calendar,
		tracer:  d.Tracer,
		policy:  policy,
	}
}

// ClaimDailyLogin 每个自然日一次；重复签到返回当前连续天数且不入账
func (s *RewardService) ClaimDailyLogin(ctx context.Context, userID, idemKey string) (*GrantResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.ClaimDailyLogin")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if err := s.allow(ctx, userID, domain.ActionClaimDailyLogin, domain.EvalContext{}); err != nil {
		span.SetStatus(codes.Error, "denied")
		return nil, err
	}

	day := s.cal.Today()
	if idemKey == "" {
		idemKey = day
	}
	out, err := s.grant(ctx, &domain.GrantRequest{
		Kind:           domain.GrantDailyLogin,
		UserID:         userID,
		Day:            day,
		IdempotencyKey: grantKey(domain.GrantDailyLogin, userID, idemKey),
		RequestedAt:    s.cal.Now(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "daily login failed")
		return nil, err
	}

	if out.Status == domain.GrantDuplicate && out.Streak == 0 {
		streak, err := s.rewards.GetLoginStreak(ctx, userID)
		if err != nil {
			return nil, err
		}
		if streak != nil {
			out.Streak = streak.CurrentStreak
		}
	}
	return toGrantResponse(out), nil
}

// AdEligibility 在广告展示之前调用，只读
func (s *RewardService) AdEligibility(ctx context.Context, userID string) (*AdEligibilityResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.AdEligibility")
	defer span.End()

	verdict, err := s.gate.Evaluate(ctx, userID, domain.ActionWatchAd, domain.EvalContext{})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	count, err := s.quotas.Peek(ctx, userID, domain.ResourceWatchAd, domain.Daily())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	limit := s.policy.Ad.DailyLimit
	resp := &AdEligibilityResponse{
		Eligible:  verdict.Allowed,
		Watched:   count.Count,
		Limit:     limit,
		Remaining: max(limit-count.Count, 0),
		ResetAt:   count.ResetAt,
	}
	if !verdict.Allowed {
		resp.Reason = verdict.Denial.Reason
	}
	return resp, nil
}

// WatchAd 看完广告后发放奖励；计数与入账在同一事务里
func (s *RewardService) WatchAd(ctx context.Context, userID, idemKey string) (*GrantResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.WatchAd")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if err := s.allow(ctx, userID, domain.ActionWatchAd, domain.EvalContext{}); err != nil {
		span.SetStatus(codes.Error, "denied")
		return nil, err
	}
	if idemKey == "" {
		idemKey = uuid.NewString()
	}
	out, err := s.grant(ctx, &domain.GrantRequest{
		Kind:           domain.GrantWatchAd,
		UserID:         userID,
		Day:            s.cal.Today(),
		IdempotencyKey: grantKey(domain.GrantWatchAd, userID, idemKey),
		RequestedAt:    s.cal.Now(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ad reward failed")
		return nil, err
	}
	if out.Status == domain.GrantPending {
		out.Reward = s.policy.Ad.Reward
	}
	return toGrantResponse(out), nil
}

// CompleteMission 完成任务并发放奖励
func (s *RewardService) CompleteMission(ctx context.Context, userID, missionID, idemKey string) (*GrantResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.CompleteMission")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("mission.id", missionID))

	verdict, err := s.gate.Evaluate(ctx, userID, domain.ActionCompleteMission, domain.EvalContext{MissionID: missionID})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !verdict.Allowed {
		span.SetStatus(codes.Error, "denied")
		return nil, verdict.Err()
	}

	if idemKey == "" {
		if verdict.Mission.SingleShot() {
			idemKey = "once"
		} else {
			idemKey = uuid.NewString()
		}
	}
	out, err := s.grant(ctx, &domain.GrantRequest{
		Kind:           domain.GrantCompleteMission,
		UserID:         userID,
		MissionID:      missionID,
		Day:            s.cal.Today(),
		IdempotencyKey: grantKey(domain.GrantCompleteMission, userID, missionID+":"+idemKey),
		RequestedAt:    s.cal.Now(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mission reward failed")
		return nil, err
	}
	if out.Status == domain.GrantPending {
		out.Reward = verdict.Mission.Reward
	}
	return toGrantResponse(out), nil
}

// ApplyGrant 执行一次发放请求的主路径，worker 回放回退队列时也调用它。
// 自然日取请求发起时记录的 Day，而不是回放时刻。
func (s *RewardService) ApplyGrant(ctx context.Context, req *domain.GrantRequest) (*domain.GrantOutcome, error) {
	switch req.Kind {
	case domain.GrantDailyLogin:
		yesterday, err := s.cal.DayBefore(req.Day)
		if err != nil {
			return nil, domain.InvalidState(domain.ReasonInvalidRequest, map[string]any{"day": req.Day})
		}
		return s.rewards.ClaimDailyLogin(ctx, domain.LoginClaim{
			UserID:         req.UserID,
			Today:          req.Day,
			Yesterday:      yesterday,
			IdempotencyKey: req.IdempotencyKey,
			RewardFor:      s.rule.Reward,
		})
	case domain.GrantWatchAd:
		return s.rewards.GrantAdReward(ctx, domain.AdGrant{
			UserID:         req.UserID,
			Day:            req.Day,
			Reward:         s.policy.Ad.Reward,
			DailyLimit:     s.policy.Ad.DailyLimit,
			IdempotencyKey: req.IdempotencyKey,
		})
	case domain.GrantCompleteMission:
		return s.rewards.CompleteMission(ctx, domain.MissionGrant{
			UserID:         req.UserID,
			MissionID:      req.MissionID,
			Today:          req.Day,
			IdempotencyKey: req.IdempotencyKey,
		})
	}
	return nil, domain.InvalidState(domain.ReasonInvalidRequest, map[string]any{"kind": req.Kind})
}

func (s *RewardService) grant(ctx context.Context, req *domain.GrantRequest) (*domain.GrantOutcome, error) {
	primary := func(ctx context.Context) (*domain.GrantOutcome, error) {
		return s.ApplyGrant(ctx, req)
	}
	fallback := func(ctx context.Context) (*domain.GrantOutcome, error) {
		if s.grants == nil {
			return nil, errors.New("no fallback grant publisher configured")
		}
		if err := s.grants.PublishGrant(ctx, req); err != nil {
			return nil, err
		}
		logger.Ctx(ctx).Info().
			Str("user_id", req.UserID).
			Str("kind", string(req.Kind)).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("grant handed over to fallback queue")
		return &domain.GrantOutcome{Status: domain.GrantPending}, nil
	}
	return s.dual.Execute(ctx, req, primary, fallback)
}

// grantKey 把客户端的幂等键限定在发放类型和用户之内，不同用户或不同操作复用同一个键互不影响
func grantKey(kind domain.GrantKind, userID, clientKey string) string {
	return string(kind) + ":" + userID + ":" + clientKey
}

func (s *RewardService) allow(ctx context.Context, userID string, action domain.Action, ec domain.EvalContext) error {
	verdict, err := s.gate.Evaluate(ctx, userID, action, ec)
	if err != nil {
		return err
	}
	return verdict.Err()
}
