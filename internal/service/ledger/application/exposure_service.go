package application

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/service/ledger/application/saga"
	"tokenvote/internal/service/ledger/domain"
)

// ExposureService 处理话题曝光等级升级。
// 流程：校验 → 扣差价 → 条件更新状态 → 复核并发数 → 计数器加一（每日、冷却、全局预算）。
// 任一步失败，状态与扣款一起回滚。
type ExposureService struct {
	gate      *EligibilityGate
	refunder  saga.Refunder
	accounts  domain.AccountStore
	exposures domain.ExposureRepository
	counters  domain.QuotaTracker
	cal       *calendar.Calendar
	tracer    trace.Tracer
	policy    Policy
}

func NewExposureService(d Deps, gate *EligibilityGate, refunder saga.Refunder, policy Policy) *ExposureService {
	return &ExposureService{
		gate:      gate,
		refunder:  refunder,
		accounts:  d.Accounts,
		exposures: d.Exposures,
		counters:  d.Counters,
		cal:       d.Calendar,
		tracer:    d.Tracer,
		policy:    policy,
	}
}

func (s *ExposureService) ApplyUpgrade(ctx context.Context, req *UpgradeExposureRequest) (*ExposureResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.ApplyExposureUpgrade")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("topic.id", req.TopicID),
		attribute.String("exposure.target", string(req.Target)),
	)

	if _, err := domain.ParseExposureLevel(string(req.Target)); err != nil {
		span.SetStatus(codes.Error, "invalid target level")
		return nil, domain.InvalidState(domain.ReasonInvalidRequest, map[string]any{"target_level": req.Target})
	}

	lc := &saga.LedgerContext{
		Tracer: s.tracer,
		UserID: req.UserID,
		Action: domain.ActionApplyExposure,
		Eval: domain.EvalContext{
			TopicID:     req.TopicID,
			TargetLevel: req.Target,
		},
		TxKind:    domain.TxApplyExposure,
		RefID:     req.TopicID,
		Gate:      s.gate,
		Accounts:  s.accounts,
		Refunder:  s.refunder,
		Exposures: s.exposures,
		Counters:  s.counters,
	}
	if err := runSaga(ctx, lc, s.buildChain(), s.policy.Saga.Timeout); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exposure upgrade failed")
		return nil, err
	}

	resp := &ExposureResponse{
		TopicID:   req.TopicID,
		Level:     lc.Exposure.Level,
		ExpiresAt: lc.Exposure.ExpiresAt,
		Cost:      lc.Verdict.Cost,
		Balance:   lc.Verdict.Account.TokenBalance,
	}
	if lc.Debit != nil {
		resp.TransactionID = lc.Debit.ID
		resp.Balance = lc.Debit.BalanceAfter
	}

	logger.Ctx(ctx).Info().
		Str("user_id", req.UserID).
		Str("topic_id", req.TopicID).
		Str("level", string(resp.Level)).
		Int64("cost", resp.Cost).
		Msg("exposure upgraded")
	return resp, nil
}

func (s *ExposureService) buildChain() saga.Handler {
	p := s.policy.Exposure
	chain := new(saga.GateHandler)
	next := chain.
		SetNext(new(saga.DebitHandler)).
		SetNext(saga.NewExposureHandler(s.policy.Tiers, s.cal.Now)).
		SetNext(saga.NewActiveLimitHandler(p.MaxConcurrent, s.cal.Now)).
		SetNext(&saga.QuotaHandler{
			Scope:    saga.UserScope,
			Resource: domain.ResourceExposureApply,
			Window:   domain.Daily(),
			Limit:    p.DailyApplications,
		})
	if p.Cooldown > 0 {
		next = next.SetNext(&saga.QuotaHandler{
			Scope:    saga.TopicScope,
			Resource: domain.ResourceExposureCooldown,
			Window:   domain.Rolling(p.Cooldown),
			Limit:    1,
		})
	}
	next.SetNext(&saga.QuotaHandler{
		Scope:    saga.GlobalScope,
		Resource: domain.ResourceExposureBudget,
		Window:   domain.Daily(),
		Limit:    p.GlobalDailyBudget,
		Reason:   domain.ReasonGlobalBudgetExhausted,
	})
	return chain
}
