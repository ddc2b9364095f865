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

// VoteService 编排付费投票与免费投票
type VoteService struct {
	gate     *EligibilityGate
	refunder saga.Refunder
	accounts domain.AccountStore
	votes    domain.VoteRepository
	cal      *calendar.Calendar
	tracer   trace.Tracer
	policy   Policy
}

func NewVoteService(d Deps, gate *EligibilityGate, refunder saga.Refunder, policy Policy) *VoteService {
	return &VoteService{
		gate:     gate,
		refunder: refunder,
		accounts: d.Accounts,
		votes:    d.Votes,
		cal:      d.Calendar,
		tracer:   d.Tracer,
		policy:   policy,
	}
}

// CastPaidVote 校验 → 扣款 → 写投票；扣款之后的失败会退款
func (s *VoteService) CastPaidVote(ctx context.Context, req *CastVoteRequest) (*VoteResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.CastPaidVote")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("topic.id", req.TopicID),
		attribute.Int64("vote.amount", req.Amount),
	)

	if req.Amount < 1 || req.Amount > s.policy.MaxVoteAmount {
		err := domain.InvalidState(domain.ReasonInvalidAmount, map[string]any{
			"amount": req.Amount,
			"min":    1,
			"max":    s.policy.MaxVoteAmount,
		})
		span.SetStatus(codes.Error, "invalid amount")
		return nil, err
	}

	lc := &saga.LedgerContext{
		Tracer: s.tracer,
		UserID: req.UserID,
		Action: domain.ActionCastVote,
		Eval: domain.EvalContext{
			TopicID:   req.TopicID,
			OptionKey: req.OptionKey,
			Amount:    req.Amount,
		},
		TxKind:   domain.TxCastVote,
		RefID:    req.TopicID,
		Gate:     s.gate,
		Accounts: s.accounts,
		Refunder: s.refunder,
		Votes:    s.votes,
	}
	if err := runSaga(ctx, lc, s.buildPaidChain(), s.policy.Saga.Timeout); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "paid vote failed")
		return nil, err
	}

	logger.Ctx(ctx).Info().
		Str("user_id", req.UserID).
		Str("topic_id", req.TopicID).
		Int64("amount", req.Amount).
		Msg("paid vote recorded")

	return &VoteResponse{
		TopicID:       req.TopicID,
		OptionKey:     lc.Vote.OptionKey,
		Amount:        req.Amount,
		TotalAmount:   lc.Vote.Amount,
		TransactionID: lc.Debit.ID,
		Balance:       lc.Debit.BalanceAfter,
	}, nil
}

// CastFreeVote 每个用户每个话题每天一次，并发的第二次由唯一约束拦下
func (s *VoteService) CastFreeVote(ctx context.Context, req *CastVoteRequest) (*VoteResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.CastFreeVote")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", req.UserID), attribute.String("topic.id", req.TopicID))

	day := s.cal.Today()
	verdict, err := s.gate.Evaluate(ctx, req.UserID, domain.ActionCastFreeVote, domain.EvalContext{
		TopicID:   req.TopicID,
		OptionKey: req.OptionKey,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !verdict.Allowed {
		span.SetStatus(codes.Error, "denied")
		return nil, verdict.Err()
	}

	tx, err := s.votes.ApplyFreeVote(ctx, domain.FreeVoteCast{
		UserID:    req.UserID,
		TopicID:   req.TopicID,
		OptionKey: req.OptionKey,
		Day:       day,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "free vote failed")
		return nil, err
	}

	return &VoteResponse{
		TopicID:       req.TopicID,
		OptionKey:     req.OptionKey,
		TransactionID: tx.ID,
		Balance:       tx.BalanceAfter,
	}, nil
}

func (s *VoteService) buildPaidChain() saga.Handler {
	chain := new(saga.GateHandler)
	chain.
		SetNext(new(saga.DebitHandler)).
		SetNext(new(saga.VoteHandler))
	return chain
}
