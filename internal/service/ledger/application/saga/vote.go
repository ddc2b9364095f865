package saga

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tokenvote/internal/service/ledger/domain"
)

// VoteHandler 写入投票、计票和参与记录（一个数据库事务）
type VoteHandler struct {
	NextHandler
}

func (h *VoteHandler) Handle(lc *LedgerContext) error {
	ctx, span := lc.Tracer.Start(lc.Ctx, "saga.ApplyVote")
	defer span.End()

	span.SetAttributes(
		attribute.String("topic.id", lc.Eval.TopicID),
		attribute.String("vote.option", lc.Eval.OptionKey),
		attribute.Int64("vote.amount", lc.Eval.Amount),
	)

	vote, err := lc.Votes.ApplyPaidVote(ctx, domain.VoteCast{
		UserID:    lc.UserID,
		TopicID:   lc.Eval.TopicID,
		OptionKey: lc.Eval.OptionKey,
		Amount:    lc.Eval.Amount,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vote write failed")
		return err
	}
	lc.Vote = vote

	span.AddEvent("vote recorded")
	return h.executeNext(lc)
}
