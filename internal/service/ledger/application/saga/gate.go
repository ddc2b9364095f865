package saga

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// GateHandler 执行资格校验，拒绝时直接中断链路；此时还没有任何写入
type GateHandler struct {
	NextHandler
}

func (h *GateHandler) Handle(lc *LedgerContext) error {
	ctx, span := lc.Tracer.Start(lc.Ctx, "saga.Gate")
	defer span.End()

	verdict, err := lc.Gate.Evaluate(ctx, lc.UserID, lc.Action, lc.Eval)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "eligibility read failed")
		return err
	}
	if !verdict.Allowed {
		span.SetAttributes(attribute.String("gate.reason", verdict.Denial.Reason))
		span.SetStatus(codes.Error, "denied")
		return verdict.Err()
	}
	lc.Verdict = verdict
	span.SetAttributes(attribute.Int64("gate.cost", verdict.Cost))

	return h.executeNext(lc)
}
