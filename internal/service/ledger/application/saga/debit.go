package saga

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tokenvote/internal/service/ledger/domain"
)

// DebitHandler 按校验得到的费用扣款，并注册退款补偿。
// 费用为 0 时跳过扣款（例如曝光降价升级）。
type DebitHandler struct {
	NextHandler
}

func (h *DebitHandler) Handle(lc *LedgerContext) error {
	ctx, span := lc.Tracer.Start(lc.Ctx, "saga.Debit")
	defer span.End()

	cost := lc.Verdict.Cost
	span.SetAttributes(attribute.Int64("debit.amount", cost), attribute.String("debit.kind", string(lc.TxKind)))
	if cost == 0 {
		span.AddEvent("zero cost, debit skipped")
		return h.executeNext(lc)
	}

	// 扣款之前调用方已经放弃，则不再发起任何写入
	if err := lc.Caller.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "caller cancelled before debit")
		return domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "caller cancelled"))
	}

	tx, err := lc.Accounts.Debit(ctx, domain.LedgerEntry{
		UserID:      lc.UserID,
		Amount:      cost,
		Kind:        lc.TxKind,
		ReferenceID: lc.RefID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "debit failed")
		return err
	}
	lc.Debit = tx
	span.SetAttributes(attribute.String("debit.tx_id", tx.ID))

	lc.AddCompensation(func(compCtx context.Context) {
		compCtx, compSpan := lc.Tracer.Start(compCtx, "saga.compensation.Refund")
		defer compSpan.End()
		compSpan.SetAttributes(attribute.String("debit.tx_id", tx.ID))

		if err := lc.Refunder.Refund(compCtx, tx, string(lc.Action)); err != nil {
			compSpan.RecordError(err)
			compSpan.SetStatus(codes.Error, "refund not applied")
		}
	})

	span.AddEvent("debit committed")
	return h.executeNext(lc)
}
