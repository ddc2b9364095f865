package saga

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/service/ledger/domain"
)

// QuotaHandler 对计数器做带上限的加一，补偿时释放。
// 上限判断在计数器内部原子完成，并发请求在这里被拦下。
type QuotaHandler struct {
	NextHandler
	Scope    func(lc *LedgerContext) string
	Resource string
	Window   domain.Window
	Limit    int64
	// Reason 非空时替换计数器给出的拒绝原因
	Reason string
}

// UserScope 以当前用户为计数维度
func UserScope(lc *LedgerContext) string { return lc.UserID }

// TopicScope 以当前话题为计数维度
func TopicScope(lc *LedgerContext) string { return lc.Eval.TopicID }

// GlobalScope 平台级计数
func GlobalScope(*LedgerContext) string { return domain.GlobalScope }

func (h *QuotaHandler) Handle(lc *LedgerContext) error {
	ctx, span := lc.Tracer.Start(lc.Ctx, "saga.Quota")
	defer span.End()

	scope := h.Scope(lc)
	span.SetAttributes(attribute.String("quota.scope", scope), attribute.String("quota.resource", h.Resource))

	count, err := lc.Counters.IncrementCapped(ctx, scope, h.Resource, h.Window, h.Limit)
	if err != nil {
		var d *domain.Denial
		if h.Reason != "" && errors.As(err, &d) && d.Kind == domain.KindQuotaExceeded {
			err = domain.QuotaDenied(h.Reason, d.Details)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "quota increment failed")
		return err
	}
	span.SetAttributes(attribute.Int64("quota.count", count.Count))

	lc.AddCompensation(func(compCtx context.Context) {
		compCtx, compSpan := lc.Tracer.Start(compCtx, "saga.compensation.ReleaseQuota")
		defer compSpan.End()
		compSpan.SetAttributes(attribute.String("quota.scope", scope), attribute.String("quota.resource", h.Resource))

		if _, err := lc.Counters.Release(compCtx, scope, h.Resource, h.Window); err != nil {
			compSpan.RecordError(err)
			logger.Ctx(compCtx).Warn().Err(err).
				Str("scope", scope).
				Str("resource", h.Resource).
				Msg("failed to release quota counter")
		}
	})

	return h.executeNext(lc)
}
