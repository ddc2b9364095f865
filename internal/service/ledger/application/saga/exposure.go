package saga

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/service/ledger/domain"
)

// ExposureHandler 以版本号条件更新话题曝光状态，补偿时恢复到升级前的状态
type ExposureHandler struct {
	NextHandler
	tiers domain.TierTable
	now   func() time.Time
}

func NewExposureHandler(tiers domain.TierTable, now func() time.Time) *ExposureHandler {
	return &ExposureHandler{tiers: tiers, now: now}
}

func (h *ExposureHandler) Handle(lc *LedgerContext) error {
	ctx, span := lc.Tracer.Start(lc.Ctx, "saga.SetExposure")
	defer span.End()

	prev := lc.Verdict.Topic.Exposure
	prev.TopicID = lc.Eval.TopicID
	target := lc.Eval.TargetLevel
	now := h.now()

	next := domain.ExposureState{
		TopicID:   prev.TopicID,
		Level:     target,
		ExpiresAt: h.tiers.ExpiryFor(target, now),
		ChangedAt: now,
	}
	span.SetAttributes(
		attribute.String("topic.id", prev.TopicID),
		attribute.String("exposure.from", string(lc.Verdict.Exposure)),
		attribute.String("exposure.to", string(target)),
		attribute.Int64("exposure.version", prev.Version),
	)

	applied, err := lc.Exposures.CompareAndSet(ctx, prev, next)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exposure update failed")
		return err
	}
	lc.Exposure = applied

	lc.AddCompensation(func(compCtx context.Context) {
		compCtx, compSpan := lc.Tracer.Start(compCtx, "saga.compensation.RestoreExposure")
		defer compSpan.End()

		restore := prev
		restore.ChangedAt = h.now()
		if _, err := lc.Exposures.CompareAndSet(compCtx, *applied, restore); err != nil {
			compSpan.RecordError(err)
			compSpan.SetStatus(codes.Error, "exposure restore failed")
			logger.Ctx(compCtx).Error().Err(err).
				Bool("critical", true).
				Str("topic_id", prev.TopicID).
				Msg("failed to restore exposure state")
		}
	})

	span.AddEvent("exposure state updated")
	return h.executeNext(lc)
}

// ActiveLimitHandler 在状态写入后复核并发曝光数，拦下两个请求同时通过校验的情况
type ActiveLimitHandler struct {
	NextHandler
	limit int64
	now   func() time.Time
}

func NewActiveLimitHandler(limit int64, now func() time.Time) *ActiveLimitHandler {
	return &ActiveLimitHandler{limit: limit, now: now}
}

func (h *ActiveLimitHandler) Handle(lc *LedgerContext) error {
	ctx, span := lc.Tracer.Start(lc.Ctx, "saga.ActiveLimit")
	defer span.End()

	active, err := lc.Exposures.CountActive(ctx, lc.UserID, h.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "count active exposures failed")
		return err
	}
	span.SetAttributes(attribute.Int64("exposure.active", active))
	if active > h.limit {
		err := domain.QuotaDenied(domain.ReasonConcurrentLimitReached, map[string]any{
			"limit":   h.limit,
			"current": active - 1,
		})
		span.SetStatus(codes.Error, "concurrent limit reached")
		return err
	}

	return h.executeNext(lc)
}
