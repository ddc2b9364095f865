package saga

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ScreenHandler 把标题和选项文本交给内容审核，拒绝时中断链路
type ScreenHandler struct {
	NextHandler
}

func (h *ScreenHandler) Handle(lc *LedgerContext) error {
	ctx, span := lc.Tracer.Start(lc.Ctx, "saga.Screen")
	defer span.End()

	texts := []string{lc.NewTopic.Title}
	for _, o := range lc.NewTopic.Options {
		texts = append(texts, o.Label)
	}
	if err := lc.Screener.Screen(ctx, texts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "content screening failed")
		return err
	}

	return h.executeNext(lc)
}

// CreateTopicHandler 写入话题、选项和初始曝光状态
type CreateTopicHandler struct {
	NextHandler
}

func (h *CreateTopicHandler) Handle(lc *LedgerContext) error {
	ctx, span := lc.Tracer.Start(lc.Ctx, "saga.CreateTopic")
	defer span.End()

	span.SetAttributes(attribute.String("topic.id", lc.NewTopic.ID), attribute.Int("topic.options", len(lc.NewTopic.Options)))
	if err := lc.Topics.Create(ctx, lc.NewTopic); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "topic insert failed")
		return err
	}

	span.AddEvent("topic created")
	return h.executeNext(lc)
}
