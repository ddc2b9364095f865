package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/service/ledger/application/saga"
	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/domain/port"
)

// TopicService 创建和查询话题
type TopicService struct {
	gate     *EligibilityGate
	refunder saga.Refunder
	accounts domain.AccountStore
	topics   domain.TopicRepository
	counters domain.QuotaTracker
	screener port.ContentScreener
	cal      *calendar.Calendar
	tracer   trace.Tracer
	policy   Policy
}

func NewTopicService(d Deps, gate *EligibilityGate, refunder saga.Refunder, policy Policy) *TopicService {
	return &TopicService{
		gate:     gate,
		refunder: refunder,
		accounts: d.Accounts,
		topics:   d.Topics,
		counters: d.Counters,
		screener: d.Screener,
		cal:      d.Calendar,
		tracer:   d.Tracer,
		policy:   policy,
	}
}

// CreateTopic 审核 → 校验 → 扣创建费 → 每日计数 → 写入话题
func (s *TopicService) CreateTopic(ctx context.Context, req *CreateTopicRequest) (*TopicResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateTopic")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", req.UserID))

	topic, err := s.newTopic(req)
	if err != nil {
		span.SetStatus(codes.Error, "invalid topic")
		return nil, err
	}
	span.SetAttributes(attribute.String("topic.id", topic.ID))

	lc := &saga.LedgerContext{
		Tracer:   s.tracer,
		UserID:   req.UserID,
		Action:   domain.ActionCreateTopic,
		TxKind:   domain.TxCreateTopic,
		RefID:    topic.ID,
		NewTopic: topic,
		Gate:     s.gate,
		Accounts: s.accounts,
		Refunder: s.refunder,
		Topics:   s.topics,
		Counters: s.counters,
		Screener: s.screener,
	}
	if err := runSaga(ctx, lc, s.buildChain(), s.policy.Saga.Timeout); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create topic failed")
		return nil, err
	}

	logger.Ctx(ctx).Info().Str("user_id", req.UserID).Str("topic_id", topic.ID).Msg("topic created")

	resp := toTopicResponse(topic, 0, s.cal)
	if lc.Debit != nil {
		b := lc.Debit.BalanceAfter
		resp.Balance = &b
	}
	return resp, nil
}

// GetTopic 返回计票与当前生效的曝光等级
func (s *TopicService) GetTopic(ctx context.Context, topicID string) (*TopicResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetTopic")
	defer span.End()

	topic, err := s.topics.Get(ctx, topicID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	participants, err := s.topics.CountParticipants(ctx, topicID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return toTopicResponse(topic, participants, s.cal), nil
}

func (s *TopicService) newTopic(req *CreateTopicRequest) (*domain.Topic, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, domain.InvalidState(domain.ReasonInvalidRequest, map[string]any{"field": "title"})
	}
	if n := len(req.Options); n < 2 || n > s.policy.Topic.MaxOptions {
		return nil, domain.InvalidState(domain.ReasonInvalidRequest, map[string]any{
			"field": "options",
			"count": n,
			"max":   s.policy.Topic.MaxOptions,
		})
	}
	if req.EndsAt != nil && !req.EndsAt.After(s.cal.Now()) {
		return nil, domain.InvalidState(domain.ReasonInvalidRequest, map[string]any{"field": "ends_at"})
	}

	topic := &domain.Topic{
		ID:      uuid.NewString(),
		OwnerID: req.UserID,
		Title:   title,
		Status:  domain.TopicActive,
		EndsAt:  req.EndsAt,
	}
	seen := make(map[string]bool, len(req.Options))
	for i, o := range req.Options {
		key := strings.TrimSpace(o.Key)
		if key == "" {
			key = fmt.Sprintf("opt-%d", i+1)
		}
		if seen[key] {
			return nil, domain.InvalidState(domain.ReasonInvalidRequest, map[string]any{"field": "options", "duplicate": key})
		}
		seen[key] = true
		topic.Options = append(topic.Options, domain.TopicOption{Key: key, Label: strings.TrimSpace(o.Label)})
	}
	return topic, nil
}

func (s *TopicService) buildChain() saga.Handler {
	gate := new(saga.GateHandler)
	gate.
		SetNext(new(saga.DebitHandler)).
		SetNext(&saga.QuotaHandler{
			Scope:    saga.UserScope,
			Resource: domain.ResourceCreateTopic,
			Window:   domain.Daily(),
			Limit:    s.policy.Topic.DailyCreateLimit,
		}).
		SetNext(new(saga.CreateTopicHandler))

	// 未配置审核服务时跳过审核
	if s.screener == nil {
		return gate
	}
	screen := new(saga.ScreenHandler)
	screen.SetNext(gate)
	return screen
}

func toTopicResponse(t *domain.Topic, participants int64, cal *calendar.Calendar) *TopicResponse {
	resp := &TopicResponse{
		ID:           t.ID,
		OwnerID:      t.OwnerID,
		Title:        t.Title,
		Status:       t.Status,
		VoteCount:    t.VoteCount,
		Participants: participants,
		Exposure:     t.Exposure.Effective(cal.Now()),
		EndsAt:       t.EndsAt,
		Options:      make([]OptionTally, 0, len(t.Options)),
	}
	for _, o := range t.Options {
		resp.Options = append(resp.Options, OptionTally{
			Key:        o.Key,
			Label:      o.Label,
			VoteCount:  o.VoteCount,
			TokenTotal: o.TokenTotal,
		})
	}
	return resp
}
