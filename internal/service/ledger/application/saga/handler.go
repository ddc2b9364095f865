package saga

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/domain/port"
)

// Gate 是资格校验的抽象，由 application.EligibilityGate 实现
type Gate interface {
	Evaluate(ctx context.Context, userID string, action domain.Action, ec domain.EvalContext) (*domain.Verdict, error)
}

// Refunder 为一笔已经扣款的流水执行退款补偿，失败时负责持久化到补偿队列
type Refunder interface {
	Refund(ctx context.Context, debit *domain.Transaction, reason string) error
}

// LedgerContext 在 Saga 流程中传递上下文数据。
// Ctx 已经脱离调用方的取消信号，只受 saga 自身超时约束；Caller 是调用方原始上下文。
type LedgerContext struct {
	Ctx    context.Context
	Caller context.Context
	Tracer trace.Tracer

	UserID  string
	Action  domain.Action
	Eval    domain.EvalContext
	TxKind  domain.TxKind
	RefID   string
	Verdict *domain.Verdict

	// 出站端口
	Gate      Gate
	Accounts  domain.AccountStore
	Refunder  Refunder
	Votes     domain.VoteRepository
	Exposures domain.ExposureRepository
	Topics    domain.TopicRepository
	Counters  domain.QuotaTracker
	Screener  port.ContentScreener

	// 各步骤的产出
	NewTopic *domain.Topic
	Debit    *domain.Transaction
	Vote     *domain.Vote
	Exposure *domain.ExposureState

	compensations []func(ctx context.Context)
	compLock      sync.Mutex
}

// AddCompensation 注册补偿，执行顺序与注册顺序相反
func (c *LedgerContext) AddCompensation(comp func(ctx context.Context)) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = append([]func(context.Context){comp}, c.compensations...)
}

func (c *LedgerContext) TriggerCompensation(ctx context.Context) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	logger.Ctx(ctx).Info().
		Str("user_id", c.UserID).
		Str("action", string(c.Action)).
		Int("count", len(c.compensations)).
		Msg("executing compensation functions")
	for _, comp := range c.compensations {
		comp(ctx)
	}
	c.compensations = nil
}

type Handler interface {
	SetNext(handler Handler) Handler
	Handle(lc *LedgerContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(lc *LedgerContext) error {
	if h.next != nil {
		return h.next.Handle(lc)
	}
	return nil
}
