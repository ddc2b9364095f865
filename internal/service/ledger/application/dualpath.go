package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/pkg/metrics"
	"tokenvote/internal/service/ledger/domain"
)

// GrantFunc 是一条发放路径
type GrantFunc func(ctx context.Context) (*domain.GrantOutcome, error)

// DualPathExecutor 以主路径/回退路径执行奖励发放，保证同一幂等键至多入账一次。
//   - 主路径：一个数据库事务，受 PrimaryTimeout 约束
//   - 主路径超时或失败：按幂等键回查，已入账则直接返回
//   - 回退路径：把同一请求持久化投递到队列，受 FallbackTimeout 约束，结果为 pending
//
// 同一进程内同一幂等键的调用经 singleflight 合并，两条路径严格先后执行；
// 跨进程依靠 idempotency_key 唯一约束。
type DualPathExecutor struct {
	accounts domain.AccountStore
	policy   DualPathPolicy
	tracer   trace.Tracer
	group    singleflight.Group
}

func NewDualPathExecutor(accounts domain.AccountStore, policy DualPathPolicy, tracer trace.Tracer) *DualPathExecutor {
	return &DualPathExecutor{accounts: accounts, policy: policy, tracer: tracer}
}

// Execute 以 req.IdempotencyKey 去重执行一次发放。
// 键已被同一用户同一类型的发放使用时返回 duplicate；被其它请求占用时返回键冲突。
func (e *DualPathExecutor) Execute(ctx context.Context, req *domain.GrantRequest, primary, fallback GrantFunc) (*domain.GrantOutcome, error) {
	key := req.IdempotencyKey
	if key == "" {
		return nil, domain.InvalidState(domain.ReasonInvalidRequest, map[string]any{"field": "idempotency_key"})
	}
	// leader 只在真正执行 execute 的调用方里被置位，合并进来的调用方保持 false
	leader := false
	v, err, _ := e.group.Do(key, func() (any, error) {
		leader = true
		return e.execute(ctx, req, primary, fallback)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*domain.GrantOutcome)
	if !leader {
		if out.Transaction != nil && !out.Transaction.SameRequest(req.UserID, domain.TxKind(req.Kind)) {
			return nil, domain.KeyConflict(key)
		}
		if out.Status == domain.GrantCompleted {
			out.Status = domain.GrantDuplicate
		}
	}
	return &out, nil
}

func (e *DualPathExecutor) execute(ctx context.Context, req *domain.GrantRequest, primary, fallback GrantFunc) (*domain.GrantOutcome, error) {
	key := req.IdempotencyKey
	kind := domain.TxKind(req.Kind)
	ctx, span := e.tracer.Start(ctx, "dualpath.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency.key", key), attribute.String("grant.kind", string(req.Kind)))
	log := logger.Ctx(ctx)

	if existing, err := e.accounts.FindByIdempotencyKey(ctx, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "idempotency lookup failed")
		return nil, err
	} else if existing != nil {
		if !existing.SameRequest(req.UserID, kind) {
			metrics.DualPathOutcomes.WithLabelValues("lookup", "conflict").Inc()
			span.SetStatus(codes.Error, "idempotency key conflict")
			return nil, domain.KeyConflict(key)
		}
		metrics.DualPathOutcomes.WithLabelValues("lookup", string(domain.GrantDuplicate)).Inc()
		span.AddEvent("already granted")
		return duplicateOf(existing), nil
	}

	out, err := e.runPath(ctx, "primary", e.policy.PrimaryTimeout, primary)
	if err == nil {
		return out, nil
	}
	var dup *domain.DuplicateOperationError
	if errors.As(err, &dup) {
		metrics.DualPathOutcomes.WithLabelValues("primary", string(domain.GrantDuplicate)).Inc()
		return duplicateOf(dup.Original), nil
	}
	if domain.IsTerminal(err) {
		metrics.DualPathOutcomes.WithLabelValues("primary", "denied").Inc()
		span.SetStatus(codes.Error, "grant denied")
		return nil, err
	}
	span.RecordError(err)
	log.Warn().Err(err).Str("idempotency_key", key).Msg("primary grant path failed, re-querying ledger")

	// 主路径可能在超时之后才提交，先回查再决定是否走回退
	requeryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.policy.PrimaryTimeout)
	existing, qerr := e.accounts.FindByIdempotencyKey(requeryCtx, key)
	cancel()
	if qerr == nil && existing != nil {
		if !existing.SameRequest(req.UserID, kind) {
			span.SetStatus(codes.Error, "idempotency key conflict")
			return nil, domain.KeyConflict(key)
		}
		metrics.DualPathOutcomes.WithLabelValues("requery", string(domain.GrantCompleted)).Inc()
		span.AddEvent("primary committed late")
		return &domain.GrantOutcome{Status: domain.GrantCompleted, Transaction: existing, Reward: existing.Amount}, nil
	}
	if qerr != nil {
		// 回退路径同样以幂等键入账，回查失败不影响正确性
		log.Warn().Err(qerr).Str("idempotency_key", key).Msg("re-query failed, continuing with fallback")
	}

	fbCtx := context.WithoutCancel(ctx)
	out, ferr := e.runPath(fbCtx, "fallback", e.policy.FallbackTimeout, fallback)
	if ferr != nil {
		span.RecordError(ferr)
		span.SetStatus(codes.Error, "both grant paths failed")
		log.Error().Err(ferr).Str("idempotency_key", key).Msg("fallback grant path failed, outcome unknown")
		return nil, domain.Transient(domain.ReasonOutcomeUnknown, errors.Wrap(ferr, "fallback"))
	}
	span.AddEvent("handed over to fallback")
	return out, nil
}

func (e *DualPathExecutor) runPath(ctx context.Context, path string, timeout time.Duration, fn GrantFunc) (*domain.GrantOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "dualpath."+path)
	defer span.End()

	pathCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := fn(pathCtx)
	metrics.DualPathLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())

	if err == nil && out == nil {
		err = errors.Errorf("%s path returned no outcome", path)
	}
	if err != nil {
		if !domain.IsTerminal(err) {
			metrics.DualPathOutcomes.WithLabelValues(path, "failed").Inc()
		}
		span.RecordError(err)
		return nil, err
	}
	metrics.DualPathOutcomes.WithLabelValues(path, string(out.Status)).Inc()
	return out, nil
}

func duplicateOf(tx *domain.Transaction) *domain.GrantOutcome {
	out := &domain.GrantOutcome{Status: domain.GrantDuplicate, Transaction: tx}
	if tx != nil {
		out.Reward = tx.Amount
	}
	return out
}
