package application

import (
	"context"
	"time"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/service/ledger/application/saga"
)

// runSaga 执行责任链。一旦开始，链路只受 saga 自身超时约束，不再响应调用方取消；
// 任何一步失败都会在独立的上下文里执行已注册的补偿。
func runSaga(ctx context.Context, lc *saga.LedgerContext, chain saga.Handler, timeout time.Duration) error {
	sagaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	lc.Ctx = sagaCtx
	lc.Caller = ctx

	if err := chain.Handle(lc); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("user_id", lc.UserID).
			Str("action", string(lc.Action)).
			Msg("saga chain failed, compensation triggered")

		compCtx, compCancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer compCancel()
		lc.TriggerCompensation(compCtx)
		return err
	}
	return nil
}
