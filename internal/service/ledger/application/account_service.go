package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/service/ledger/domain"
)

const maxTransactionPage = 200

// AccountService 提供余额查询、流水列表和后台入账（充值/人工调整）
type AccountService struct {
	accounts domain.AccountStore
	tracer   trace.Tracer
}

func NewAccountService(d Deps) *AccountService {
	return &AccountService{accounts: d.Accounts, tracer: d.Tracer}
}

func (s *AccountService) Open(ctx context.Context, userID string) (*BalanceResponse, error) {
	acc, err := s.accounts.Open(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{UserID: acc.UserID, Balance: acc.TokenBalance}, nil
}

func (s *AccountService) Balance(ctx context.Context, userID string) (*BalanceResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetBalance")
	defer span.End()

	b, err := s.accounts.GetBalance(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &BalanceResponse{UserID: userID, Balance: b}, nil
}

func (s *AccountService) Transactions(ctx context.Context, userID string, limit int) ([]TransactionView, error) {
	ctx, span := s.tracer.Start(ctx, "app.ListTransactions")
	defer span.End()

	if limit <= 0 || limit > maxTransactionPage {
		limit = maxTransactionPage
	}
	txs, err := s.accounts.Transactions(ctx, userID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	views := make([]TransactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, toTransactionView(tx))
	}
	return views, nil
}

// Credit 只接受 purchase 和 admin_adjustment；重复的幂等键返回原流水
func (s *AccountService) Credit(ctx context.Context, req *CreditRequest) (*TransactionView, bool, error) {
	ctx, span := s.tracer.Start(ctx, "app.Credit")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", req.UserID), attribute.Int64("credit.amount", req.Amount))

	if req.Kind != domain.TxPurchase && req.Kind != domain.TxAdminAdjustment {
		return nil, false, domain.InvalidState(domain.ReasonInvalidRequest, map[string]any{"kind": req.Kind})
	}
	tx, err := s.accounts.Credit(ctx, domain.LedgerEntry{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Kind:           req.Kind,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		var dup *domain.DuplicateOperationError
		if errors.As(err, &dup) && dup.Original != nil {
			view := toTransactionView(*dup.Original)
			return &view, true, nil
		}
		span.RecordError(err)
		return nil, false, err
	}

	logger.Ctx(ctx).Info().
		Str("user_id", req.UserID).
		Str("kind", string(req.Kind)).
		Int64("amount", req.Amount).
		Msg("manual credit applied")
	view := toTransactionView(*tx)
	return &view, false, nil
}
