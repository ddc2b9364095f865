package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tokenvote/internal/pkg/database"
	"tokenvote/internal/pkg/metrics"
	"tokenvote/internal/service/ledger/domain"
)

// Clock 返回当前时间；仓储统一以 UTC 落库
type Clock func() time.Time

// AccountRepository 是 domain.AccountStore 的 GORM 实现。
// 扣款是一条带 balance >= amount 条件的 UPDATE，流水在同一事务里追加。
type AccountRepository struct {
	db  *gorm.DB
	now Clock
}

func NewAccountRepository(db *gorm.DB, now Clock) *AccountRepository {
	if now == nil {
		now = time.Now
	}
	return &AccountRepository{db: db, now: now}
}

func (r *AccountRepository) Open(ctx context.Context, userID string) (*domain.Account, error) {
	model := AccountModel{UserID: userID, Status: string(domain.AccountActive)}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
	if err != nil {
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "open account"))
	}
	return r.GetAccount(ctx, userID)
}

func (r *AccountRepository) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	var model AccountModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, accountNotFound(userID)
		}
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "get account"))
	}
	return toDomainAccount(&model), nil
}

func (r *AccountRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	acc, err := r.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.TokenBalance, nil
}

func (r *AccountRepository) Debit(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error) {
	if entry.Amount <= 0 {
		return nil, domain.InvalidState(domain.ReasonInvalidAmount, map[string]any{"amount": entry.Amount})
	}
	var out *domain.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = debitTx(tx, r.now().UTC(), entry)
		return err
	})
	if err != nil {
		return nil, translateErr(ctx, r.db, entry.IdempotencyKey, entry.UserID, entry.Kind, err)
	}
	observe(out)
	return out, nil
}

func (r *AccountRepository) Credit(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error) {
	if entry.Amount <= 0 {
		return nil, domain.InvalidState(domain.ReasonInvalidAmount, map[string]any{"amount": entry.Amount})
	}
	var out *domain.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = creditTx(tx, r.now().UTC(), entry)
		return err
	})
	if err != nil {
		return nil, translateErr(ctx, r.db, entry.IdempotencyKey, entry.UserID, entry.Kind, err)
	}
	observe(out)
	return out, nil
}

func (r *AccountRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return findByKey(ctx, r.db, key)
}

func (r *AccountRepository) Transactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var models []TransactionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "list transactions"))
	}
	out := make([]domain.Transaction, 0, len(models))
	for i := range models {
		out = append(out, *toDomainTransaction(&models[i]))
	}
	return out, nil
}

// debitTx 在给定事务里执行条件扣款并追加流水
func debitTx(tx *gorm.DB, now time.Time, entry domain.LedgerEntry) (*domain.Transaction, error) {
	res := tx.Model(&AccountModel{}).
		Where("user_id = ? AND token_balance >= ?", entry.UserID, entry.Amount).
		Updates(map[string]any{
			"token_balance": gorm.Expr("token_balance - ?", entry.Amount),
			"updated_at":    now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// 没有命中：账户不存在或余额不足，读一次用于返回细节
		var acc AccountModel
		if err := tx.Select("user_id", "token_balance").Where("user_id = ?", entry.UserID).Take(&acc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, accountNotFound(entry.UserID)
			}
			return nil, err
		}
		return nil, domain.Insufficient(entry.Amount, acc.TokenBalance)
	}
	return appendTx(tx, now, -entry.Amount, entry)
}

// creditTx 在给定事务里入账并追加流水；Amount 为 0 时只追加审计流水
func creditTx(tx *gorm.DB, now time.Time, entry domain.LedgerEntry) (*domain.Transaction, error) {
	if entry.Amount > 0 {
		res := tx.Model(&AccountModel{}).
			Where("user_id = ?", entry.UserID).
			Updates(map[string]any{
				"token_balance": gorm.Expr("token_balance + ?", entry.Amount),
				"updated_at":    now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, accountNotFound(entry.UserID)
		}
	}
	return appendTx(tx, now, entry.Amount, entry)
}

func appendTx(tx *gorm.DB, now time.Time, delta int64, entry domain.LedgerEntry) (*domain.Transaction, error) {
	var acc AccountModel
	if err := tx.Select("user_id", "token_balance").Where("user_id = ?", entry.UserID).Take(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, accountNotFound(entry.UserID)
		}
		return nil, err
	}

	model := TransactionModel{
		ID:           uuid.NewString(),
		UserID:       entry.UserID,
		Amount:       delta,
		Kind:         string(entry.Kind),
		ReferenceID:  entry.ReferenceID,
		BalanceAfter: acc.TokenBalance,
		CreatedAt:    now,
	}
	if entry.IdempotencyKey != "" {
		key := entry.IdempotencyKey
		model.IdempotencyKey = &key
	}
	if err := tx.Create(&model).Error; err != nil {
		return nil, err
	}
	return toDomainTransaction(&model), nil
}

func findByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	var model TransactionModel
	err := db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrap(err, "find by idempotency key"))
	}
	return toDomainTransaction(&model), nil
}

// translateErr 把事务错误转换为领域错误：业务拒绝原样返回，其余为瞬时故障。
// 幂等键冲突时，同一用户同一类型的原流水视为 DuplicateOperation，否则是键冲突。
func translateErr(ctx context.Context, db *gorm.DB, key, userID string, kind domain.TxKind, err error) error {
	var denial *domain.Denial
	var dup *domain.DuplicateOperationError
	if errors.As(err, &denial) || errors.As(err, &dup) {
		return err
	}
	if key != "" && database.IsDuplicateKey(err) {
		original, findErr := findByKey(context.WithoutCancel(ctx), db, key)
		if findErr == nil && original != nil {
			if !original.SameRequest(userID, kind) {
				return domain.KeyConflict(key)
			}
			return &domain.DuplicateOperationError{Key: key, Original: original}
		}
	}
	return domain.Transient(domain.ReasonStorageUnavailable, errors.WithStack(err))
}

func accountNotFound(userID string) *domain.Denial {
	return domain.InvalidState(domain.ReasonAccountNotFound, map[string]any{"user_id": userID})
}

func observe(tx *domain.Transaction) {
	if tx == nil {
		return
	}
	direction, amount := "credit", tx.Amount
	switch {
	case tx.Amount < 0:
		direction, amount = "debit", -tx.Amount
	case tx.Amount == 0:
		direction = "audit"
	}
	metrics.LedgerMutations.WithLabelValues(string(tx.Kind), direction).Inc()
	metrics.LedgerTokens.WithLabelValues(string(tx.Kind), direction).Add(float64(amount))
}
