// internal/service/ledger/domain/account.go
package domain

import "time"

// AccountStatus 账户状态
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// Account 是用户的 token 账户，token_balance 永远不为负。
type Account struct {
	UserID       string
	TokenBalance int64
	Status       AccountStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (a *Account) IsActive() bool { return a.Status == AccountActive }

// TxKind 是账本流水的类型
type TxKind string

const (
	TxCreateTopic     TxKind = "create_topic"
	TxCastVote        TxKind = "cast_vote"
	TxApplyExposure   TxKind = "apply_exposure"
	TxFreeVote        TxKind = "free_vote"
	TxCompleteMission TxKind = "complete_mission"
	TxWatchAd         TxKind = "watch_ad"
	TxDailyLogin      TxKind = "daily_login"
	TxAdminAdjustment TxKind = "admin_adjustment"
	TxPurchase        TxKind = "purchase"
	TxRefund          TxKind = "refund" // saga 补偿退款
)

// Transaction 是追加写的账本流水；同一用户所有 Amount 之和等于余额。
type Transaction struct {
	ID             string
	UserID         string
	Amount         int64 // 负数为扣减
	Kind           TxKind
	ReferenceID    string
	IdempotencyKey string
	BalanceAfter   int64
	CreatedAt      time.Time
}

// SameRequest 判断流水是否由同一用户、同一类型的操作写入；幂等键命中但不满足时属于键冲突
func (t *Transaction) SameRequest(userID string, kind TxKind) bool {
	return t != nil && t.UserID == userID && t.Kind == kind
}

// LedgerEntry 描述一次余额变动请求
type LedgerEntry struct {
	UserID         string
	Amount         int64 // 始终为正数，方向由 Debit / Credit 决定
	Kind           TxKind
	ReferenceID    string
	IdempotencyKey string // 可选
}
