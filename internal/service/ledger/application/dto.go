// internal/service/ledger/application/dto.go
package application

import (
	"time"

	"tokenvote/internal/service/ledger/domain"
)

// CastVoteRequest 既用于付费投票也用于免费投票；免费投票忽略 Amount
type CastVoteRequest struct {
	UserID    string `json:"-"`
	TopicID   string `json:"topic_id"`
	OptionKey string `json:"option_key"`
	Amount    int64  `json:"amount,omitempty"`
}

type VoteResponse struct {
	TopicID       string `json:"topic_id"`
	OptionKey     string `json:"option_key"`
	Amount        int64  `json:"amount"`
	TotalAmount   int64  `json:"total_amount,omitempty"`
	TransactionID string `json:"transaction_id"`
	Balance       int64  `json:"balance"`
}

type UpgradeExposureRequest struct {
	UserID  string               `json:"-"`
	TopicID string               `json:"topic_id"`
	Target  domain.ExposureLevel `json:"target_level"`
}

type ExposureResponse struct {
	TopicID       string               `json:"topic_id"`
	Level         domain.ExposureLevel `json:"level"`
	ExpiresAt     *time.Time           `json:"expires_at,omitempty"`
	Cost          int64                `json:"cost"`
	TransactionID string               `json:"transaction_id,omitempty"`
	Balance       int64                `json:"balance"`
}

type OptionInput struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

type CreateTopicRequest struct {
	UserID  string        `json:"-"`
	Title   string        `json:"title"`
	Options []OptionInput `json:"options"`
	EndsAt  *time.Time    `json:"ends_at,omitempty"`
}

type TopicResponse struct {
	ID           string               `json:"id"`
	OwnerID      string               `json:"owner_id"`
	Title        string               `json:"title"`
	Status       domain.TopicStatus   `json:"status"`
	VoteCount    int64                `json:"vote_count"`
	Participants int64                `json:"participants"`
	Exposure     domain.ExposureLevel `json:"exposure_level"`
	EndsAt       *time.Time           `json:"ends_at,omitempty"`
	Options      []OptionTally        `json:"options"`
	Balance      *int64               `json:"balance,omitempty"`
}

type OptionTally struct {
	Key        string `json:"key"`
	Label      string `json:"label"`
	VoteCount  int64  `json:"vote_count"`
	TokenTotal int64  `json:"token_total"`
}

// GrantResponse 是奖励类接口的统一返回
type GrantResponse struct {
	Status        domain.GrantStatus `json:"status"`
	Duplicate     bool               `json:"duplicate"`
	Reward        int64              `json:"reward"`
	Streak        int                `json:"streak,omitempty"`
	Count         int64              `json:"count,omitempty"`
	TransactionID string             `json:"transaction_id,omitempty"`
	Balance       *int64             `json:"balance,omitempty"`
}

type AdEligibilityResponse struct {
	Eligible  bool      `json:"eligible"`
	Reason    string    `json:"reason,omitempty"`
	Watched   int64     `json:"watched"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type CreditRequest struct {
	UserID         string        `json:"-"`
	Amount         int64         `json:"amount"`
	Kind           domain.TxKind `json:"kind"`
	ReferenceID    string        `json:"reference_id"`
	IdempotencyKey string        `json:"-"`
}

type TransactionView struct {
	ID           string        `json:"id"`
	Amount       int64         `json:"amount"`
	Kind         domain.TxKind `json:"kind"`
	ReferenceID  string        `json:"reference_id,omitempty"`
	BalanceAfter int64         `json:"balance_after"`
	CreatedAt    time.Time     `json:"created_at"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func toGrantResponse(out *domain.GrantOutcome) *GrantResponse {
	resp := &GrantResponse{
		Status:    out.Status,
		Duplicate: out.Status == domain.GrantDuplicate,
		Reward:    out.Reward,
		Streak:    out.Streak,
		Count:     out.Count,
	}
	if out.Transaction != nil {
		resp.TransactionID = out.Transaction.ID
		if out.Status != domain.GrantPending {
			b := out.Transaction.BalanceAfter
			resp.Balance = &b
		}
	}
	return resp
}

func toTransactionView(tx domain.Transaction) TransactionView {
	return TransactionView{
		ID:           tx.ID,
		Amount:       tx.Amount,
		Kind:         tx.Kind,
		ReferenceID:  tx.ReferenceID,
		BalanceAfter: tx.BalanceAfter,
		CreatedAt:    tx.CreatedAt,
	}
}
