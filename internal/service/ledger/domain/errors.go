// internal/service/ledger/domain/errors.go
package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind 是账本对外暴露的错误分类
type ErrorKind string

const (
	KindInsufficientFunds       ErrorKind = "insufficient_funds"
	KindQuotaExceeded           ErrorKind = "quota_exceeded"
	KindInvalidState            ErrorKind = "invalid_state"
	KindTransientStorageFailure ErrorKind = "transient_storage_failure"
	KindDuplicateOperation      ErrorKind = "duplicate_operation"
)

// 每个分类对应一个哨兵错误，方便调用方 errors.Is 判断
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrQuotaExceeded           = errors.New("quota exceeded")
	ErrInvalidState            = errors.New("invalid state")
	ErrTransientStorageFailure = errors.New("transient storage failure")
	ErrDuplicateOperation      = errors.New("duplicate operation")
)

var sentinels = map[ErrorKind]error{
	KindInsufficientFunds:       ErrInsufficientFunds,
	KindQuotaExceeded:           ErrQuotaExceeded,
	KindInvalidState:            ErrInvalidState,
	KindTransientStorageFailure: ErrTransientStorageFailure,
	KindDuplicateOperation:      ErrDuplicateOperation,
}

// 稳定的机器可读原因码
const (
	ReasonAccountNotFound         = "account_not_found"
	ReasonAccountInactive         = "account_inactive"
	ReasonTopicNotFound           = "topic_not_found"
	ReasonTopicInactive           = "topic_inactive"
	ReasonOptionUnknown           = "option_unknown"
	ReasonNotTopicOwner           = "not_topic_owner"
	ReasonMissionNotFound         = "mission_not_found"
	ReasonMissionInactive         = "mission_inactive"
	ReasonRestricted              = "restricted"
	ReasonInvalidAmount           = "invalid_amount"
	ReasonInvalidRequest          = "invalid_request"
	ReasonAlreadyAtOrHigher       = "already_at_or_higher"
	ReasonExposureStateChanged    = "exposure_state_changed"
	ReasonFreeVoteUsedToday       = "free_vote_used_today"
	ReasonDailyLimitReached       = "daily_limit_reached"
	ReasonConcurrentLimitReached  = "concurrent_limit_reached"
	ReasonCooldownActive          = "cooldown_active"
	ReasonGlobalBudgetExhausted   = "global_budget_exhausted"
	ReasonThrottled               = "throttled"
	ReasonMissionAlreadyCompleted = "mission_already_completed"
	ReasonBelowMinimumVotes       = "below_minimum_votes"
	ReasonInsufficientFunds       = "insufficient_funds"
	ReasonContentRejected         = "content_rejected"
	ReasonDuplicateKey            = "duplicate_idempotency_key"
	ReasonStorageUnavailable      = "storage_unavailable"
	ReasonOutcomeUnknown          = "outcome_unknown"
)

// Denial 是带原因码和结构化细节的业务错误，同时也是 EligibilityGate 的拒绝结果。
type Denial struct {
	Kind    ErrorKind
	Reason  string
	Details map[string]any
	cause   error
}

func NewDenial(kind ErrorKind, reason string, details map[string]any) *Denial {
	return &Denial{Kind: kind, Reason: reason, Details: details}
}

func (d *Denial) Error() string {
	if len(d.Details) == 0 {
		return fmt.Sprintf("%s: %s", d.Kind, d.Reason)
	}
	keys := make([]string, 0, len(d.Details))
	for k := range d.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d.Details[k]))
	}
	return fmt.Sprintf("%s: %s (%s)", d.Kind, d.Reason, strings.Join(parts, ", "))
}

// Is 让 errors.Is(err, ErrQuotaExceeded) 这类判断对 Denial 生效
func (d *Denial) Is(target error) bool {
	return sentinels[d.Kind] == target
}

func (d *Denial) Unwrap() error { return d.cause }

// Insufficient 构造余额不足错误
func Insufficient(required, current int64) *Denial {
	return NewDenial(KindInsufficientFunds, ReasonInsufficientFunds, map[string]any{
		"required": required,
		"current":  current,
	})
}

// QuotaDenied 构造配额错误，details 里一般带 limit 和 reset_at
func QuotaDenied(reason string, details map[string]any) *Denial {
	return NewDenial(KindQuotaExceeded, reason, details)
}

func InvalidState(reason string, details map[string]any) *Denial {
	return NewDenial(KindInvalidState, reason, details)
}

// KeyConflict 表示幂等键已被其它用户或其它类型的操作占用，不能当作重复请求处理
func KeyConflict(key string) *Denial {
	return InvalidState(ReasonDuplicateKey, map[string]any{"idempotency_key": key})
}

// Transient 把底层存储错误包装为可重试的瞬时故障
func Transient(reason string, cause error) *Denial {
	d := NewDenial(KindTransientStorageFailure, reason, nil)
	d.cause = cause
	return d
}

// DuplicateOperationError 表示幂等键已被使用，携带原始流水
type DuplicateOperationError struct {
	Key      string
	Original *Transaction
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("%s: %s (key=%s)", KindDuplicateOperation, ReasonDuplicateKey, e.Key)
}

func (e *DuplicateOperationError) Is(target error) bool {
	return target == ErrDuplicateOperation
}

// KindOf 对任意错误进行分类；无法识别的错误一律视为瞬时故障
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var d *Denial
	if errors.As(err, &d) {
		return d.Kind
	}
	var dup *DuplicateOperationError
	if errors.As(err, &dup) {
		return KindDuplicateOperation
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindTransientStorageFailure
}

// IsTerminal 判断错误是否为不可重试的业务拒绝
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindInsufficientFunds, KindQuotaExceeded, KindInvalidState, KindDuplicateOperation:
		return true
	}
	return false
}
