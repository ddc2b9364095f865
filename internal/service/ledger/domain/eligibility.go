// internal/service/ledger/domain/eligibility.go
package domain

import "time"

// Action 是需要资格校验的用户动作
type Action string

const (
	ActionCastVote        Action = "cast_vote"
	ActionCastFreeVote    Action = "cast_free_vote"
	ActionApplyExposure   Action = "apply_exposure"
	ActionCompleteMission Action = "complete_mission"
	ActionWatchAd         Action = "watch_ad"
	ActionCreateTopic     Action = "create_topic"
	ActionClaimDailyLogin Action = "claim_daily_login"
)

// EvalContext 携带动作相关的参数
type EvalContext struct {
	TopicID     string
	OptionKey   string
	Amount      int64
	TargetLevel ExposureLevel
	MissionID   string
}

// Verdict 是资格校验结果。Allowed 为 false 时 Denial 一定非空。
type Verdict struct {
	Allowed bool
	Cost    int64
	Denial  *Denial

	// 校验过程中读到的实体，供后续步骤复用
	Account  *Account
	Topic    *Topic
	Mission  *Mission
	Exposure ExposureLevel
}

func Allow(cost int64) *Verdict { return &Verdict{Allowed: true, Cost: cost} }

func Deny(d *Denial) *Verdict { return &Verdict{Denial: d} }

// Err 把拒绝结果转成 error，允许时返回 nil
func (v *Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return v.Denial
}

// Restriction 是管理员对用户某类动作的限制；Action 为空表示全部动作
type Restriction struct {
	UserID string
	Action Action
	Reason string
	Until  *time.Time
}
