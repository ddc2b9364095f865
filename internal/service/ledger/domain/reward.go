// internal/service/ledger/domain/reward.go
package domain

import "time"

// LoginStreak 记录用户连续签到
type LoginStreak struct {
	UserID        string
	CurrentStreak int
	TotalDays     int
	LastClaimDate string
}

// Mission 是可完成的任务；LimitPerDay 为 0 表示一次性任务
type Mission struct {
	ID          string
	Title       string
	Reward      int64
	LimitPerDay int
	Active      bool
}

func (m *Mission) SingleShot() bool { return m.LimitPerDay <= 0 }

// MissionProgress 记录用户的任务完成情况。
// Completed 是当日（每日任务）或累计（一次性任务）完成次数，Progress 为历史累计。
type MissionProgress struct {
	UserID            string
	MissionID         string
	Completed         int
	LastCompletedDate string
	Progress          int
}

// CompletedOn 返回 day 当天已完成次数
func (p *MissionProgress) CompletedOn(day string, singleShot bool) int {
	if p == nil {
		return 0
	}
	if singleShot || p.LastCompletedDate == day {
		return p.Completed
	}
	return 0
}

// GrantKind 是奖励发放的类型
type GrantKind string

const (
	GrantDailyLogin      GrantKind = "daily_login"
	GrantWatchAd         GrantKind = "watch_ad"
	GrantCompleteMission GrantKind = "complete_mission"
)

// GrantRequest 描述一次奖励发放。主路径与回退路径共享同一个请求（及其幂等键）。
type GrantRequest struct {
	Kind           GrantKind `json:"kind"`
	UserID         string    `json:"user_id"`
	MissionID      string    `json:"mission_id,omitempty"`
	Day            string    `json:"day"` // 请求发起时的自然日，回放时沿用
	IdempotencyKey string    `json:"idempotency_key"`
	RequestedAt    time.Time `json:"requested_at"`
}

// GrantStatus 是奖励发放的结果状态
type GrantStatus string

const (
	GrantCompleted GrantStatus = "completed"
	GrantDuplicate GrantStatus = "duplicate" // 幂等键已完成，未重复入账
	GrantPending   GrantStatus = "pending"   // 已移交回退路径，稍后入账
)

// GrantOutcome 是奖励发放的结果
type GrantOutcome struct {
	Status      GrantStatus
	Transaction *Transaction
	Reward      int64
	Streak      int // 仅签到
	Count       int64
}
