// internal/service/ledger/domain/repository.go
package domain

import (
	"context"
	"time"
)

// AccountStore 是余额的唯一写入方。Debit / Credit 都是存储层的单条原子操作，
// 并在同一事务里追加一条流水。
type AccountStore interface {
	// Open 创建零余额账户，已存在时直接返回
	Open(ctx context.Context, userID string) (*Account, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	// Debit 余额不足时返回 InsufficientFunds 且不做任何修改
	Debit(ctx context.Context, entry LedgerEntry) (*Transaction, error)
	Credit(ctx context.Context, entry LedgerEntry) (*Transaction, error)
	// FindByIdempotencyKey 找不到时返回 (nil, nil)
	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// QuotaTracker 维护按 (scope, resource) 划分的计数器
type QuotaTracker interface {
	Peek(ctx context.Context, scope, resource string, w Window) (QuotaCount, error)
	Increment(ctx context.Context, scope, resource string, w Window) (QuotaCount, error)
	// IncrementCapped 仅在计数小于 limit 时加一，否则返回 QuotaExceeded
	IncrementCapped(ctx context.Context, scope, resource string, w Window, limit int64) (QuotaCount, error)
	// Release 是 Increment 的补偿操作，只作用于当前窗口
	Release(ctx context.Context, scope, resource string, w Window) (QuotaCount, error)
	ResetIfStale(ctx context.Context, scope, resource string, w Window) (QuotaCount, error)
}

type TopicRepository interface {
	// Create 在一个事务里写入话题、选项和初始曝光状态
	Create(ctx context.Context, topic *Topic) error
	Get(ctx context.Context, topicID string) (*Topic, error)
	CountParticipants(ctx context.Context, topicID string) (int64, error)
}

type VoteRepository interface {
	// ApplyPaidVote 在一个事务里完成投票 upsert、计票和参与记录
	ApplyPaidVote(ctx context.Context, cast VoteCast) (*Vote, error)
	// ApplyFreeVote 以 (user, topic, day) 唯一约束作为并发保护，并追加 0 金额流水
	ApplyFreeVote(ctx context.Context, cast FreeVoteCast) (*Transaction, error)
	HasFreeVote(ctx context.Context, userID, topicID, day string) (bool, error)
	GetVote(ctx context.Context, userID, topicID string) (*Vote, error)
}

type ExposureRepository interface {
	Get(ctx context.Context, topicID string) (*ExposureState, error)
	// CompareAndSet 仅当当前版本等于 prev.Version 时写入 next
	CompareAndSet(ctx context.Context, prev, next ExposureState) (*ExposureState, error)
	// CountActive 统计 owner 名下 now 时刻仍处于 medium/high 的话题数
	CountActive(ctx context.Context, ownerID string, now time.Time) (int64, error)
}

// LoginClaim 是一次签到请求
type LoginClaim struct {
	UserID         string
	Today          string
	Yesterday      string
	IdempotencyKey string
	RewardFor      func(streak int) (int64, error)
}

// AdGrant 是一次看广告奖励
type AdGrant struct {
	UserID         string
	Day            string // 计入哪一天的上限，空串为当天
	Reward         int64
	DailyLimit     int64
	IdempotencyKey string
}

// MissionGrant 是一次任务完成奖励
type MissionGrant struct {
	UserID         string
	MissionID      string
	Today          string
	IdempotencyKey string
}

// RewardRepository 的每个写方法都是一个原子单元：计数/进度与入账同时成功或同时失败
type RewardRepository interface {
	GetLoginStreak(ctx context.Context, userID string) (*LoginStreak, error)
	GetMission(ctx context.Context, missionID string) (*Mission, error)
	GetMissionProgress(ctx context.Context, userID, missionID string) (*MissionProgress, error)

	ClaimDailyLogin(ctx context.Context, claim LoginClaim) (*GrantOutcome, error)
	GrantAdReward(ctx context.Context, grant AdGrant) (*GrantOutcome, error)
	CompleteMission(ctx context.Context, grant MissionGrant) (*GrantOutcome, error)
}

// RestrictionChecker 返回对该用户该动作生效的限制，没有则返回 nil
type RestrictionChecker interface {
	IsRestricted(ctx context.Context, userID string, action Action) (*Restriction, error)
}
