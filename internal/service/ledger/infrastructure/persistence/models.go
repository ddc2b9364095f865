package persistence

import (
	"time"

	"gorm.io/gorm"
)

// AccountModel 对应 accounts 表，余额由 CHECK 约束兜底不为负
type AccountModel struct {
	UserID       string `gorm:"primaryKey;size:64"`
	TokenBalance int64  `gorm:"not null;default:0;check:chk_accounts_token_balance,token_balance >= 0"`
	Status       string `gorm:"size:16;not null;default:active"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (AccountModel) TableName() string { return "accounts" }

// TransactionModel 对应 token_transactions 表，只追加不修改。
// idempotency_key 允许为 NULL，非空时全局唯一。
type TransactionModel struct {
	ID             string    `gorm:"primaryKey;size:36"`
	UserID         string    `gorm:"size:64;not null;index:idx_tx_user_created,priority:1"`
	Amount         int64     `gorm:"not null"`
	Kind           string    `gorm:"size:32;not null"`
	ReferenceID    string    `gorm:"size:128"`
	IdempotencyKey *string   `gorm:"size:191;uniqueIndex:uk_tx_idempotency_key"`
	BalanceAfter   int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"index:idx_tx_user_created,priority:2"`
}

func (TransactionModel) TableName() string { return "token_transactions" }

// QuotaCounterModel 对应 quota_counters 表。日窗口用 window_marker 判断是否过期，滚动窗口用 reset_at。
type QuotaCounterModel struct {
	Scope        string    `gorm:"primaryKey;size:64"`
	Resource     string    `gorm:"primaryKey;size:64"`
	WindowMarker string    `gorm:"size:32;not null"`
	Used         int64     `gorm:"not null;default:0"`
	ResetAt      time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

func (QuotaCounterModel) TableName() string { return "quota_counters" }

type TopicModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	OwnerID   string `gorm:"size:64;not null;index"`
	Title     string `gorm:"size:255;not null"`
	Status    string `gorm:"size:16;not null;default:active"`
	VoteCount int64  `gorm:"not null;default:0"`
	EndsAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time

	Options []TopicOptionModel `gorm:"foreignKey:TopicID"`
}

func (TopicModel) TableName() string { return "topics" }

// TopicOptionModel 的列名用 option_key，避免与 MySQL 保留字 OPTION 冲突
type TopicOptionModel struct {
	TopicID    string `gorm:"primaryKey;size:36"`
	OptionKey  string `gorm:"primaryKey;size:64"`
	Label      string `gorm:"size:255"`
	Position   int    `gorm:"not null;default:0"`
	VoteCount  int64  `gorm:"not null;default:0"`
	TokenTotal int64  `gorm:"not null;default:0"`
}

func (TopicOptionModel) TableName() string { return "topic_options" }

// VoteModel 以 (user_id, topic_id) 为主键，保证每人每话题只有一行
type VoteModel struct {
	UserID    string `gorm:"primaryKey;size:64"`
	TopicID   string `gorm:"primaryKey;size:36;index"`
	OptionKey string `gorm:"size:64;not null"`
	Amount    int64  `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (VoteModel) TableName() string { return "votes" }

type TopicParticipantModel struct {
	TopicID  string `gorm:"primaryKey;size:36"`
	UserID   string `gorm:"primaryKey;size:64"`
	JoinedAt time.Time
}

func (TopicParticipantModel) TableName() string { return "topic_participants" }

// FreeVoteUsageModel 的主键就是免费票配额
type FreeVoteUsageModel struct {
	UserID    string `gorm:"primaryKey;size:64"`
	TopicID   string `gorm:"primaryKey;size:36"`
	VoteDay   string `gorm:"primaryKey;size:10"`
	OptionKey string `gorm:"size:64;not null"`
	CreatedAt time.Time
}

func (FreeVoteUsageModel) TableName() string { return "free_vote_usages" }

type ExposureStateModel struct {
	TopicID   string     `gorm:"primaryKey;size:36"`
	Level     string     `gorm:"size:16;not null;default:normal"`
	ExpiresAt *time.Time `gorm:"index"`
	Version   int64      `gorm:"not null;default:0"`
	ChangedAt time.Time
}

func (ExposureStateModel) TableName() string { return "exposure_states" }

type MissionModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	Title       string `gorm:"size:255"`
	Reward      int64  `gorm:"not null"`
	LimitPerDay int    `gorm:"not null;default:0"`
	Active      bool   `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (MissionModel) TableName() string { return "missions" }

type MissionProgressModel struct {
	UserID            string `gorm:"primaryKey;size:64"`
	MissionID         string `gorm:"primaryKey;size:64"`
	Completed         int    `gorm:"not null;default:0"`
	LastCompletedDate string `gorm:"size:10;not null"`
	Progress          int    `gorm:"not null;default:0"`
	UpdatedAt         time.Time
}

func (MissionProgressModel) TableName() string { return "mission_progresses" }

type LoginStreakModel struct {
	UserID        string `gorm:"primaryKey;size:64"`
	CurrentStreak int    `gorm:"not null;default:0"`
	TotalDays     int    `gorm:"not null;default:0"`
	LastClaimDate string `gorm:"size:10;not null"`
	UpdatedAt     time.Time
}

func (LoginStreakModel) TableName() string { return "login_streaks" }

// UserRestrictionModel 是管理后台写入的限制记录；Action 为空表示限制所有动作
type UserRestrictionModel struct {
	ID        uint       `gorm:"primaryKey"`
	UserID    string     `gorm:"size:64;not null;index:idx_restriction_user_action,priority:1"`
	Action    string     `gorm:"size:32;not null;index:idx_restriction_user_action,priority:2"`
	Reason    string     `gorm:"size:255"`
	Until     *time.Time `gorm:"column:restricted_until"`
	CreatedAt time.Time
}

func (UserRestrictionModel) TableName() string { return "user_restrictions" }

// AutoMigrate 创建或更新所有账本表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AccountModel{},
		&TransactionModel{},
		&QuotaCounterModel{},
		&TopicModel{},
		&TopicOptionModel{},
		&VoteModel{},
		&TopicParticipantModel{},
		&FreeVoteUsageModel{},
		&ExposureStateModel{},
		&MissionModel{},
		&MissionProgressModel{},
		&LoginStreakModel{},
		&UserRestrictionModel{},
	)
}
