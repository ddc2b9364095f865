// internal/service/ledger/domain/exposure.go
package domain

import (
	"time"

	"github.com/pkg/errors"
)

// ExposureLevel 曝光等级，有序：normal < medium < high
type ExposureLevel string

const (
	ExposureNormal ExposureLevel = "normal"
	ExposureMedium ExposureLevel = "medium"
	ExposureHigh   ExposureLevel = "high"
)

var levelRank = map[ExposureLevel]int{
	ExposureNormal: 0,
	ExposureMedium: 1,
	ExposureHigh:   2,
}

func ParseExposureLevel(s string) (ExposureLevel, error) {
	l := ExposureLevel(s)
	if _, ok := levelRank[l]; !ok {
		return "", errors.Errorf("unknown exposure level %q", s)
	}
	return l, nil
}

func (l ExposureLevel) Rank() int { return levelRank[l] }

// ExposureState 是话题当前的曝光状态，Version 用于条件更新
type ExposureState struct {
	TopicID   string
	Level     ExposureLevel
	ExpiresAt *time.Time
	Version   int64
	ChangedAt time.Time
}

// Effective 返回 now 时刻实际生效的等级：过期的 medium/high 视为 normal
func (s ExposureState) Effective(now time.Time) ExposureLevel {
	if s.Level == "" {
		return ExposureNormal
	}
	if s.Level != ExposureNormal && s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
		return ExposureNormal
	}
	return s.Level
}

// ExposureTier 是一个曝光等级的定价与门槛
type ExposureTier struct {
	Level    ExposureLevel `yaml:"level"`
	Price    int64         `yaml:"price"`
	Duration time.Duration `yaml:"duration"` // 0 表示不过期
	MinVotes int64         `yaml:"min_votes"`
}

// TierTable 按等级索引的价目表
type TierTable map[ExposureLevel]ExposureTier

// DefaultTiers 平台默认价目
func DefaultTiers() TierTable {
	return TierTable{
		ExposureNormal: {Level: ExposureNormal, Price: 30},
		ExposureMedium: {Level: ExposureMedium, Price: 80, Duration: 24 * time.Hour, MinVotes: 10},
		ExposureHigh:   {Level: ExposureHigh, Price: 180, Duration: 24 * time.Hour, MinVotes: 30},
	}
}

// UpgradeCost 返回从 current 升到 target 需要支付的差价，最低为 0
func (t TierTable) UpgradeCost(current, target ExposureLevel) int64 {
	cost := t[target].Price - t[current].Price
	if cost < 0 {
		return 0
	}
	return cost
}

// ExpiryFor 返回在 now 时刻升级到 level 后的过期时间
func (t TierTable) ExpiryFor(level ExposureLevel, now time.Time) *time.Time {
	d := t[level].Duration
	if d <= 0 {
		return nil
	}
	exp := now.Add(d)
	return &exp
}
