// internal/service/ledger/domain/quota.go
package domain

import "time"

// WindowKind 决定配额计数器的重置方式
type WindowKind string

const (
	WindowDaily   WindowKind = "daily"   // 按自然日 day-marker 重置
	WindowRolling WindowKind = "rolling" // 首次计数起 Period 后过期
)

// Window 是配额计数的重置边界
type Window struct {
	Kind   WindowKind
	Period time.Duration
}

func Daily() Window { return Window{Kind: WindowDaily} }

func Rolling(period time.Duration) Window { return Window{Kind: WindowRolling, Period: period} }

// QuotaCount 是计数器当前值及下一次重置时间
type QuotaCount struct {
	Count   int64
	ResetAt time.Time
}

// 配额资源名
const (
	ResourceWatchAd          = "watch_ad"
	ResourceCreateTopic      = "create_topic"
	ResourceExposureApply    = "exposure_apply"
	ResourceExposureCooldown = "exposure_cooldown"
	ResourceExposureBudget   = "exposure_budget"
	ResourceThrottlePrefix   = "throttle:"
)

// GlobalScope 是平台级计数器使用的 scope
const GlobalScope = "*"
