package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/pkg/redis"
	"tokenvote/internal/service/ledger/domain"
)

const quotaScriptName = "quota_counter"

// QuotaRedisAdapter 是 domain.QuotaTracker 的 Redis 实现。
// 每个计数器是一个 hash，读-判断-写全部在一段 Lua 脚本里完成，天然原子。
// 用于冷却、全局预算和请求限流这类不需要与入账同事务的计数。
type QuotaRedisAdapter struct {
	redisClient *redis.Client
	cal         *calendar.Calendar
}

// NewQuotaRedisAdapter 在创建时加载计数脚本
func NewQuotaRedisAdapter(redisClient *redis.Client, cal *calendar.Calendar) (*QuotaRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(quotaScriptName, quotaScript); err != nil {
		return nil, errors.Wrap(err, "failed to load quota script")
	}
	return &QuotaRedisAdapter{redisClient: redisClient, cal: cal}, nil
}

func (a *QuotaRedisAdapter) Peek(ctx context.Context, scope, resource string, w domain.Window) (domain.QuotaCount, error) {
	return a.run(ctx, "peek", scope, resource, w, 0)
}

func (a *QuotaRedisAdapter) Increment(ctx context.Context, scope, resource string, w domain.Window) (domain.QuotaCount, error) {
	return a.run(ctx, "incr", scope, resource, w, 0)
}

func (a *QuotaRedisAdapter) IncrementCapped(ctx context.Context, scope, resource string, w domain.Window, limit int64) (domain.QuotaCount, error) {
	return a.run(ctx, "incr_capped", scope, resource, w, limit)
}

func (a *QuotaRedisAdapter) Release(ctx context.Context, scope, resource string, w domain.Window) (domain.QuotaCount, error) {
	return a.run(ctx, "release", scope, resource, w, 0)
}

func (a *QuotaRedisAdapter) ResetIfStale(ctx context.Context, scope, resource string, w domain.Window) (domain.QuotaCount, error) {
	return a.run(ctx, "reset", scope, resource, w, 0)
}

func (a *QuotaRedisAdapter) run(ctx context.Context, op, scope, resource string, w domain.Window, limit int64) (domain.QuotaCount, error) {
	now := a.cal.Now()
	marker, resetAt := "", now.Add(w.Period)
	if w.Kind != domain.WindowRolling {
		marker, resetAt = a.cal.Today(), a.cal.NextMidnight()
	}

	// hash tag 保证集群模式下同一 scope 的计数落在同一个 slot
	key := fmt.Sprintf("quota:{%s}:%s", scope, resource)
	args := []interface{}{op, now.UnixMilli(), marker, resetAt.UnixMilli(), limit}

	result, err := a.redisClient.RunScript(ctx, quotaScriptName, []string{key}, args...)
	if err != nil {
		return domain.QuotaCount{}, domain.Transient(domain.ReasonStorageUnavailable, errors.Wrapf(err, "quota script %s", op))
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return domain.QuotaCount{}, domain.Transient(domain.ReasonStorageUnavailable, errors.Errorf("unexpected result from quota script: %v", result))
	}
	code, _ := values[0].(int64)
	count, _ := values[1].(int64)
	resetMs, _ := values[2].(int64)
	current := domain.QuotaCount{Count: count, ResetAt: time.UnixMilli(resetMs).UTC()}

	switch code {
	case 0:
		return current, nil
	case 1:
		reason := domain.ReasonDailyLimitReached
		if w.Kind == domain.WindowRolling {
			reason = domain.ReasonCooldownActive
		}
		return domain.QuotaCount{}, domain.QuotaDenied(reason, map[string]any{
			"scope":    scope,
			"resource": resource,
			"limit":    limit,
			"current":  current.Count,
			"reset_at": current.ResetAt,
		})
	default:
		return domain.QuotaCount{}, domain.Transient(domain.ReasonStorageUnavailable, errors.Errorf("unknown result code from quota script: %d", code))
	}
}

var quotaScript = `
-- KEYS[1]: 计数器 key, 例如: quota:{user-1}:watch_ad
-- ARGV[1]: 操作 peek | incr | incr_capped | release | reset
-- ARGV[2]: 当前时间 (ms)
-- ARGV[3]: 日窗口的 day-marker, 滚动窗口为空串
-- ARGV[4]: 新窗口的重置时间 (ms)
-- ARGV[5]: incr_capped 的上限
-- 返回 {code, count, reset_at}: code 0 成功, 1 已达上限

local op = ARGV[1]
local now = tonumber(ARGV[2])
local marker = ARGV[3]
local resetAt = tonumber(ARGV[4])
local limit = tonumber(ARGV[5])

local count = tonumber(redis.call('hget', KEYS[1], 'count') or '0')
local storedMarker = redis.call('hget', KEYS[1], 'marker') or ''
local storedReset = tonumber(redis.call('hget', KEYS[1], 'reset_at') or '0')

-- 1. 判断窗口是否过期: 日窗口比较 day-marker, 滚动窗口比较重置时间
local stale
if marker ~= '' then
    stale = storedMarker ~= marker
else
    stale = storedReset <= now
end
if stale then
    count = 0
    storedReset = resetAt
end

if op == 'peek' then
    return {0, count, storedReset}
end

-- 2. 补偿只作用于当前窗口
if op == 'release' then
    if stale or count <= 0 then
        return {0, count, storedReset}
    end
    count = redis.call('hincrby', KEYS[1], 'count', -1)
    return {0, count, storedReset}
end

-- 3. 开启新窗口
if stale then
    redis.call('hset', KEYS[1], 'count', 0, 'marker', marker, 'reset_at', ARGV[4])
    redis.call('pexpireat', KEYS[1], ARGV[4])
end

if op == 'reset' then
    return {0, count, storedReset}
end

if op == 'incr_capped' and count >= limit then
    return {1, count, storedReset}
end

count = redis.call('hincrby', KEYS[1], 'count', 1)
return {0, count, storedReset}
`
