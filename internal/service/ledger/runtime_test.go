package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenvote/internal/pkg/bootstrap"
	"tokenvote/internal/service/ledger/domain"
)

func loadConfig(t *testing.T, content string) *bootstrap.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	cfg, err := bootstrap.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestLoadPolicyOverlaysDefaults(t *testing.T) {
	cfg := loadConfig(t, `
ledger:
  timezone: Asia/Shanghai
  tiers:
    medium:
      level: medium
      price: 60
      duration: 12h
      min_votes: 5
  exposure:
    cooldown: 30m
`)
	policy, err := LoadPolicy(cfg)
	require.NoError(t, err)

	assert.Equal(t, "Asia/Shanghai", policy.Timezone)
	assert.EqualValues(t, 60, policy.Tiers[domain.ExposureMedium].Price)
	assert.Equal(t, 12*time.Hour, policy.Tiers[domain.ExposureMedium].Duration)
	assert.Equal(t, 30*time.Minute, policy.Exposure.Cooldown)
	// 未配置的档位和参数保持默认
	assert.EqualValues(t, 180, policy.Tiers[domain.ExposureHigh].Price)
	assert.EqualValues(t, 5, policy.Ad.DailyLimit)
}

func TestLoadPolicyRejectsInvertedTiers(t *testing.T) {
	cfg := loadConfig(t, `
ledger:
  tiers:
    high:
      level: high
      price: 10
`)
	_, err := LoadPolicy(cfg)
	assert.Error(t, err)
}

func TestNewRuntimeWiresLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate", filepath.Join(t.TempDir(), "ledger.db"))
	cfg := loadConfig(t, fmt.Sprintf(`
infra:
  database:
    driver: sqlite
    dsn: %q
  redis:
    addrs: %q
ledger:
  throttle:
    limit: 1
    window: 1m
`, dsn, mr.Addr()))

	rt, err := NewRuntime(cfg)
	require.NoError(t, err)
	defer rt.Close(context.Background())

	ctx := context.Background()
	_, err = rt.Ledger.Accounts.Open(ctx, "alice")
	require.NoError(t, err)
	resp, err := rt.Ledger.Rewards.ClaimDailyLogin(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, domain.GrantCompleted, resp.Status)

	// 限流计数落在 Redis 里
	require.NoError(t, rt.Ledger.Throttler.Allow(ctx, "alice", "watch_ad"))
	err = rt.Ledger.Throttler.Allow(ctx, "alice", "watch_ad")
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.NotEmpty(t, mr.Keys())
}
