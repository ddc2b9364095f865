package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenvote/internal/service/ledger/domain"
)

func TestApplyUpgradePaysDifference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.exposureService()
	f.fund(t, "owner", 300)
	f.topic(t, "t1", "owner", "a", "b")
	f.setVoteCount(t, "t1", 30)

	resp, err := svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t1", Target: domain.ExposureMedium})
	require.NoError(t, err)
	assert.EqualValues(t, 50, resp.Cost)
	assert.EqualValues(t, 250, resp.Balance)
	assert.Equal(t, domain.ExposureMedium, resp.Level)
	require.NotNil(t, resp.ExpiresAt)
	assert.True(t, resp.ExpiresAt.Equal(f.clock.Now().Add(24*time.Hour)))

	// 同一话题冷却中
	_, err = svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t1", Target: domain.ExposureHigh})
	requireDenial(t, err, domain.KindQuotaExceeded, domain.ReasonCooldownActive)

	f.clock.Advance(2 * time.Hour)
	resp, err = svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t1", Target: domain.ExposureHigh})
	require.NoError(t, err)
	assert.EqualValues(t, 100, resp.Cost)
	assert.EqualValues(t, 150, resp.Balance)

	_, err = svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t1", Target: domain.ExposureMedium})
	requireDenial(t, err, domain.KindInvalidState, domain.ReasonAlreadyAtOrHigher)

	apply, err := f.deps.Counters.Peek(ctx, "owner", domain.ResourceExposureApply, domain.Daily())
	require.NoError(t, err)
	assert.EqualValues(t, 2, apply.Count)
	f.assertLedgerConsistent(t, "owner")
}

func TestApplyUpgradeExpiredStateCountsAsNormal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.exposureService()
	f.fund(t, "owner", 300)
	f.topic(t, "t1", "owner", "a", "b")
	f.setVoteCount(t, "t1", 10)

	_, err := svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t1", Target: domain.ExposureMedium})
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	resp, err := svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t1", Target: domain.ExposureMedium})
	require.NoError(t, err, "expired medium is effectively normal")
	assert.EqualValues(t, 50, resp.Cost)
}

func TestApplyUpgradeConcurrentLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.policy.Exposure.MaxConcurrent = 1
	svc := f.exposureService()
	f.fund(t, "owner", 500)
	f.topic(t, "t1", "owner", "a", "b")
	f.topic(t, "t2", "owner", "a", "b")
	f.setVoteCount(t, "t1", 10)
	f.setVoteCount(t, "t2", 10)

	_, err := svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t1", Target: domain.ExposureMedium})
	require.NoError(t, err)

	_, err = svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t2", Target: domain.ExposureMedium})
	requireDenial(t, err, domain.KindQuotaExceeded, domain.ReasonConcurrentLimitReached)
	assert.EqualValues(t, 450, f.balance(t, "owner"))
}

func TestApplyUpgradeGlobalBudgetRaceCompensates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	counters := f.deps.Counters
	f.deps.Counters = denyingCounters{QuotaTracker: counters, resource: domain.ResourceExposureBudget}
	svc := f.exposureService()
	f.fund(t, "owner", 300)
	f.topic(t, "t1", "owner", "a", "b")
	f.setVoteCount(t, "t1", 10)

	_, err := svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t1", Target: domain.ExposureMedium})
	requireDenial(t, err, domain.KindQuotaExceeded, domain.ReasonGlobalBudgetExhausted)

	// 扣款、曝光状态和已经加上的计数全部回滚
	assert.EqualValues(t, 300, f.balance(t, "owner"))
	f.assertLedgerConsistent(t, "owner")

	state, err := f.deps.Exposures.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExposureNormal, state.Effective(f.clock.Now()))

	apply, err := counters.Peek(ctx, "owner", domain.ResourceExposureApply, domain.Daily())
	require.NoError(t, err)
	assert.EqualValues(t, 0, apply.Count)
	cooldown, err := counters.Peek(ctx, "t1", domain.ResourceExposureCooldown, domain.Rolling(f.policy.Exposure.Cooldown))
	require.NoError(t, err)
	assert.EqualValues(t, 0, cooldown.Count)
}

func TestApplyUpgradeDailyApplications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.policy.Exposure.DailyApplications = 1
	svc := f.exposureService()
	f.fund(t, "owner", 500)
	f.topic(t, "t1", "owner", "a", "b")
	f.topic(t, "t2", "owner", "a", "b")
	f.setVoteCount(t, "t1", 10)
	f.setVoteCount(t, "t2", 10)

	_, err := svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t1", Target: domain.ExposureMedium})
	require.NoError(t, err)
	d := requireDenial(t, func() error {
		_, err := svc.ApplyUpgrade(ctx, &UpgradeExposureRequest{UserID: "owner", TopicID: "t2", Target: domain.ExposureMedium})
		return err
	}(), domain.KindQuotaExceeded, domain.ReasonDailyLimitReached)
	assert.NotNil(t, d.Details["reset_at"])
}
