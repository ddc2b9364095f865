package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/infrastructure/persistence"
)

func TestGateCheckOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.gate()
	f.fund(t, "alice", 5)
	f.topic(t, "t1", "owner", "a", "b")

	ec := domain.EvalContext{TopicID: "t1", OptionKey: "a", Amount: 10}

	// 余额不足
	v, err := g.Evaluate(ctx, "alice", domain.ActionCastVote, ec)
	require.NoError(t, err)
	require.False(t, v.Allowed)
	assert.Equal(t, domain.ReasonInsufficientFunds, v.Denial.Reason)
	assert.EqualValues(t, 10, v.Denial.Details["required"])
	assert.EqualValues(t, 5, v.Denial.Details["current"])

	// 管理限制先于余额
	require.NoError(t, f.restrictions.Restrict(ctx, domain.Restriction{UserID: "alice", Action: domain.ActionCastVote, Reason: "spam"}))
	v, err = g.Evaluate(ctx, "alice", domain.ActionCastVote, ec)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonRestricted, v.Denial.Reason)

	// 账户状态先于管理限制
	require.NoError(t, f.db.Model(&persistence.AccountModel{}).Where("user_id = ?", "alice").Update("status", "suspended").Error)
	v, err = g.Evaluate(ctx, "alice", domain.ActionCastVote, ec)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonAccountInactive, v.Denial.Reason)

	v, err = g.Evaluate(ctx, "nobody", domain.ActionCastVote, ec)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonAccountNotFound, v.Denial.Reason)
}

func TestGateTopicChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.gate()
	f.fund(t, "alice", 100)
	f.topic(t, "t1", "owner", "a", "b")

	v, err := g.Evaluate(ctx, "alice", domain.ActionCastVote, domain.EvalContext{TopicID: "missing", OptionKey: "a", Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTopicNotFound, v.Denial.Reason)

	v, err = g.Evaluate(ctx, "alice", domain.ActionCastVote, domain.EvalContext{TopicID: "t1", OptionKey: "z", Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonOptionUnknown, v.Denial.Reason)

	ended := f.clock.Now().Add(-time.Minute)
	require.NoError(t, f.db.Model(&persistence.TopicModel{}).Where("id = ?", "t1").Update("ends_at", ended).Error)
	v, err = g.Evaluate(ctx, "alice", domain.ActionCastVote, domain.EvalContext{TopicID: "t1", OptionKey: "a", Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTopicInactive, v.Denial.Reason)
}

func TestGateExposureRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.gate()
	f.fund(t, "owner", 500)
	f.fund(t, "other", 500)
	f.topic(t, "t1", "owner", "a", "b")

	medium := domain.EvalContext{TopicID: "t1", TargetLevel: domain.ExposureMedium}

	v, err := g.Evaluate(ctx, "other", domain.ActionApplyExposure, medium)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotTopicOwner, v.Denial.Reason)

	v, err = g.Evaluate(ctx, "owner", domain.ActionApplyExposure, domain.EvalContext{TopicID: "t1", TargetLevel: domain.ExposureNormal})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonAlreadyAtOrHigher, v.Denial.Reason)

	v, err = g.Evaluate(ctx, "owner", domain.ActionApplyExposure, medium)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonBelowMinimumVotes, v.Denial.Reason)
	assert.EqualValues(t, 10, v.Denial.Details["required"])

	f.setVoteCount(t, "t1", 10)
	v, err = g.Evaluate(ctx, "owner", domain.ActionApplyExposure, medium)
	require.NoError(t, err)
	require.True(t, v.Allowed)
	assert.EqualValues(t, 50, v.Cost, "upgrade pays the price difference")
}

func TestGateIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.gate()
	f.fund(t, "alice", 100)

	before := f.txCount(t, "alice")
	for i := 0; i < 3; i++ {
		v, err := g.Evaluate(ctx, "alice", domain.ActionWatchAd, domain.EvalContext{})
		require.NoError(t, err)
		assert.True(t, v.Allowed)
	}
	c, err := f.deps.Quotas.Peek(ctx, "alice", domain.ResourceWatchAd, domain.Daily())
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Count)
	assert.Equal(t, before, f.txCount(t, "alice"))
	assert.Equal(t, int64(100), f.balance(t, "alice"))
}
