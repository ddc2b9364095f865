package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStreakTable(t *testing.T) {
	r, err := NewCELStreakRule("")
	require.NoError(t, err)

	cases := map[int]int64{1: 5, 2: 5, 3: 10, 6: 10, 7: 20, 29: 20, 30: 50, 365: 50}
	for streak, want := range cases {
		got, err := r.Reward(streak)
		require.NoError(t, err)
		assert.Equal(t, want, got, "streak %d", streak)
	}
}

func TestStreakRuleRejectsBadExpressions(t *testing.T) {
	_, err := NewCELStreakRule("streak >")
	assert.Error(t, err)

	_, err = NewCELStreakRule(`streak > 3`)
	assert.Error(t, err, "bool result is not a reward")

	r, err := NewCELStreakRule(`5 - streak`)
	require.NoError(t, err)
	_, err = r.Reward(10)
	assert.Error(t, err, "negative reward")
}
