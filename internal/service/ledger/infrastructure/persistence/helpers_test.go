package persistence

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/pkg/database"
	"tokenvote/internal/service/ledger/domain"
)

type testEnv struct {
	db    *gorm.DB
	clock *calendar.ManualClock
	cal   *calendar.Calendar

	accounts     *AccountRepository
	quotas       *QuotaRepository
	topics       *TopicRepository
	votes        *VoteRepository
	exposures    *ExposureRepository
	rewards      *RewardRepository
	restrictions *RestrictionRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on",
		filepath.Join(t.TempDir(), "ledger.db"))
	db, err := database.Open(database.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clock := calendar.NewManualClock(time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC))
	cal, err := calendar.New("UTC", clock.Now)
	require.NoError(t, err)

	return &testEnv{
		db:           db,
		clock:        clock,
		cal:          cal,
		accounts:     NewAccountRepository(db, clock.Now),
		quotas:       NewQuotaRepository(db, cal),
		topics:       NewTopicRepository(db, clock.Now),
		votes:        NewVoteRepository(db, clock.Now),
		exposures:    NewExposureRepository(db),
		rewards:      NewRewardRepository(db, cal),
		restrictions: NewRestrictionRepository(db, clock.Now),
	}
}

// fund 开户并充值
func (e *testEnv) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.accounts.Open(ctx, userID)
	require.NoError(t, err)
	if amount > 0 {
		_, err = e.accounts.Credit(ctx, domain.LedgerEntry{UserID: userID, Amount: amount, Kind: domain.TxPurchase})
		require.NoError(t, err)
	}
}

func (e *testEnv) topic(t *testing.T, id, owner string, options ...string) *domain.Topic {
	t.Helper()
	topic := &domain.Topic{ID: id, OwnerID: owner, Title: "topic " + id, Status: domain.TopicActive}
	for _, o := range options {
		topic.Options = append(topic.Options, domain.TopicOption{Key: o, Label: o})
	}
	require.NoError(t, e.topics.Create(context.Background(), topic))
	return topic
}

// ledgerSum 返回用户所有流水金额之和
func (e *testEnv) ledgerSum(t *testing.T, userID string) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, e.db.Model(&TransactionModel{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error)
	return sum
}

func (e *testEnv) txCount(t *testing.T, userID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&TransactionModel{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func (e *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := e.accounts.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}
