package application

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"gorm.io/gorm"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/pkg/database"
	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/domain/port"
	"tokenvote/internal/service/ledger/infrastructure/persistence"
	"tokenvote/internal/service/ledger/infrastructure/rule"
)

type fixture struct {
	db     *gorm.DB
	clock  *calendar.ManualClock
	cal    *calendar.Calendar
	policy Policy
	deps   Deps

	accounts     *persistence.AccountRepository
	restrictions *persistence.RestrictionRepository
	rewardsRepo  *persistence.RewardRepository
	grants       *fakeGrants
	queue        *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on",
		filepath.Join(t.TempDir(), "ledger.db"))
	db, err := database.Open(database.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, persistence.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clock := calendar.NewManualClock(time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC))
	cal, err := calendar.New("UTC", clock.Now)
	require.NoError(t, err)

	streak, err := rule.NewCELStreakRule("")
	require.NoError(t, err)

	accounts := persistence.NewAccountRepository(db, clock.Now)
	quotas := persistence.NewQuotaRepository(db, cal)
	restrictions := persistence.NewRestrictionRepository(db, clock.Now)
	rewards := persistence.NewRewardRepository(db, cal)
	grants := &fakeGrants{}
	queue := &fakeQueue{}

	policy := DefaultPolicy()
	policy.Compensation.Backoff = time.Millisecond

	return &fixture{
		db:     db,
		clock:  clock,
		cal:    cal,
		policy: policy,
		deps: Deps{
			Accounts:      accounts,
			Topics:        persistence.NewTopicRepository(db, clock.Now),
			Votes:         persistence.NewVoteRepository(db, clock.Now),
			Exposures:     persistence.NewExposureRepository(db),
			Rewards:       rewards,
			Restrictions:  restrictions,
			Quotas:        quotas,
			Counters:      quotas,
			Grants:        grants,
			Compensations: queue,
			StreakRule:    streak,
			Calendar:      cal,
			Tracer:        noop.NewTracerProvider().Tracer("test"),
		},
		accounts:     accounts,
		restrictions: restrictions,
		rewardsRepo:  rewards,
		grants:       grants,
		queue:        queue,
	}
}

func (f *fixture) gate() *EligibilityGate { return NewEligibilityGate(f.deps, f.policy) }

func (f *fixture) runner() *CompensationRunner {
	return NewCompensationRunner(f.deps.Accounts, f.deps.Compensations, f.policy.Compensation, f.deps.Tracer)
}

func (f *fixture) voteService() *VoteService {
	return NewVoteService(f.deps, f.gate(), f.runner(), f.policy)
}

func (f *fixture) exposureService() *ExposureService {
	return NewExposureService(f.deps, f.gate(), f.runner(), f.policy)
}

func (f *fixture) topicService() *TopicService {
	return NewTopicService(f.deps, f.gate(), f.runner(), f.policy)
}

func (f *fixture) rewardService() *RewardService {
	dual := NewDualPathExecutor(f.deps.Accounts, f.policy.DualPath, f.deps.Tracer)
	return NewRewardService(f.deps, f.gate(), dual, f.policy)
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.accounts.Open(ctx, userID)
	require.NoError(t, err)
	if amount > 0 {
		_, err = f.accounts.Credit(ctx, domain.LedgerEntry{UserID: userID, Amount: amount, Kind: domain.TxPurchase})
		require.NoError(t, err)
	}
}

// topic 直接通过仓储建话题，不走创建费
func (f *fixture) topic(t *testing.T, id, owner string, options ...string) {
	t.Helper()
	topic := &domain.Topic{ID: id, OwnerID: owner, Title: "topic " + id, Status: domain.TopicActive}
	for _, o := range options {
		topic.Options = append(topic.Options, domain.TopicOption{Key: o, Label: o})
	}
	require.NoError(t, f.deps.Topics.Create(context.Background(), topic))
}

func (f *fixture) setVoteCount(t *testing.T, topicID string, n int64) {
	t.Helper()
	require.NoError(t, f.db.Model(&persistence.TopicModel{}).Where("id = ?", topicID).Update("vote_count", n).Error)
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.accounts.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

// assertLedgerConsistent 检查流水之和等于余额
func (f *fixture) assertLedgerConsistent(t *testing.T, userID string) {
	t.Helper()
	var sum int64
	require.NoError(t, f.db.Model(&persistence.TransactionModel{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error)
	require.Equal(t, f.balance(t, userID), sum, "ledger sum must equal balance")
}

func (f *fixture) txCount(t *testing.T, userID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&persistence.TransactionModel{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func requireDenial(t *testing.T, err error, kind domain.ErrorKind, reason string) *domain.Denial {
	t.Helper()
	require.Error(t, err)
	var d *domain.Denial
	require.True(t, errors.As(err, &d), "expected denial, got %v", err)
	require.Equal(t, kind, d.Kind)
	require.Equal(t, reason, d.Reason)
	return d
}

type fakeGrants struct {
	mu   sync.Mutex
	reqs []*domain.GrantRequest
	err  error
}

func (g *fakeGrants) PublishGrant(_ context.Context, req *domain.GrantRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	cp := *req
	g.reqs = append(g.reqs, &cp)
	return nil
}

func (g *fakeGrants) published() []*domain.GrantRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*domain.GrantRequest(nil), g.reqs...)
}

type fakeQueue struct {
	mu    sync.Mutex
	items []*port.Compensation
	err   error
}

func (q *fakeQueue) EnqueueCompensation(_ context.Context, c *port.Compensation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, c)
	return nil
}

// flakyAccounts 让指定类型的入账失败 failures 次
type flakyAccounts struct {
	domain.AccountStore
	mu       sync.Mutex
	kind     domain.TxKind
	failures int
	calls    int
}

func (a *flakyAccounts) Credit(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error) {
	a.mu.Lock()
	if entry.Kind == a.kind {
		a.calls++
		if a.failures != 0 {
			if a.failures > 0 {
				a.failures--
			}
			a.mu.Unlock()
			return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.New("connection reset"))
		}
	}
	a.mu.Unlock()
	return a.AccountStore.Credit(ctx, entry)
}

// failingVotes 让付费投票的写入失败，用来触发退款补偿
type failingVotes struct {
	domain.VoteRepository
}

func (failingVotes) ApplyPaidVote(context.Context, domain.VoteCast) (*domain.Vote, error) {
	return nil, domain.Transient(domain.ReasonStorageUnavailable, errors.New("deadlock found"))
}

// denyingCounters 让某个资源的封顶加一被拒，模拟并发请求抢先用完额度
type denyingCounters struct {
	domain.QuotaTracker
	resource string
}

func (c denyingCounters) IncrementCapped(ctx context.Context, scope, resource string, w domain.Window, limit int64) (domain.QuotaCount, error) {
	if resource == c.resource {
		return domain.QuotaCount{}, domain.QuotaDenied(domain.ReasonDailyLimitReached, map[string]any{"limit": limit})
	}
	return c.QuotaTracker.IncrementCapped(ctx, scope, resource, w, limit)
}

type fakeScreener struct {
	banned string
}

func (s fakeScreener) Screen(_ context.Context, texts ...string) error {
	for _, text := range texts {
		if text == s.banned {
			return domain.InvalidState(domain.ReasonContentRejected, map[string]any{"reason": "banned"})
		}
	}
	return nil
}
