package interfaces

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/pkg/database"
	"tokenvote/internal/service/ledger/application"
	"tokenvote/internal/service/ledger/infrastructure/adapter"
	"tokenvote/internal/service/ledger/infrastructure/persistence"
	"tokenvote/internal/service/ledger/infrastructure/rule"
)

// recordingWriter 记录写入的消息，代替真实的 kafka.Writer
type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

// fakeReader 按顺序吐出预置消息，之后阻塞到 ctx 取消
type fakeReader struct {
	topic string
	ch    chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func newFakeReader(topic string, msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{topic: topic, ch: make(chan kafka.Message, len(msgs)+8)}
	for _, m := range msgs {
		r.push(m)
	}
	return r
}

func (r *fakeReader) push(m kafka.Message) {
	if m.Topic == "" {
		m.Topic = r.topic
	}
	r.ch <- m
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *fakeReader) Config() kafka.ReaderConfig { return kafka.ReaderConfig{Topic: r.topic} }

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type env struct {
	clock    *calendar.ManualClock
	policy   application.Policy
	deps     application.Deps
	ledger   *application.Ledger
	grantsMQ *recordingWriter
	compMQ   *recordingWriter
	rewards  *persistence.RewardRepository
}

// newEnv 用 SQLite 和记录型 Kafka writer 装配完整的应用层
func newEnv(t *testing.T, tweak func(*application.Policy)) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate",
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

	policy := application.DefaultPolicy()
	policy.Compensation.Backoff = time.Millisecond
	if tweak != nil {
		tweak(&policy)
	}

	quotas := persistence.NewQuotaRepository(db, cal)
	rewards := persistence.NewRewardRepository(db, cal)
	grantsMQ := &recordingWriter{}
	compMQ := &recordingWriter{}
	deps := application.Deps{
		Accounts:      persistence.NewAccountRepository(db, clock.Now),
		Topics:        persistence.NewTopicRepository(db, clock.Now),
		Votes:         persistence.NewVoteRepository(db, clock.Now),
		Exposures:     persistence.NewExposureRepository(db),
		Rewards:       rewards,
		Restrictions:  persistence.NewRestrictionRepository(db, clock.Now),
		Quotas:        quotas,
		Counters:      quotas,
		Screener:      adapter.AllowAllScreener{},
		Grants:        adapter.NewRewardKafkaAdapter(grantsMQ),
		Compensations: adapter.NewCompensationKafkaAdapter(compMQ),
		StreakRule:    streak,
		Calendar:      cal,
		Tracer:        noop.NewTracerProvider().Tracer("test"),
	}
	return &env{
		clock:    clock,
		policy:   policy,
		deps:     deps,
		ledger:   application.NewLedger(deps, policy),
		grantsMQ: grantsMQ,
		compMQ:   compMQ,
		rewards:  rewards,
	}
}
