package interfaces

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenvote/internal/pkg/mq"
	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/domain/port"
)

func jsonMessage(t *testing.T, key string, v any) kafka.Message {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(key), Value: b}
}

// run 启动消费者，等待 n 条消息被提交后停止
func run(t *testing.T, c interface {
	Start(context.Context) error
	Stop(context.Context)
}, r *fakeReader, n int) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return r.commits() >= n }, 5*time.Second, 10*time.Millisecond)
	c.Stop(context.Background())
	assert.True(t, r.closed)
}

type stubGrants struct {
	err   error
	calls atomic.Int32
}

func (s *stubGrants) ApplyGrant(context.Context, *domain.GrantRequest) (*domain.GrantOutcome, error) {
	s.calls.Add(1)
	return nil, s.err
}

func TestGrantConsumerReplaysOnce(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.deps.Accounts.Open(context.Background(), "alice")
	require.NoError(t, err)

	req := domain.GrantRequest{
		Kind:           domain.GrantDailyLogin,
		UserID:         "alice",
		Day:            "2026-05-01",
		IdempotencyKey: "login-1",
		RequestedAt:    e.clock.Now(),
	}
	retries := &recordingWriter{}
	reader := newFakeReader("reward-grants",
		jsonMessage(t, "alice", req),
		jsonMessage(t, "alice", req),
		kafka.Message{Key: []byte("alice"), Value: []byte("{broken")},
	)
	c := NewGrantConsumerAdapter(reader, e.ledger.Rewards, mq.NewFailureHandler(retries, 3))
	run(t, c, reader, 3)

	balance, err := e.deps.Accounts.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 5, balance, "replaying the same key credits once")

	// 无法解析的消息交给 FailureHandler 回投
	msgs := retries.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "reward-grants", msgs[0].Topic)
	carrier := mq.KafkaHeaderCarrier(msgs[0].Headers)
	assert.Equal(t, "1", carrier.Get(mq.HeaderRetryCount))
}

func TestGrantConsumerPublishedByFallbackPath(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, err := e.deps.Accounts.Open(ctx, "alice")
	require.NoError(t, err)

	// 主路径写入后的回退消息由 RewardKafkaAdapter 生成，worker 能直接消费
	require.NoError(t, e.deps.Grants.PublishGrant(ctx, &domain.GrantRequest{
		Kind:           domain.GrantWatchAd,
		UserID:         "alice",
		Day:            "2026-05-01",
		IdempotencyKey: "ad-7",
		RequestedAt:    e.clock.Now(),
	}))
	published := e.grantsMQ.messages()
	require.Len(t, published, 1)

	reader := newFakeReader("reward-grants", published[0])
	c := NewGrantConsumerAdapter(reader, e.ledger.Rewards, mq.NewFailureHandler(&recordingWriter{}, 3))
	run(t, c, reader, 1)

	balance, err := e.deps.Accounts.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, e.policy.Ad.Reward, balance)
}

func TestGrantConsumerErrorHandling(t *testing.T) {
	req := domain.GrantRequest{Kind: domain.GrantWatchAd, UserID: "alice", IdempotencyKey: "ad-1"}

	t.Run("transient errors are handed off", func(t *testing.T) {
		retries := &recordingWriter{}
		grants := &stubGrants{err: domain.Transient(domain.ReasonStorageUnavailable, errors.New("db down"))}
		reader := newFakeReader("reward-grants", jsonMessage(t, "alice", req))
		run(t, NewGrantConsumerAdapter(reader, grants, mq.NewFailureHandler(retries, 3)), reader, 1)

		assert.EqualValues(t, 1, grants.calls.Load())
		assert.Len(t, retries.messages(), 1)
	})

	t.Run("business denials are acknowledged", func(t *testing.T) {
		retries := &recordingWriter{}
		grants := &stubGrants{err: domain.QuotaDenied(domain.ReasonDailyLimitReached, nil)}
		reader := newFakeReader("reward-grants", jsonMessage(t, "alice", req))
		run(t, NewGrantConsumerAdapter(reader, grants, mq.NewFailureHandler(retries, 3)), reader, 1)

		assert.Empty(t, retries.messages())
	})

	t.Run("offset is kept when hand off fails", func(t *testing.T) {
		retries := &recordingWriter{err: errors.New("broker down")}
		grants := &stubGrants{err: errors.New("db down")}
		reader := newFakeReader("reward-grants", jsonMessage(t, "alice", req))
		c := NewGrantConsumerAdapter(reader, grants, mq.NewFailureHandler(retries, 3))
		require.NoError(t, c.Start(context.Background()))
		require.Eventually(t, func() bool { return grants.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
		c.Stop(context.Background())

		assert.Equal(t, 0, reader.commits())
	})
}

func TestCompensationConsumerAppliesOnce(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, err := e.deps.Accounts.Open(ctx, "alice")
	require.NoError(t, err)

	comp := port.Compensation{
		UserID:         "alice",
		Amount:         40,
		Kind:           domain.TxRefund,
		ReferenceID:    "tx-1",
		IdempotencyKey: "refund:tx-1",
		Reason:         "cast_vote",
	}
	reader := newFakeReader("ledger-compensations", jsonMessage(t, "alice", comp), jsonMessage(t, "alice", comp))
	c := NewCompensationConsumerAdapter(reader, e.ledger.Compensations, mq.NewFailureHandler(&recordingWriter{}, 3))
	run(t, c, reader, 2)

	balance, err := e.deps.Accounts.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 40, balance)
}

func TestDltConsumerCommitsEverything(t *testing.T) {
	carrier := mq.KafkaHeaderCarrier{}
	carrier.Set(mq.HeaderOriginalTopic, "reward-grants")
	carrier.Set(mq.HeaderExceptionMessage, "db down")
	reader := newFakeReader("reward-grants.DLT",
		kafka.Message{Key: []byte("alice"), Value: []byte(`{}`), Headers: carrier},
		kafka.Message{Key: []byte("bob"), Value: []byte(`{}`)},
	)
	run(t, NewDltConsumerAdapter(reader), reader, 2)
}
