package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/pkg/httpclient"
	"tokenvote/internal/pkg/redis"
	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/domain/port"
)

func newQuotaAdapter(t *testing.T) (*QuotaRedisAdapter, *calendar.ManualClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	// 以真实时间附近为起点，PEXPIREAT 设置的过期时间才会落在未来
	clock := calendar.NewManualClock(time.Now().UTC().Truncate(time.Second))
	cal, err := calendar.New("UTC", clock.Now)
	require.NoError(t, err)

	a, err := NewQuotaRedisAdapter(client, cal)
	require.NoError(t, err)
	return a, clock, mr
}

func TestQuotaRedisDailyCap(t *testing.T) {
	a, clock, _ := newQuotaAdapter(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		c, err := a.IncrementCapped(ctx, "u1", domain.ResourceWatchAd, domain.Daily(), 2)
		require.NoError(t, err)
		assert.EqualValues(t, i, c.Count)
	}
	_, err := a.IncrementCapped(ctx, "u1", domain.ResourceWatchAd, domain.Daily(), 2)
	var d *domain.Denial
	require.True(t, errors.As(err, &d))
	assert.Equal(t, domain.ReasonDailyLimitReached, d.Reason)
	assert.EqualValues(t, 2, d.Details["current"])

	peek, err := a.Peek(ctx, "u1", domain.ResourceWatchAd, domain.Daily())
	require.NoError(t, err)
	assert.EqualValues(t, 2, peek.Count)
	assert.True(t, peek.ResetAt.After(clock.Now()))

	clock.Advance(24 * time.Hour)
	c, err := a.IncrementCapped(ctx, "u1", domain.ResourceWatchAd, domain.Daily(), 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Count, "new day starts a new window")
}

func TestQuotaRedisRollingCooldownAndRelease(t *testing.T) {
	a, clock, mr := newQuotaAdapter(t)
	ctx := context.Background()
	w := domain.Rolling(time.Hour)

	_, err := a.IncrementCapped(ctx, "topic-1", domain.ResourceExposureCooldown, w, 1)
	require.NoError(t, err)
	assert.True(t, mr.Exists("quota:{topic-1}:exposure_cooldown"))

	clock.Advance(10 * time.Minute)
	_, err = a.IncrementCapped(ctx, "topic-1", domain.ResourceExposureCooldown, w, 1)
	var d *domain.Denial
	require.True(t, errors.As(err, &d))
	assert.Equal(t, domain.ReasonCooldownActive, d.Reason)

	c, err := a.Release(ctx, "topic-1", domain.ResourceExposureCooldown, w)
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Count)

	c, err = a.Release(ctx, "topic-1", domain.ResourceExposureCooldown, w)
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Count, "release never goes below zero")

	_, err = a.IncrementCapped(ctx, "topic-1", domain.ResourceExposureCooldown, w, 1)
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)
	c, err = a.ResetIfStale(ctx, "topic-1", domain.ResourceExposureCooldown, w)
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Count)
}

func TestQuotaRedisConcurrentIncrements(t *testing.T) {
	a, _, _ := newQuotaAdapter(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Increment(ctx, domain.GlobalScope, domain.ResourceExposureBudget, domain.Daily())
		}()
	}
	wg.Wait()

	c, err := a.Peek(ctx, domain.GlobalScope, domain.ResourceExposureBudget, domain.Daily())
	require.NoError(t, err)
	assert.EqualValues(t, 20, c.Count)
}

type captureWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestRewardKafkaAdapterPublishesGrant(t *testing.T) {
	w := &captureWriter{}
	a := NewRewardKafkaAdapter(w)

	req := &domain.GrantRequest{Kind: domain.GrantWatchAd, UserID: "u1", Day: "2026-05-01", IdempotencyKey: "ad-1"}
	require.NoError(t, a.PublishGrant(context.Background(), req))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u1", string(w.msgs[0].Key))
	var got domain.GrantRequest
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "ad-1", got.IdempotencyKey)
	assert.Equal(t, domain.GrantWatchAd, got.Kind)

	assert.Error(t, a.PublishGrant(context.Background(), &domain.GrantRequest{UserID: "u1"}))
}

func TestCompensationKafkaAdapterSurfacesWriteError(t *testing.T) {
	w := &captureWriter{err: errors.New("broker down")}
	a := NewCompensationKafkaAdapter(w)

	err := a.EnqueueCompensation(context.Background(), &port.Compensation{UserID: "u1", Amount: 10, IdempotencyKey: "refund:tx-1"})
	assert.Error(t, err)

	w.err = nil
	require.NoError(t, a.EnqueueCompensation(context.Background(), &port.Compensation{UserID: "u1", Amount: 10, IdempotencyKey: "refund:tx-1"}))
	require.Len(t, w.msgs, 1)
}

func TestScreeningHTTPAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req screeningRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		allowed := true
		for _, text := range req.Texts {
			if text == "bad words" {
				allowed = false
			}
		}
		_ = json.NewEncoder(w).Encode(screeningResponse{Allowed: allowed, Reason: "banned_word"})
	}))
	defer srv.Close()

	a := NewScreeningHTTPAdapter(httpclient.NewClient(noop.NewTracerProvider().Tracer("test")), srv.URL, time.Second)
	require.NoError(t, a.Screen(context.Background(), "hello", "world"))

	err := a.Screen(context.Background(), "hello", "bad words")
	var d *domain.Denial
	require.True(t, errors.As(err, &d))
	assert.Equal(t, domain.ReasonContentRejected, d.Reason)
	assert.Equal(t, "banned_word", d.Details["reason"])
}

func TestScreeningHTTPAdapterUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewScreeningHTTPAdapter(httpclient.NewClient(noop.NewTracerProvider().Tracer("test")), srv.URL, time.Second)
	err := a.Screen(context.Background(), "hello")
	assert.True(t, errors.Is(err, domain.ErrTransientStorageFailure))
}
