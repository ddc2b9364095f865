package interfaces

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenvote/internal/service/ledger/application"
	"tokenvote/internal/service/ledger/domain"
)

type client struct {
	t   *testing.T
	mux *http.ServeMux
}

func newClient(t *testing.T, e *env) *client {
	mux := http.NewServeMux()
	NewLedgerHandler(e.ledger).RegisterRoutes(mux)
	return &client{t: t, mux: mux}
}

func (c *client) do(method, path, user, idemKey string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	if idemKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idemKey)
	}
	rec := httptest.NewRecorder()
	c.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHTTPVoteFlow(t *testing.T) {
	e := newEnv(t, nil)
	c := newClient(t, e)

	rec := c.do(http.MethodPost, "/accounts/alice", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	credit := map[string]any{"amount": 100, "kind": "purchase", "reference_id": "order-1"}
	rec = c.do(http.MethodPost, "/accounts/alice/credits", "", "pay-1", credit)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[creditResponse](t, rec).Duplicate)

	rec = c.do(http.MethodPost, "/accounts/alice/credits", "", "pay-1", credit)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[creditResponse](t, rec).Duplicate, "same key credits once")

	rec = c.do(http.MethodPost, "/topics", "alice", "", map[string]any{
		"title":   "Lunch",
		"options": []map[string]string{{"key": "pizza", "label": "Pizza"}, {"key": "sushi", "label": "Sushi"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	topic := decodeBody[application.TopicResponse](t, rec)
	require.NotNil(t, topic.Balance)
	assert.EqualValues(t, 70, *topic.Balance)

	rec = c.do(http.MethodPost, "/votes/paid", "alice", "", map[string]any{"topic_id": topic.ID, "option_key": "pizza", "amount": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 65, decodeBody[application.VoteResponse](t, rec).Balance)

	rec = c.do(http.MethodPost, "/votes/paid", "alice", "", map[string]any{"topic_id": topic.ID, "option_key": "pizza", "amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.ReasonInvalidAmount, decodeBody[errorBody](t, rec).Reason)

	rec = c.do(http.MethodPost, "/votes/paid", "alice", "", map[string]any{"topic_id": topic.ID, "option_key": "pizza", "amount": 100})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, string(domain.KindInsufficientFunds), body.Error)
	assert.EqualValues(t, 100, body.Details["required"])
	assert.EqualValues(t, 65, body.Details["current"])

	rec = c.do(http.MethodPost, "/votes/free", "alice", "", map[string]any{"topic_id": topic.ID, "option_key": "sushi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = c.do(http.MethodPost, "/votes/free", "alice", "", map[string]any{"topic_id": topic.ID, "option_key": "sushi"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, domain.ReasonFreeVoteUsedToday, decodeBody[errorBody](t, rec).Reason)

	rec = c.do(http.MethodGet, "/topics/"+topic.ID, "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[application.TopicResponse](t, rec)
	assert.Equal(t, "Lunch", got.Title)
	require.Len(t, got.Options, 2)
	for _, o := range got.Options {
		if o.Key == "pizza" {
			assert.EqualValues(t, 5, o.TokenTotal)
		}
	}

	rec = c.do(http.MethodGet, "/accounts/alice/balance", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 65, decodeBody[application.BalanceResponse](t, rec).Balance)

	rec = c.do(http.MethodGet, "/accounts/alice/transactions?limit=50", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody[map[string][]application.TransactionView](t, rec)["transactions"])
}

func TestHTTPErrorMapping(t *testing.T) {
	e := newEnv(t, nil)
	c := newClient(t, e)

	rec := c.do(http.MethodPost, "/votes/paid", "", "", map[string]any{"topic_id": "t", "option_key": "a", "amount": 1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = c.do(http.MethodGet, "/topics/missing", "", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, domain.ReasonTopicNotFound, decodeBody[errorBody](t, rec).Reason)

	rec = c.do(http.MethodGet, "/accounts/ghost/balance", "", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/exposure/upgrade", bytes.NewBufferString("{not json"))
	req.Header.Set(HeaderUserID, "alice")
	out := httptest.NewRecorder()
	c.mux.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)

	c.do(http.MethodPost, "/accounts/alice", "", "", nil)
	rec = c.do(http.MethodPost, "/accounts/alice/credits", "", "", map[string]any{"amount": 5, "kind": "refund"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "only purchase and admin adjustments are accepted")

	rec = c.do(http.MethodGet, "/votes/paid", "alice", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// 其它账户复用同一个幂等键是冲突，不是重复请求
	c.do(http.MethodPost, "/accounts/bob", "", "", nil)
	credit := map[string]any{"amount": 10, "kind": "purchase", "reference_id": "order-9"}
	rec = c.do(http.MethodPost, "/accounts/alice/credits", "", "pay-9", credit)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = c.do(http.MethodPost, "/accounts/bob/credits", "", "pay-9", credit)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, domain.ReasonDuplicateKey, body.Reason)
	assert.False(t, body.Duplicate)
}

func TestHTTPThrottle(t *testing.T) {
	e := newEnv(t, func(p *application.Policy) { p.Throttle.Limit = 1 })
	c := newClient(t, e)
	c.do(http.MethodPost, "/accounts/alice", "", "", nil)

	rec := c.do(http.MethodPost, "/rewards/daily-login", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	grant := decodeBody[application.GrantResponse](t, rec)
	assert.Equal(t, domain.GrantCompleted, grant.Status)
	assert.Equal(t, 1, grant.Streak)

	rec = c.do(http.MethodPost, "/rewards/daily-login", "alice", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, domain.ReasonThrottled, decodeBody[errorBody](t, rec).Reason)

	// 其它动作的额度独立
	rec = c.do(http.MethodPost, "/rewards/ad", "alice", "ad-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHTTPAdEligibilityAndMissions(t *testing.T) {
	e := newEnv(t, nil)
	c := newClient(t, e)
	c.do(http.MethodPost, "/accounts/alice", "", "", nil)
	require.NoError(t, e.rewards.SaveMission(t.Context(), &domain.Mission{ID: "share", Title: "Share", Reward: 5, LimitPerDay: 1, Active: true}))

	rec := c.do(http.MethodGet, "/rewards/ad/eligibility", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	el := decodeBody[application.AdEligibilityResponse](t, rec)
	assert.True(t, el.Eligible)
	assert.EqualValues(t, e.policy.Ad.DailyLimit, el.Remaining)

	rec = c.do(http.MethodPost, "/missions/complete", "alice", "", map[string]string{"mission_id": "share"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 5, decodeBody[application.GrantResponse](t, rec).Reward)

	rec = c.do(http.MethodPost, "/missions/complete", "alice", "", map[string]string{"mission_id": "share"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = c.do(http.MethodPost, "/missions/complete", "alice", "", map[string]string{"mission_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
