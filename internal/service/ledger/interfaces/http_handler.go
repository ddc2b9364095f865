package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/service/ledger/application"
	"tokenvote/internal/service/ledger/domain"
)

const (
	serviceName = "ledger-service"

	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// LedgerHandler 封装了账本服务的 HTTP 处理器
type LedgerHandler struct {
	svc    *application.Ledger
	tracer trace.Tracer
}

// NewLedgerHandler 创建一个新的 HTTP 处理器实例
func NewLedgerHandler(svc *application.Ledger) *LedgerHandler {
	return &LedgerHandler{svc: svc, tracer: otel.Tracer(serviceName)}
}

// RegisterRoutes 在 ServeMux 上注册业务路由；/healthz 和 /metrics 由 bootstrap 注册
func (h *LedgerHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /votes/paid", h.castPaidVote)
	mux.HandleFunc("POST /votes/free", h.castFreeVote)
	mux.HandleFunc("POST /topics", h.createTopic)
	mux.HandleFunc("GET /topics/{id}", h.getTopic)
	mux.HandleFunc("POST /exposure/upgrade", h.upgradeExposure)
	mux.HandleFunc("POST /rewards/daily-login", h.claimDailyLogin)
	mux.HandleFunc("GET /rewards/ad/eligibility", h.adEligibility)
	mux.HandleFunc("POST /rewards/ad", h.watchAd)
	mux.HandleFunc("POST /missions/complete", h.completeMission)
	mux.HandleFunc("POST /accounts/{id}", h.openAccount)
	mux.HandleFunc("GET /accounts/{id}/balance", h.balance)
	mux.HandleFunc("GET /accounts/{id}/transactions", h.transactions)
	mux.HandleFunc("POST /accounts/{id}/credits", h.credit)
}

// start 从请求头中恢复上游的 trace 上下文并开启一个 span
func (h *LedgerHandler) start(r *http.Request, name string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "ledger-service."+name)
	span.SetAttributes(attribute.String("http.route", r.Pattern))
	return ctx, span
}

// caller 读取网关注入的用户 ID，并按动作限流
func (h *LedgerHandler) caller(ctx context.Context, w http.ResponseWriter, r *http.Request, action domain.Action) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Reason: "missing_user_id"})
		return "", false
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("user.id", userID))
	if err := h.svc.Throttler.Allow(ctx, userID, string(action)); err != nil {
		writeError(ctx, w, err)
		return "", false
	}
	return userID, true
}

func (h *LedgerHandler) castPaidVote(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "CastPaidVote")
	defer span.End()

	userID, ok := h.caller(ctx, w, r, domain.ActionCastVote)
	if !ok {
		return
	}
	var req application.CastVoteRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	req.UserID = userID

	resp, err := h.svc.Votes.CastPaidVote(ctx, &req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerHandler) castFreeVote(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "CastFreeVote")
	defer span.End()

	userID, ok := h.caller(ctx, w, r, domain.ActionCastFreeVote)
	if !ok {
		return
	}
	var req application.CastVoteRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	req.UserID = userID

	resp, err := h.svc.Votes.CastFreeVote(ctx, &req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerHandler) createTopic(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "CreateTopic")
	defer span.End()

	userID, ok := h.caller(ctx, w, r, domain.ActionCreateTopic)
	if !ok {
		return
	}
	var req application.CreateTopicRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	req.UserID = userID

	resp, err := h.svc.Topics.CreateTopic(ctx, &req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *LedgerHandler) getTopic(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "GetTopic")
	defer span.End()

	resp, err := h.svc.Topics.GetTopic(ctx, r.PathValue("id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerHandler) upgradeExposure(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "UpgradeExposure")
	defer span.End()

	userID, ok := h.caller(ctx, w, r, domain.ActionApplyExposure)
	if !ok {
		return
	}
	var req application.UpgradeExposureRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	req.UserID = userID

	resp, err := h.svc.Exposure.ApplyUpgrade(ctx, &req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerHandler) claimDailyLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "ClaimDailyLogin")
	defer span.End()

	userID, ok := h.caller(ctx, w, r, domain.ActionClaimDailyLogin)
	if !ok {
		return
	}
	resp, err := h.svc.Rewards.ClaimDailyLogin(ctx, userID, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(ctx, w, err)
		return
	}
	writeGrant(w, resp)
}

func (h *LedgerHandler) adEligibility(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "AdEligibility")
	defer span.End()

	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Reason: "missing_user_id"})
		return
	}
	resp, err := h.svc.Rewards.AdEligibility(ctx, userID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerHandler) watchAd(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "WatchAd")
	defer span.End()

	userID, ok := h.caller(ctx, w, r, domain.ActionWatchAd)
	if !ok {
		return
	}
	resp, err := h.svc.Rewards.WatchAd(ctx, userID, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(ctx, w, err)
		return
	}
	writeGrant(w, resp)
}

type completeMissionRequest struct {
	MissionID string `json:"mission_id"`
}

func (h *LedgerHandler) completeMission(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "CompleteMission")
	defer span.End()

	userID, ok := h.caller(ctx, w, r, domain.ActionCompleteMission)
	if !ok {
		return
	}
	var req completeMissionRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	span.SetAttributes(attribute.String("mission.id", req.MissionID))

	resp, err := h.svc.Rewards.CompleteMission(ctx, userID, req.MissionID, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(ctx, w, err)
		return
	}
	writeGrant(w, resp)
}

func (h *LedgerHandler) openAccount(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "OpenAccount")
	defer span.End()

	resp, err := h.svc.Accounts.Open(ctx, r.PathValue("id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerHandler) balance(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "GetBalance")
	defer span.End()

	resp, err := h.svc.Accounts.Balance(ctx, r.PathValue("id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerHandler) transactions(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "ListTransactions")
	defer span.End()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := h.svc.Accounts.Transactions(ctx, r.PathValue("id"), limit)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type creditResponse struct {
	Transaction *application.TransactionView `json:"transaction"`
	Duplicate   bool                         `json:"duplicate"`
}

func (h *LedgerHandler) credit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "Credit")
	defer span.End()

	var req application.CreditRequest
	if !decode(ctx, w, r, &req) {
		return
	}
	req.UserID = r.PathValue("id")
	req.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

	view, dup, err := h.svc.Accounts.Credit(ctx, &req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, creditResponse{Transaction: view, Duplicate: dup})
}

type errorBody struct {
	Error     string         `json:"error"`
	Reason    string         `json:"reason"`
	Details   map[string]any `json:"details,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

func decode(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("invalid request body")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(domain.KindInvalidState), Reason: domain.ReasonInvalidRequest})
		return false
	}
	return true
}

// writeGrant 发放结果统一 200；待回放的请求用 202 表示已受理
func writeGrant(w http.ResponseWriter, resp *application.GrantResponse) {
	status := http.StatusOK
	if resp.Status == domain.GrantPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// writeError 把领域错误映射成 HTTP 状态码
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	body := errorBody{Error: string(kind)}
	var d *domain.Denial
	if errors.As(err, &d) {
		body.Reason = d.Reason
		body.Details = d.Details
	}

	status := statusFor(kind, body.Reason)
	switch {
	case kind == domain.KindDuplicateOperation:
		body.Duplicate = true
		body.Reason = domain.ReasonDuplicateKey
	case status == http.StatusTooManyRequests:
		if resetAt, ok := body.Details["reset_at"].(time.Time); ok {
			if secs := int(time.Until(resetAt).Seconds()); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	case status == http.StatusServiceUnavailable:
		logger.Ctx(ctx).Error().Err(err).Msg("request failed on storage")
		body.Details = nil
		if body.Reason == "" {
			body.Reason = domain.ReasonStorageUnavailable
		}
	}
	writeJSON(w, status, body)
}

func statusFor(kind domain.ErrorKind, reason string) int {
	switch kind {
	case domain.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case domain.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.KindInvalidState:
		switch {
		case strings.HasSuffix(reason, "_not_found"):
			return http.StatusNotFound
		case reason == domain.ReasonInvalidRequest || reason == domain.ReasonInvalidAmount:
			return http.StatusBadRequest
		case reason == domain.ReasonRestricted:
			return http.StatusForbidden
		}
		return http.StatusConflict
	case domain.KindDuplicateOperation:
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
