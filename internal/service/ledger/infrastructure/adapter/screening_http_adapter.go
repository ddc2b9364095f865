package adapter

import (
	"context"
	"time"

	"tokenvote/internal/pkg/httpclient"
	"tokenvote/internal/service/ledger/domain"
)

type screeningRequest struct {
	Texts []string `json:"texts"`
}

type screeningResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// ScreeningHTTPAdapter 是 port.ContentScreener 的 HTTP 实现，只消费审核结论
type ScreeningHTTPAdapter struct {
	client  *httpclient.Client
	url     string
	timeout time.Duration
}

func NewScreeningHTTPAdapter(client *httpclient.Client, url string, timeout time.Duration) *ScreeningHTTPAdapter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ScreeningHTTPAdapter{client: client, url: url, timeout: timeout}
}

func (a *ScreeningHTTPAdapter) Screen(ctx context.Context, texts ...string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var resp screeningResponse
	if err := a.client.PostJSON(ctx, a.url, screeningRequest{Texts: texts}, &resp); err != nil {
		return domain.Transient(domain.ReasonStorageUnavailable, err)
	}
	if !resp.Allowed {
		return domain.InvalidState(domain.ReasonContentRejected, map[string]any{"reason": resp.Reason})
	}
	return nil
}

// AllowAllScreener 在未配置审核服务时使用
type AllowAllScreener struct{}

func (AllowAllScreener) Screen(context.Context, ...string) error { return nil }
