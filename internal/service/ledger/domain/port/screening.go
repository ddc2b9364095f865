package port

import "context"

// ContentScreener 是内容审核服务的出站端口，账本不解释文本内容，只接收通过/拒绝结论。
type ContentScreener interface {
	// Screen 拒绝时返回 domain.InvalidState(content_rejected)
	Screen(ctx context.Context, texts ...string) error
}
