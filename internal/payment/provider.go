package payment

import "context"

// Provider 外部支付渠道抽象。核心只需要“创建一笔待支付的 charge 并拿回
// client secret”，渠道自己的 UI/回调不在此层。
type Provider interface {
	Name() string
	CreateCharge(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (clientSecret string, err error)
}
