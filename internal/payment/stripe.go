package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SafeScanQR/SafeScanQR/internal/common/middleware"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeProvider 通过 Stripe PaymentIntent 创建 charge。
// 外部渠道调用套一层熔断，渠道抖动时快速失败而不是拖垮激活入口。
type StripeProvider struct {
	breaker *middleware.CircuitBreaker
}

func NewStripeProvider(secretKey string) (*StripeProvider, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, fmt.Errorf("stripe secret key is empty")
	}
	stripe.Key = secretKey
	return &StripeProvider{
		breaker: middleware.NewCircuitBreaker("stripe", 5, 30*time.Second),
	}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) CreateCharge(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (string, error) {
	if amountMinor <= 0 {
		return "", fmt.Errorf("amount must be positive")
	}

	var secret string
	err := p.breaker.Call(ctx, func() error {
		params := &stripe.PaymentIntentParams{
			Amount:   stripe.Int64(amountMinor),
			Currency: stripe.String(strings.ToLower(currency)),
			AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
				Enabled: stripe.Bool(true),
			},
		}
		params.Context = ctx
		for k, v := range metadata {
			params.AddMetadata(k, v)
		}

		pi, err := paymentintent.New(params)
		if err != nil {
			return fmt.Errorf("create payment intent: %w", err)
		}
		secret = pi.ClientSecret
		return nil
	})
	if err != nil {
		return "", err
	}
	return secret, nil
}
