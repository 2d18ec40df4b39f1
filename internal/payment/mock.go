package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// MockProvider 开发/测试环境的渠道替身，直接返回一个可辨识的 client secret。
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) CreateCharge(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (string, error) {
	if amountMinor <= 0 {
		return "", fmt.Errorf("amount must be positive")
	}
	return fmt.Sprintf("mock_secret_%s", uuid.NewString()), nil
}
