package activation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentRecorder 支付流水记录。幂等：同一实体的激活支付重复记录时，
// 第二次必须是无操作并返回首次落库的那一行。
type PaymentRecorder interface {
	RecordActivation(ctx context.Context, entityID string, amountMinor int64, currency, provider, providerRef string) (*Payment, error)
	GetActivationPayment(ctx context.Context, entityID string) (*Payment, error)
}

// GormPaymentRecorder 基于 MySQL 的支付流水实现。
type GormPaymentRecorder struct {
	db *gorm.DB
}

func NewGormPaymentRecorder(db *gorm.DB) *GormPaymentRecorder {
	return &GormPaymentRecorder{db: db}
}

// RecordActivation 以幂等 key 做 upsert-on-conflict（冲突即放弃写入），
// 然后回读现存行返回。amount == 0 记为 waived，否则 succeeded。
func (r *GormPaymentRecorder) RecordActivation(ctx context.Context, entityID string, amountMinor int64, currency, provider, providerRef string) (*Payment, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("payment db is nil")
	}

	status := PaymentSucceeded
	if amountMinor == 0 {
		status = PaymentWaived
	}

	p := &Payment{
		ID:             uuid.NewString(),
		IdempotencyKey: ActivationIdempotencyKey(entityID),
		EntityID:       entityID,
		AmountMinor:    amountMinor,
		Currency:       currency,
		Status:         status,
		Provider:       provider,
		ProviderRef:    providerRef,
		IsActivation:   true,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(p).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, err
	}

	return r.GetActivationPayment(ctx, entityID)
}

func (r *GormPaymentRecorder) GetActivationPayment(ctx context.Context, entityID string) (*Payment, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("payment db is nil")
	}
	var p Payment
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", ActivationIdempotencyKey(entityID)).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
