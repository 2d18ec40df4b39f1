package activation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SafeScanQR/SafeScanQR/internal/common/config"
	"github.com/SafeScanQR/SafeScanQR/internal/common/logger"
	"github.com/SafeScanQR/SafeScanQR/internal/payment"
	"github.com/google/uuid"
)

// ProfileGate 激活前置条件检查（档案存在、手机号已验证等）。
// 不满足时返回 *PreconditionError，档案不存在返回 ErrNotFound。
type ProfileGate interface {
	ActivationPrecondition(ctx context.Context, profileID string) error
}

// AssetPublisher 把 token 渲染成可扫描图片并存储。失败不回滚激活。
type AssetPublisher interface {
	Publish(token string) error
}

// ActivationEvent 激活完成事件载荷。
type ActivationEvent struct {
	EntityID   string    `json:"entity_id"`
	Kind       string    `json:"kind"`
	Ordinal    int64     `json:"ordinal,omitempty"`
	IsFree     bool      `json:"is_free"`
	Token      string    `json:"token"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher 激活完成事件发布（best-effort，失败只记日志）。
type EventPublisher interface {
	ActivationCompleted(ctx context.Context, ev ActivationEvent) error
}

// ActivateResult 激活结果。
type ActivateResult struct {
	Ordinal          int64
	IsFree           bool
	Token            string
	AlreadyActivated bool
}

// Service 激活编排器：前置检查 -> 额度判定+token 签发（原子段）->
// 支付流水 -> 事件/图片（非致命段）。
type Service struct {
	ledger   Ledger
	payments PaymentRecorder
	gate     ProfileGate
	asset    AssetPublisher
	events   EventPublisher
	provider payment.Provider
	gen      TokenFunc
	cfg      config.ActivationConfig
	log      logger.Logger
}

func NewService(
	ledger Ledger,
	payments PaymentRecorder,
	gate ProfileGate,
	asset AssetPublisher,
	events EventPublisher,
	provider payment.Provider,
	cfg config.ActivationConfig,
	log logger.Logger,
) *Service {
	return &Service{
		ledger:   ledger,
		payments: payments,
		gate:     gate,
		asset:    asset,
		events:   events,
		provider: provider,
		gen:      NewHexToken,
		cfg:      cfg,
		log:      log,
	}
}

// WithTokenFunc 替换 token 生成器（测试注入撞号序列用）。
func (s *Service) WithTokenFunc(gen TokenFunc) *Service {
	if gen != nil {
		s.gen = gen
	}
	return s
}

// Activate 个人档案激活。幂等：重复调用（并发或先后）都返回同一个
// token 与激活序号。只有原子段失败才会让调用方看到错误，此时实体
// 保持未激活、可安全重试；支付流水与图片发布失败不影响结果。
func (s *Service) Activate(ctx context.Context, profileID string) (*ActivateResult, error) {
	if s == nil || s.ledger == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return nil, &PreconditionError{Reason: "profile id required"}
	}

	// 1. 已激活则短路返回既有记录
	if rec, err := s.ledger.Get(ctx, profileID); err == nil && rec.IsActivated {
		return s.existingResult(rec), nil
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}

	// 2. 前置条件
	if s.gate != nil {
		if err := s.gate.ActivationPrecondition(ctx, profileID); err != nil {
			return nil, err
		}
	}

	if err := s.ledger.EnsureInactive(ctx, profileID, KindProfile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}

	// 3. 原子段：额度自增 + token 签发，撞号换 token 重试（有界）
	var (
		ordinal int64
		isFree  bool
		token   string
	)
	retries := s.cfg.TokenMaxRetries
	if retries <= 0 {
		retries = 3
	}
	activated := false
	for attempt := 0; attempt < retries; attempt++ {
		t, err := s.gen()
		if err != nil {
			return nil, fmt.Errorf("%w: generate token: %v", ErrActivationFailed, err)
		}
		ordinal, isFree, err = s.ledger.ActivateProfile(ctx, profileID, t, s.cfg.FreeThreshold)
		if err == nil {
			token = t
			activated = true
			break
		}
		if errors.Is(err, ErrTokenCollision) {
			continue
		}
		if errors.Is(err, ErrAlreadyActivated) {
			// 并发请求抢先完成，回读既有记录按成功返回
			rec, gerr := s.ledger.Get(ctx, profileID)
			if gerr != nil || !rec.IsActivated {
				return nil, fmt.Errorf("%w: %v", ErrActivationFailed, gerr)
			}
			return s.existingResult(rec), nil
		}
		if errors.Is(err, ErrCounterUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrActivationFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}
	if !activated {
		return nil, fmt.Errorf("%w: token collisions exhausted %d retries", ErrActivationFailed, retries)
	}

	// 4. 支付流水（非致命）：实体已经激活成功，这里失败只告警
	amount := s.cfg.FeeAmount
	providerName := "waived"
	if isFree {
		amount = 0
	} else if s.provider != nil {
		providerName = s.provider.Name()
	}
	if s.payments != nil {
		if _, err := s.payments.RecordActivation(ctx, profileID, amount, s.cfg.Currency, providerName, uuid.NewString()); err != nil {
			s.warnf("failed to record activation payment entity=%s: %v", profileID, err)
		}
	}

	// 5. 事件 + 二维码图片（非致命）
	s.notifyActivated(ctx, ActivationEvent{
		EntityID:   profileID,
		Kind:       string(KindProfile),
		Ordinal:    ordinal,
		IsFree:     isFree,
		Token:      token,
		OccurredAt: time.Now(),
	})
	s.publishAsset(token)

	return &ActivateResult{Ordinal: ordinal, IsFree: isFree, Token: token}, nil
}

// PaymentIntent 收费路径的下单入口：额度内直接告知免费（不占名额），
// 额度外向支付渠道创建 charge 并返回 client secret。
func (s *Service) PaymentIntent(ctx context.Context, profileID string) (free bool, clientSecret string, err error) {
	if s == nil || s.ledger == nil {
		return false, "", fmt.Errorf("service not initialized")
	}

	if rec, err := s.ledger.Get(ctx, profileID); err == nil && rec.IsActivated {
		return false, "", ErrAlreadyActivated
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return false, "", err
	}

	left, err := s.ledger.FreeSlotsLeft(ctx, s.cfg.FreeThreshold)
	if err != nil {
		// fail closed：计数器不可用时不允许误收费，也不放行
		return false, "", err
	}
	if left > 0 {
		return true, "", nil
	}

	if s.provider == nil {
		return false, "", fmt.Errorf("payment provider not configured")
	}
	secret, err := s.provider.CreateCharge(ctx, s.cfg.FeeAmount, s.cfg.Currency, map[string]string{
		"profile_id": profileID,
		"purpose":    "qr_activation",
	})
	if err != nil {
		return false, "", err
	}
	return false, secret, nil
}

// RepublishAsset 按需重发图片（发布失败后的补救入口，token 已持久化）。
func (s *Service) RepublishAsset(ctx context.Context, token string) error {
	if _, err := s.ledger.GetByToken(ctx, token); err != nil {
		return err
	}
	if s.asset == nil {
		return nil
	}
	return s.asset.Publish(token)
}

func (s *Service) existingResult(rec *Activation) *ActivateResult {
	res := &ActivateResult{AlreadyActivated: true}
	if rec.Ordinal != nil {
		res.Ordinal = *rec.Ordinal
		res.IsFree = *rec.Ordinal <= s.cfg.FreeThreshold
	}
	if rec.Token != nil {
		res.Token = *rec.Token
	}
	return res
}

// notifyActivated 发激活完成事件，失败只记日志。
func (s *Service) notifyActivated(ctx context.Context, ev ActivationEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.ActivationCompleted(ctx, ev); err != nil {
		s.warnf("failed to publish activation event entity=%s: %v", ev.EntityID, err)
	}
}

// publishAsset 渲染并存储二维码图片，失败只记日志；
// token 已落库，之后可随时按 token 重发。
func (s *Service) publishAsset(token string) {
	if s.asset == nil {
		return
	}
	if err := s.asset.Publish(token); err != nil {
		s.warnf("failed to publish qr asset token=%s: %v", token, err)
	}
}

func (s *Service) warnf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Warnf(format, args...)
	}
}
