package activation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/SafeScanQR/SafeScanQR/internal/common/config"
	"github.com/SafeScanQR/SafeScanQR/internal/payment"
)

// fakeLedger 内存版台账，互斥锁模拟数据库事务的串行化语义。
type fakeLedger struct {
	mu      sync.Mutex
	rows    map[string]*Activation
	tokens  map[string]string // token -> entityID
	counter int64

	counterDown bool // 模拟计数器不可用
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		rows:   make(map[string]*Activation),
		tokens: make(map[string]string),
	}
}

func (f *fakeLedger) Get(ctx context.Context, entityID string) (*Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeLedger) GetByToken(ctx context.Context, token string) (*Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f.rows[id]
	return &cp, nil
}

func (f *fakeLedger) EnsureInactive(ctx context.Context, entityID string, kind EntityKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[entityID]; !ok {
		f.rows[entityID] = &Activation{EntityID: entityID, Kind: kind}
	}
	return nil
}

func (f *fakeLedger) ActivateProfile(ctx context.Context, entityID, token string, freeThreshold int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.rows[entityID]
	if !ok {
		return 0, false, ErrNotFound
	}
	if rec.IsActivated {
		return 0, false, ErrAlreadyActivated
	}
	if _, taken := f.tokens[token]; taken {
		return 0, false, ErrTokenCollision
	}
	if f.counterDown {
		return 0, false, fmt.Errorf("%w: connection refused", ErrCounterUnavailable)
	}

	f.counter++
	ordinal := f.counter
	isFree := ordinal <= freeThreshold

	rec.IsActivated = true
	rec.Ordinal = &ordinal
	rec.Token = &token
	f.tokens[token] = entityID
	return ordinal, isFree, nil
}

func (f *fakeLedger) ActivateVehicle(ctx context.Context, vehicleID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.rows[vehicleID]
	if !ok {
		rec = &Activation{EntityID: vehicleID, Kind: KindVehicle}
		f.rows[vehicleID] = rec
	}
	if rec.IsActivated {
		return ErrAlreadyActivated
	}
	if _, taken := f.tokens[token]; taken {
		return ErrTokenCollision
	}
	rec.IsActivated = true
	rec.Token = &token
	f.tokens[token] = vehicleID
	return nil
}

func (f *fakeLedger) FreeSlotsLeft(ctx context.Context, freeThreshold int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counterDown {
		return 0, fmt.Errorf("%w: connection refused", ErrCounterUnavailable)
	}
	left := freeThreshold - f.counter
	if left < 0 {
		left = 0
	}
	return left, nil
}

// fakePayments 内存版支付流水，按幂等 key 去重。
type fakePayments struct {
	mu   sync.Mutex
	rows map[string]*Payment
	fail bool
}

func newFakePayments() *fakePayments {
	return &fakePayments{rows: make(map[string]*Payment)}
}

func (f *fakePayments) RecordActivation(ctx context.Context, entityID string, amountMinor int64, currency, provider, providerRef string) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("payment store down")
	}
	key := ActivationIdempotencyKey(entityID)
	if p, ok := f.rows[key]; ok {
		return p, nil
	}
	status := PaymentSucceeded
	if amountMinor == 0 {
		status = PaymentWaived
	}
	p := &Payment{
		ID:             providerRef,
		IdempotencyKey: key,
		EntityID:       entityID,
		AmountMinor:    amountMinor,
		Currency:       currency,
		Status:         status,
		Provider:       provider,
		IsActivation:   true,
	}
	f.rows[key] = p
	return p, nil
}

func (f *fakePayments) GetActivationPayment(ctx context.Context, entityID string) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[ActivationIdempotencyKey(entityID)]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

type fakeGate struct{ err error }

func (g *fakeGate) ActivationPrecondition(ctx context.Context, profileID string) error {
	return g.err
}

type fakeAsset struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (a *fakeAsset) Publish(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.published = append(a.published, token)
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []ActivationEvent
	err    error
}

func (e *fakeEvents) ActivationCompleted(ctx context.Context, ev ActivationEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, ev)
	return nil
}

func testConfig(threshold int64) config.ActivationConfig {
	return config.ActivationConfig{
		FreeThreshold:   threshold,
		FeeAmount:       1000,
		Currency:        "INR",
		TokenMaxRetries: 3,
	}
}

func newTestService(ledger Ledger, payments PaymentRecorder, gate ProfileGate, asset AssetPublisher, events EventPublisher, threshold int64) *Service {
	return NewService(ledger, payments, gate, asset, events, nil, testConfig(threshold), nil)
}

func mustEnsure(t *testing.T, ledger Ledger, id string) {
	t.Helper()
	if err := ledger.EnsureInactive(context.Background(), id, KindProfile); err != nil {
		t.Fatalf("EnsureInactive(%s) 失败: %v", id, err)
	}
}

func TestActivate(t *testing.T) {
	ledger := newFakeLedger()
	payments := newFakePayments()
	asset := &fakeAsset{}
	events := &fakeEvents{}
	svc := newTestService(ledger, payments, &fakeGate{}, asset, events, 1000)

	mustEnsure(t, ledger, "profile-1")

	res, err := svc.Activate(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("激活失败: %v", err)
	}
	if res.Ordinal != 1 {
		t.Errorf("序号 = %d, 期望 1", res.Ordinal)
	}
	if !res.IsFree {
		t.Error("首个激活应在免费额度内")
	}
	if !IsWellFormedToken(res.Token) {
		t.Errorf("token 形态不合法: %s", res.Token)
	}
	if res.AlreadyActivated {
		t.Error("首次激活不应标记 AlreadyActivated")
	}

	// 支付流水应记为 waived、金额 0
	p, err := payments.GetActivationPayment(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("读取支付流水失败: %v", err)
	}
	if p.Status != PaymentWaived || p.AmountMinor != 0 {
		t.Errorf("流水 = %s/%d, 期望 waived/0", p.Status, p.AmountMinor)
	}

	if len(events.events) != 1 || events.events[0].EntityID != "profile-1" {
		t.Errorf("激活事件数 = %d, 期望 1 条", len(events.events))
	}
	if len(asset.published) != 1 || asset.published[0] != res.Token {
		t.Errorf("二维码发布记录 = %v, 期望 [%s]", asset.published, res.Token)
	}
}

func TestActivateIdempotent(t *testing.T) {
	ledger := newFakeLedger()
	payments := newFakePayments()
	svc := newTestService(ledger, payments, &fakeGate{}, &fakeAsset{}, &fakeEvents{}, 1000)

	mustEnsure(t, ledger, "profile-1")

	first, err := svc.Activate(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("首次激活失败: %v", err)
	}
	second, err := svc.Activate(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("重复激活应按成功返回: %v", err)
	}
	if !second.AlreadyActivated {
		t.Error("重复激活应标记 AlreadyActivated")
	}
	if second.Token != first.Token {
		t.Errorf("重复激活 token = %s, 期望复用 %s", second.Token, first.Token)
	}
	if second.Ordinal != first.Ordinal {
		t.Errorf("重复激活序号 = %d, 期望 %d", second.Ordinal, first.Ordinal)
	}

	// 幂等 key 保证流水只有一条
	if len(payments.rows) != 1 {
		t.Errorf("支付流水条数 = %d, 期望 1", len(payments.rows))
	}
}

func TestActivateConcurrentSameProfile(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger, newFakePayments(), &fakeGate{}, &fakeAsset{}, &fakeEvents{}, 1000)

	mustEnsure(t, ledger, "profile-1")

	const n = 20
	results := make([]*ActivateResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Activate(context.Background(), "profile-1")
		}(i)
	}
	wg.Wait()

	token := ""
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("并发激活第 %d 路失败: %v", i, errs[i])
		}
		if token == "" {
			token = results[i].Token
		} else if results[i].Token != token {
			t.Fatalf("并发激活拿到不同 token: %s vs %s", results[i].Token, token)
		}
	}
	// 只消耗一个序号
	left, err := ledger.FreeSlotsLeft(context.Background(), 1000)
	if err != nil {
		t.Fatalf("读取余量失败: %v", err)
	}
	if left != 999 {
		t.Errorf("剩余免费名额 = %d, 期望 999", left)
	}
}

func TestActivateFreeTierBoundary(t *testing.T) {
	const threshold = 2
	ledger := newFakeLedger()
	svc := newTestService(ledger, newFakePayments(), &fakeGate{}, &fakeAsset{}, &fakeEvents{}, threshold)

	for i := 1; i <= 3; i++ {
		mustEnsure(t, ledger, fmt.Sprintf("profile-%d", i))
	}

	freeCount := 0
	for i := 1; i <= 3; i++ {
		res, err := svc.Activate(context.Background(), fmt.Sprintf("profile-%d", i))
		if err != nil {
			t.Fatalf("激活 profile-%d 失败: %v", i, err)
		}
		if res.IsFree {
			freeCount++
		}
	}
	if freeCount != threshold {
		t.Errorf("免费激活数 = %d, 期望正好 %d", freeCount, threshold)
	}
}

func TestActivateConcurrentBoundary(t *testing.T) {
	// 额度边界上的并发：名额只剩 threshold 个，n 路并发抢，
	// 免费的必须正好 threshold 个，不能超发。
	const threshold = 5
	const n = 20
	ledger := newFakeLedger()
	svc := newTestService(ledger, newFakePayments(), &fakeGate{}, &fakeAsset{}, &fakeEvents{}, threshold)

	for i := 0; i < n; i++ {
		mustEnsure(t, ledger, fmt.Sprintf("profile-%d", i))
	}

	results := make([]*ActivateResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Activate(context.Background(), fmt.Sprintf("profile-%d", i))
			if err != nil {
				t.Errorf("激活 profile-%d 失败: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	freeCount := 0
	ordinals := make(map[int64]bool)
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.IsFree {
			freeCount++
		}
		if ordinals[res.Ordinal] {
			t.Errorf("激活序号重复: %d", res.Ordinal)
		}
		ordinals[res.Ordinal] = true
	}
	if freeCount != threshold {
		t.Errorf("免费激活数 = %d, 期望正好 %d", freeCount, threshold)
	}
}

func TestActivateTokenCollisionRetry(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger, newFakePayments(), &fakeGate{}, &fakeAsset{}, &fakeEvents{}, 1000)

	mustEnsure(t, ledger, "occupied")
	mustEnsure(t, ledger, "profile-1")

	// 先占住一个 token，再让生成器前两次都撞上它
	const taken = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	const fresh = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	if _, _, err := ledger.ActivateProfile(context.Background(), "occupied", taken, 1000); err != nil {
		t.Fatalf("预置占用 token 失败: %v", err)
	}

	calls := 0
	svc.WithTokenFunc(func() (string, error) {
		calls++
		if calls <= 2 {
			return taken, nil
		}
		return fresh, nil
	})

	res, err := svc.Activate(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("撞号重试后应成功: %v", err)
	}
	if res.Token != fresh {
		t.Errorf("token = %s, 期望 %s", res.Token, fresh)
	}
	if calls != 3 {
		t.Errorf("生成器调用次数 = %d, 期望 3", calls)
	}
}

func TestActivateTokenCollisionExhausted(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger, newFakePayments(), &fakeGate{}, &fakeAsset{}, &fakeEvents{}, 1000)

	mustEnsure(t, ledger, "occupied")
	mustEnsure(t, ledger, "profile-1")

	const taken = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	if _, _, err := ledger.ActivateProfile(context.Background(), "occupied", taken, 1000); err != nil {
		t.Fatalf("预置占用 token 失败: %v", err)
	}
	svc.WithTokenFunc(func() (string, error) { return taken, nil })

	_, err := svc.Activate(context.Background(), "profile-1")
	if !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("重试耗尽应返回 ErrActivationFailed, 实际: %v", err)
	}

	// 实体保持未激活，可重试
	rec, err := ledger.Get(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("回读台账失败: %v", err)
	}
	if rec.IsActivated {
		t.Error("重试耗尽后实体不应已激活")
	}
}

func TestActivatePreconditionFailed(t *testing.T) {
	ledger := newFakeLedger()
	gate := &fakeGate{err: &PreconditionError{Reason: "mobile number must be verified before activation"}}
	svc := newTestService(ledger, newFakePayments(), gate, &fakeAsset{}, &fakeEvents{}, 1000)

	mustEnsure(t, ledger, "profile-1")

	_, err := svc.Activate(context.Background(), "profile-1")
	if !IsPrecondition(err) {
		t.Fatalf("期望前置条件错误, 实际: %v", err)
	}

	// 被拒后不产生状态变更
	rec, err := ledger.Get(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("回读台账失败: %v", err)
	}
	if rec.IsActivated {
		t.Error("前置检查失败不应激活实体")
	}
	left, _ := ledger.FreeSlotsLeft(context.Background(), 1000)
	if left != 1000 {
		t.Errorf("剩余名额 = %d, 不应被消耗", left)
	}
}

func TestActivateCounterUnavailable(t *testing.T) {
	ledger := newFakeLedger()
	ledger.counterDown = true
	svc := newTestService(ledger, newFakePayments(), &fakeGate{}, &fakeAsset{}, &fakeEvents{}, 1000)

	mustEnsure(t, ledger, "profile-1")

	// fail closed：计数器挂了就整体失败，不允许退化成收费路径
	_, err := svc.Activate(context.Background(), "profile-1")
	if !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("计数器不可用应返回 ErrActivationFailed, 实际: %v", err)
	}
	rec, _ := ledger.Get(context.Background(), "profile-1")
	if rec.IsActivated {
		t.Error("计数器不可用时实体不应被激活")
	}
}

func TestActivateSideEffectsNonFatal(t *testing.T) {
	ledger := newFakeLedger()
	payments := newFakePayments()
	payments.fail = true
	asset := &fakeAsset{err: fmt.Errorf("storage unreachable")}
	events := &fakeEvents{err: fmt.Errorf("broker down")}
	svc := newTestService(ledger, payments, &fakeGate{}, asset, events, 1000)

	mustEnsure(t, ledger, "profile-1")

	// 流水、事件、图片全挂，激活本身仍然成功
	res, err := svc.Activate(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("副作用失败不应影响激活: %v", err)
	}
	if res.Token == "" || !res.IsFree {
		t.Errorf("激活结果异常: %+v", res)
	}
	rec, err := ledger.Get(context.Background(), "profile-1")
	if err != nil || !rec.IsActivated {
		t.Errorf("台账应已激活, rec=%+v err=%v", rec, err)
	}
}

func TestPaymentIntent(t *testing.T) {
	t.Run("额度内免费", func(t *testing.T) {
		ledger := newFakeLedger()
		svc := newTestService(ledger, newFakePayments(), &fakeGate{}, &fakeAsset{}, &fakeEvents{}, 1000)
		mustEnsure(t, ledger, "profile-1")

		free, secret, err := svc.PaymentIntent(context.Background(), "profile-1")
		if err != nil {
			t.Fatalf("PaymentIntent 失败: %v", err)
		}
		if !free || secret != "" {
			t.Errorf("free=%v secret=%q, 期望 free=true 无 secret", free, secret)
		}
	})

	t.Run("已激活拒绝", func(t *testing.T) {
		ledger := newFakeLedger()
		svc := newTestService(ledger, newFakePayments(), &fakeGate{}, &fakeAsset{}, &fakeEvents{}, 1000)
		mustEnsure(t, ledger, "profile-1")
		if _, err := svc.Activate(context.Background(), "profile-1"); err != nil {
			t.Fatalf("预置激活失败: %v", err)
		}

		_, _, err := svc.PaymentIntent(context.Background(), "profile-1")
		if !errors.Is(err, ErrAlreadyActivated) {
			t.Fatalf("期望 ErrAlreadyActivated, 实际: %v", err)
		}
	})

	t.Run("额度耗尽走支付渠道", func(t *testing.T) {
		ledger := newFakeLedger()
		svc := NewService(ledger, newFakePayments(), &fakeGate{}, &fakeAsset{}, &fakeEvents{},
			payment.NewMockProvider(), testConfig(1), nil)
		mustEnsure(t, ledger, "profile-1")
		mustEnsure(t, ledger, "profile-2")
		if _, err := svc.Activate(context.Background(), "profile-1"); err != nil {
			t.Fatalf("预置占满额度失败: %v", err)
		}

		free, secret, err := svc.PaymentIntent(context.Background(), "profile-2")
		if err != nil {
			t.Fatalf("PaymentIntent 失败: %v", err)
		}
		if free || secret == "" {
			t.Errorf("free=%v secret=%q, 期望 free=false 且返回 client secret", free, secret)
		}
	})

	t.Run("计数器不可用 fail closed", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.counterDown = true
		svc := newTestService(ledger, newFakePayments(), &fakeGate{}, &fakeAsset{}, &fakeEvents{}, 1000)
		mustEnsure(t, ledger, "profile-1")

		_, _, err := svc.PaymentIntent(context.Background(), "profile-1")
		if !errors.Is(err, ErrCounterUnavailable) {
			t.Fatalf("期望 ErrCounterUnavailable, 实际: %v", err)
		}
	})
}
