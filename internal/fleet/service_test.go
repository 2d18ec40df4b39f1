package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/SafeScanQR/SafeScanQR/internal/activation"
)

// fakeStore 内存版车队存储。
type fakeStore struct {
	mu       sync.Mutex
	vehicles map[string]*FleetVehicle
	drivers  map[string]*FleetDriver // vehicleID -> driver

	setTokenErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		vehicles: make(map[string]*FleetVehicle),
		drivers:  make(map[string]*FleetDriver),
	}
}

func (f *fakeStore) CreateVehicle(ctx context.Context, v *FleetVehicle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vehicles[v.ID] = v
	return nil
}

func (f *fakeStore) FindVehicle(ctx context.Context, id string) (*FleetVehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vehicles[id]
	if !ok {
		return nil, activation.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeStore) ListByOwner(ctx context.Context, ownerProfileID string) ([]FleetVehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FleetVehicle
	for _, v := range f.vehicles {
		if v.OwnerProfileID == ownerProfileID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (f *fakeStore) SetQRToken(ctx context.Context, vehicleID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setTokenErr != nil {
		return f.setTokenErr
	}
	v, ok := f.vehicles[vehicleID]
	if !ok {
		return activation.ErrNotFound
	}
	v.QRToken = &token
	return nil
}

func (f *fakeStore) UpsertDriver(ctx context.Context, d *FleetDriver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drivers[d.VehicleID] = d
	return nil
}

func (f *fakeStore) DriverByVehicle(ctx context.Context, vehicleID string) (*FleetDriver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[vehicleID]
	if !ok {
		return nil, nil
	}
	return d, nil
}

// fakeLedger 只实现车队路径用到的行为。
type fakeLedger struct {
	mu     sync.Mutex
	rows   map[string]*activation.Activation
	tokens map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		rows:   make(map[string]*activation.Activation),
		tokens: make(map[string]string),
	}
}

func (f *fakeLedger) activateOwner(ownerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := fmt.Sprintf("owner-token-%s", ownerID)
	ordinal := int64(len(f.rows) + 1)
	f.rows[ownerID] = &activation.Activation{
		EntityID:    ownerID,
		Kind:        activation.KindProfile,
		IsActivated: true,
		Ordinal:     &ordinal,
		Token:       &token,
	}
}

func (f *fakeLedger) Get(ctx context.Context, entityID string) (*activation.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[entityID]
	if !ok {
		return nil, activation.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeLedger) GetByToken(ctx context.Context, token string) (*activation.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[token]
	if !ok {
		return nil, activation.ErrNotFound
	}
	cp := *f.rows[id]
	return &cp, nil
}

func (f *fakeLedger) EnsureInactive(ctx context.Context, entityID string, kind activation.EntityKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[entityID]; !ok {
		f.rows[entityID] = &activation.Activation{EntityID: entityID, Kind: kind}
	}
	return nil
}

func (f *fakeLedger) ActivateProfile(ctx context.Context, entityID, token string, freeThreshold int64) (int64, bool, error) {
	return 0, false, fmt.Errorf("not used in fleet tests")
}

func (f *fakeLedger) ActivateVehicle(ctx context.Context, vehicleID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[vehicleID]
	if !ok {
		rec = &activation.Activation{EntityID: vehicleID, Kind: activation.KindVehicle}
		f.rows[vehicleID] = rec
	}
	if rec.IsActivated {
		return activation.ErrAlreadyActivated
	}
	if _, taken := f.tokens[token]; taken {
		return activation.ErrTokenCollision
	}
	rec.IsActivated = true
	rec.Token = &token
	f.tokens[token] = vehicleID
	return nil
}

func (f *fakeLedger) FreeSlotsLeft(ctx context.Context, freeThreshold int64) (int64, error) {
	return freeThreshold, nil
}

func newTestService(store Store, ledger activation.Ledger) *Service {
	return NewService(store, ledger, nil, nil, 3, nil)
}

func registerVehicle(t *testing.T, svc *Service, ownerID, number string) *FleetVehicle {
	t.Helper()
	v, err := svc.RegisterVehicle(context.Background(), RegisterVehicleInput{
		OwnerProfileID: ownerID,
		VehicleNumber:  number,
	})
	if err != nil {
		t.Fatalf("登记车辆 %s 失败: %v", number, err)
	}
	return v
}

func TestGenerateVehicleQR(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	ledger.activateOwner("owner-1")
	svc := newTestService(store, ledger)

	v := registerVehicle(t, svc, "owner-1", "KA01AB1234")

	token, exists, err := svc.GenerateVehicleQR(context.Background(), "owner-1", v.ID)
	if err != nil {
		t.Fatalf("签发失败: %v", err)
	}
	if exists {
		t.Error("首次签发不应标记 alreadyExists")
	}
	if !activation.IsWellFormedToken(token) {
		t.Errorf("token 形态不合法: %s", token)
	}

	// 车辆行应回写 token
	got, err := store.FindVehicle(context.Background(), v.ID)
	if err != nil || got.QRToken == nil || *got.QRToken != token {
		t.Errorf("车辆行 token 未回写, got=%+v err=%v", got, err)
	}

	// 台账行不占免费额度
	rec, err := ledger.Get(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("回读台账失败: %v", err)
	}
	if rec.Ordinal != nil {
		t.Errorf("车辆台账不应有激活序号, ordinal=%d", *rec.Ordinal)
	}
}

func TestGenerateVehicleQRIdempotent(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	ledger.activateOwner("owner-1")
	svc := newTestService(store, ledger)

	v := registerVehicle(t, svc, "owner-1", "KA01AB1234")

	first, _, err := svc.GenerateVehicleQR(context.Background(), "owner-1", v.ID)
	if err != nil {
		t.Fatalf("首次签发失败: %v", err)
	}
	second, exists, err := svc.GenerateVehicleQR(context.Background(), "owner-1", v.ID)
	if err != nil {
		t.Fatalf("重复签发失败: %v", err)
	}
	if !exists {
		t.Error("重复签发应标记 alreadyExists")
	}
	if second != first {
		t.Errorf("重复签发换号了: %s vs %s", second, first)
	}
}

func TestGenerateVehicleQROwnerNotActivated(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger() // 车主未激活
	svc := newTestService(store, ledger)

	v := registerVehicle(t, svc, "owner-1", "KA01AB1234")

	_, _, err := svc.GenerateVehicleQR(context.Background(), "owner-1", v.ID)
	if !activation.IsPrecondition(err) {
		t.Fatalf("车主未激活应返回前置条件错误, 实际: %v", err)
	}
}

func TestGenerateVehicleQRNotOwner(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	ledger.activateOwner("owner-2")
	svc := newTestService(store, ledger)

	v := registerVehicle(t, svc, "owner-1", "KA01AB1234")

	_, _, err := svc.GenerateVehicleQR(context.Background(), "owner-2", v.ID)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("他人车辆应返回 ErrNotOwner, 实际: %v", err)
	}
}

func TestGenerateVehicleQRHealsMissingToken(t *testing.T) {
	// 上次签发时台账落库成功但车辆行回写失败：
	// 再次签发应回读台账 token 补写车辆行，而不是报错或换号。
	store := newFakeStore()
	ledger := newFakeLedger()
	ledger.activateOwner("owner-1")
	svc := newTestService(store, ledger)

	v := registerVehicle(t, svc, "owner-1", "KA01AB1234")

	store.setTokenErr = fmt.Errorf("connection reset")
	first, _, err := svc.GenerateVehicleQR(context.Background(), "owner-1", v.ID)
	if err != nil {
		t.Fatalf("回写失败不应让签发报错: %v", err)
	}
	store.setTokenErr = nil

	second, exists, err := svc.GenerateVehicleQR(context.Background(), "owner-1", v.ID)
	if err != nil {
		t.Fatalf("补写路径失败: %v", err)
	}
	if !exists || second != first {
		t.Errorf("应复用台账 token: exists=%v %s vs %s", exists, second, first)
	}
	got, _ := store.FindVehicle(context.Background(), v.ID)
	if got.QRToken == nil || *got.QRToken != first {
		t.Error("车辆行 token 应被补写")
	}
}

func TestGenerateAllVehicleQRs(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	ledger.activateOwner("owner-1")
	svc := newTestService(store, ledger)

	v1 := registerVehicle(t, svc, "owner-1", "KA01AB0001")
	v2 := registerVehicle(t, svc, "owner-1", "KA01AB0002")
	v3 := registerVehicle(t, svc, "owner-1", "KA01AB0003")
	registerVehicle(t, svc, "owner-2", "KA01AB0004") // 他人车辆不在批里

	// v2 预先有号，批量时应原样返回
	preToken, _, err := svc.GenerateVehicleQR(context.Background(), "owner-1", v2.ID)
	if err != nil {
		t.Fatalf("预置 v2 签发失败: %v", err)
	}

	results, err := svc.GenerateAllVehicleQRs(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("批量签发失败: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("结果条数 = %d, 期望 3", len(results))
	}

	byID := make(map[string]VehicleQRResult, len(results))
	for _, r := range results {
		byID[r.VehicleID] = r
	}
	for _, id := range []string{v1.ID, v2.ID, v3.ID} {
		r, ok := byID[id]
		if !ok {
			t.Fatalf("结果缺少车辆 %s", id)
		}
		if r.Error != "" {
			t.Errorf("车辆 %s 签发失败: %s", id, r.Error)
		}
		if !activation.IsWellFormedToken(r.Token) {
			t.Errorf("车辆 %s token 形态不合法: %s", id, r.Token)
		}
	}
	if !byID[v2.ID].AlreadyExists || byID[v2.ID].Token != preToken {
		t.Errorf("v2 应复用既有 token %s, 实际 %+v", preToken, byID[v2.ID])
	}
}

func TestGenerateAllVehicleQRsSkipsFailures(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	svc := newTestService(store, ledger) // 车主未激活，单辆全部失败

	registerVehicle(t, svc, "owner-1", "KA01AB0001")
	registerVehicle(t, svc, "owner-1", "KA01AB0002")

	results, err := svc.GenerateAllVehicleQRs(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("单辆失败不应终止整批: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("结果条数 = %d, 期望 2", len(results))
	}
	for _, r := range results {
		if r.Error == "" {
			t.Errorf("车辆 %s 应带失败原因", r.VehicleID)
		}
		if r.Token != "" {
			t.Errorf("失败的车辆不应有 token: %+v", r)
		}
	}
}

func TestUpsertDriver(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	svc := newTestService(store, ledger)

	v := registerVehicle(t, svc, "owner-1", "KA01AB1234")

	d, err := svc.UpsertDriver(context.Background(), "owner-1", v.ID, FleetDriver{
		Name:  "张三",
		Phone: "9876543210",
	})
	if err != nil {
		t.Fatalf("维护司机失败: %v", err)
	}
	if d.VehicleID != v.ID {
		t.Errorf("司机 vehicle_id = %s, 期望 %s", d.VehicleID, v.ID)
	}

	if _, err := svc.UpsertDriver(context.Background(), "owner-2", v.ID, FleetDriver{Name: "李四"}); !errors.Is(err, ErrNotOwner) {
		t.Errorf("他人车辆维护司机应返回 ErrNotOwner, 实际: %v", err)
	}
	if _, err := svc.UpsertDriver(context.Background(), "owner-1", v.ID, FleetDriver{Name: "  "}); !activation.IsPrecondition(err) {
		t.Errorf("空司机名应返回前置条件错误, 实际: %v", err)
	}
}

func TestVehicleView(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	svc := newTestService(store, ledger)

	v := registerVehicle(t, svc, "owner-1", "KA01AB1234")
	if _, err := svc.UpsertDriver(context.Background(), "owner-1", v.ID, FleetDriver{
		Name:       "张三",
		Phone:      "9876543210",
		BloodGroup: "O+",
	}); err != nil {
		t.Fatalf("维护司机失败: %v", err)
	}

	view, err := svc.VehicleView(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("组装视图失败: %v", err)
	}
	if view.Kind != string(activation.KindVehicle) {
		t.Errorf("kind = %s, 期望 vehicle", view.Kind)
	}
	if view.VehicleNumber != "KA01AB1234" || view.DriverName != "张三" || view.DriverBloodGroup != "O+" {
		t.Errorf("视图字段异常: %+v", view)
	}
}
