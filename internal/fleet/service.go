package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SafeScanQR/SafeScanQR/internal/activation"
	"github.com/SafeScanQR/SafeScanQR/internal/common/logger"
	"github.com/google/uuid"
)

// ErrNotOwner 车辆不属于当前调用方。
var ErrNotOwner = errors.New("not allowed for this vehicle")

// Service 车队侧用例：车辆登记、司机维护、车辆二维码签发（单辆/整队）。
// 车辆 token 与个人 token 共用台账命名空间，但不消耗免费额度：
// 签发只由车主档案的激活状态把关。
type Service struct {
	store  Store
	ledger activation.Ledger
	asset  activation.AssetPublisher
	events activation.EventPublisher
	gen    activation.TokenFunc

	tokenMaxRetries int
	log             logger.Logger
}

func NewService(store Store, ledger activation.Ledger, asset activation.AssetPublisher, events activation.EventPublisher, tokenMaxRetries int, log logger.Logger) *Service {
	if tokenMaxRetries <= 0 {
		tokenMaxRetries = 3
	}
	return &Service{
		store:           store,
		ledger:          ledger,
		asset:           asset,
		events:          events,
		gen:             activation.NewHexToken,
		tokenMaxRetries: tokenMaxRetries,
		log:             log,
	}
}

// WithTokenFunc 替换 token 生成器（测试注入用）。
func (s *Service) WithTokenFunc(gen activation.TokenFunc) *Service {
	if gen != nil {
		s.gen = gen
	}
	return s
}

// RegisterVehicleInput 车辆登记入参。
type RegisterVehicleInput struct {
	OwnerProfileID string
	VehicleNumber  string
	Model          string
}

func (s *Service) RegisterVehicle(ctx context.Context, in RegisterVehicleInput) (*FleetVehicle, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	number := strings.TrimSpace(in.VehicleNumber)
	owner := strings.TrimSpace(in.OwnerProfileID)
	if number == "" || owner == "" {
		return nil, &activation.PreconditionError{Reason: "vehicle_number required"}
	}

	v := &FleetVehicle{
		ID:             uuid.NewString(),
		OwnerProfileID: owner,
		VehicleNumber:  number,
		Model:          strings.TrimSpace(in.Model),
	}
	if err := s.store.CreateVehicle(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// UpsertDriver 维护车辆当前司机信息。
func (s *Service) UpsertDriver(ctx context.Context, ownerID, vehicleID string, d FleetDriver) (*FleetDriver, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	v, err := s.store.FindVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	if v.OwnerProfileID != ownerID {
		return nil, ErrNotOwner
	}
	if strings.TrimSpace(d.Name) == "" {
		return nil, &activation.PreconditionError{Reason: "driver name required"}
	}

	d.ID = uuid.NewString()
	d.VehicleID = vehicleID
	d.Name = strings.TrimSpace(d.Name)
	if err := s.store.UpsertDriver(ctx, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GenerateVehicleQR 单辆车签发二维码。幂等：已有 token 原样返回
// alreadyExists=true，不会换号。
func (s *Service) GenerateVehicleQR(ctx context.Context, ownerID, vehicleID string) (token string, alreadyExists bool, err error) {
	if s == nil || s.store == nil || s.ledger == nil {
		return "", false, fmt.Errorf("service not initialized")
	}

	v, err := s.store.FindVehicle(ctx, vehicleID)
	if err != nil {
		return "", false, err
	}
	if v.OwnerProfileID != ownerID {
		return "", false, ErrNotOwner
	}

	// 额度判定只看车主：车主档案未激活就不给车辆发码
	owner, err := s.ledger.Get(ctx, ownerID)
	if err != nil || !owner.IsActivated {
		return "", false, &activation.PreconditionError{Reason: "owner profile must be activated before issuing vehicle QR"}
	}

	if v.QRToken != nil && *v.QRToken != "" {
		return *v.QRToken, true, nil
	}

	issued := ""
	for attempt := 0; attempt < s.tokenMaxRetries; attempt++ {
		t, err := s.gen()
		if err != nil {
			return "", false, fmt.Errorf("%w: generate token: %v", activation.ErrActivationFailed, err)
		}
		err = s.ledger.ActivateVehicle(ctx, vehicleID, t)
		if err == nil {
			issued = t
			break
		}
		if errors.Is(err, activation.ErrTokenCollision) {
			continue
		}
		if errors.Is(err, activation.ErrAlreadyActivated) {
			// 台账已有 token（例如上次车辆行回写失败），回读并补写车辆行
			rec, gerr := s.ledger.Get(ctx, vehicleID)
			if gerr != nil || rec.Token == nil {
				return "", false, fmt.Errorf("%w: %v", activation.ErrActivationFailed, gerr)
			}
			s.healVehicleToken(ctx, vehicleID, *rec.Token)
			return *rec.Token, true, nil
		}
		return "", false, fmt.Errorf("%w: %v", activation.ErrActivationFailed, err)
	}
	if issued == "" {
		return "", false, fmt.Errorf("%w: token collisions exhausted %d retries", activation.ErrActivationFailed, s.tokenMaxRetries)
	}

	// token 已在台账落库；车辆行回写失败只告警，下次调用会自愈
	if err := s.store.SetQRToken(ctx, vehicleID, issued); err != nil {
		s.warnf("failed to store qr token on vehicle=%s: %v", vehicleID, err)
	}

	if s.events != nil {
		if err := s.events.ActivationCompleted(ctx, activation.ActivationEvent{
			EntityID:   vehicleID,
			Kind:       string(activation.KindVehicle),
			IsFree:     true,
			Token:      issued,
			OccurredAt: time.Now(),
		}); err != nil {
			s.warnf("failed to publish vehicle activation event vehicle=%s: %v", vehicleID, err)
		}
	}
	if s.asset != nil {
		if err := s.asset.Publish(issued); err != nil {
			s.warnf("failed to publish vehicle qr asset token=%s: %v", issued, err)
		}
	}

	return issued, false, nil
}

// GenerateAllVehicleQRs 整队签发：逐辆套用单辆逻辑，单辆失败记录原因
// 并跳过，不让一辆车拖垮整批。
func (s *Service) GenerateAllVehicleQRs(ctx context.Context, ownerID string) ([]VehicleQRResult, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}

	vehicles, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	results := make([]VehicleQRResult, 0, len(vehicles))
	for _, v := range vehicles {
		token, exists, err := s.GenerateVehicleQR(ctx, ownerID, v.ID)
		if err != nil {
			s.warnf("bulk vehicle qr failed vehicle=%s: %v", v.ID, err)
			results = append(results, VehicleQRResult{VehicleID: v.ID, Error: err.Error()})
			continue
		}
		results = append(results, VehicleQRResult{VehicleID: v.ID, Token: token, AlreadyExists: exists})
	}
	return results, nil
}

// VehicleView 组装车辆的公开紧急信息视图。
func (s *Service) VehicleView(ctx context.Context, vehicleID string) (*activation.PublicEmergencyView, error) {
	v, err := s.store.FindVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}

	view := &activation.PublicEmergencyView{
		Kind:          string(activation.KindVehicle),
		VehicleNumber: v.VehicleNumber,
	}
	if d, err := s.store.DriverByVehicle(ctx, vehicleID); err == nil && d != nil {
		view.DriverName = d.Name
		view.DriverPhone = d.Phone
		view.DriverBloodGroup = d.BloodGroup
		view.DriverNotes = d.Notes
	}
	return view, nil
}

func (s *Service) healVehicleToken(ctx context.Context, vehicleID, token string) {
	if err := s.store.SetQRToken(ctx, vehicleID, token); err != nil {
		s.warnf("failed to heal qr token on vehicle=%s: %v", vehicleID, err)
	}
}

func (s *Service) warnf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Warnf(format, args...)
	}
}
