package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SafeScanQR/SafeScanQR/internal/common/logger"
	"github.com/redis/go-redis/v9"
)

// EmergencyContactView 公开视图里的紧急联系人。
type EmergencyContactView struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation,omitempty"`
}

// PublicEmergencyView 扫码方看到的紧急信息子集。
// 只包含施救需要的字段，绝不含凭证、手机号验证状态或支付数据。
type PublicEmergencyView struct {
	Kind string `json:"kind"` // profile / vehicle

	// 个人档案
	FullName             string                 `json:"full_name,omitempty"`
	BloodGroup           string                 `json:"blood_group,omitempty"`
	Allergies            string                 `json:"allergies,omitempty"`
	MedicalConditions    string                 `json:"medical_conditions,omitempty"`
	EmergencyInstruction string                 `json:"emergency_instruction,omitempty"`
	Contacts             []EmergencyContactView `json:"contacts,omitempty"`

	// 车队车辆
	VehicleNumber    string `json:"vehicle_number,omitempty"`
	DriverName       string `json:"driver_name,omitempty"`
	DriverPhone      string `json:"driver_phone,omitempty"`
	DriverBloodGroup string `json:"driver_blood_group,omitempty"`
	DriverNotes      string `json:"driver_notes,omitempty"`
}

// ViewSource 按实体类型组装公开视图（由 profile / fleet 侧实现）。
type ViewSource interface {
	ProfileView(ctx context.Context, profileID string) (*PublicEmergencyView, error)
	VehicleView(ctx context.Context, vehicleID string) (*PublicEmergencyView, error)
}

// Resolver 公共扫码解析路径：token -> 台账 -> 公开视图。
// Redis 作为读穿缓存应对扫码突发；缓存故障直接落库，不影响正确性。
type Resolver struct {
	ledger Ledger
	source ViewSource
	cache  *redis.Client
	ttl    time.Duration
	log    logger.Logger
}

func NewResolver(ledger Ledger, source ViewSource, cache *redis.Client, ttl time.Duration, log logger.Logger) *Resolver {
	return &Resolver{
		ledger: ledger,
		source: source,
		cache:  cache,
		ttl:    ttl,
		log:    log,
	}
}

// Resolve 无需鉴权的扫码查询。token 不存在或尚未激活返回 ErrNotFound。
func (r *Resolver) Resolve(ctx context.Context, token string) (*PublicEmergencyView, error) {
	if r == nil || r.ledger == nil || r.source == nil {
		return nil, fmt.Errorf("resolver not initialized")
	}
	if !IsWellFormedToken(token) {
		return nil, ErrNotFound
	}

	if view := r.cacheGet(ctx, token); view != nil {
		return view, nil
	}

	rec, err := r.ledger.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !rec.IsActivated {
		return nil, ErrNotFound
	}

	var view *PublicEmergencyView
	switch rec.Kind {
	case KindVehicle:
		view, err = r.source.VehicleView(ctx, rec.EntityID)
	default:
		view, err = r.source.ProfileView(ctx, rec.EntityID)
	}
	if err != nil {
		return nil, err
	}

	r.cacheSet(ctx, token, view)
	return view, nil
}

func cacheKey(token string) string { return "resolve:" + token }

func (r *Resolver) cacheGet(ctx context.Context, token string) *PublicEmergencyView {
	if r.cache == nil || r.ttl <= 0 {
		return nil
	}
	data, err := r.cache.Get(ctx, cacheKey(token)).Bytes()
	if err != nil {
		if err != redis.Nil && r.log != nil {
			r.log.Warnf("resolve cache get failed token=%s: %v", token, err)
		}
		return nil
	}
	view := &PublicEmergencyView{}
	if err := json.Unmarshal(data, view); err != nil {
		return nil
	}
	return view
}

func (r *Resolver) cacheSet(ctx context.Context, token string, view *PublicEmergencyView) {
	if r.cache == nil || r.ttl <= 0 || view == nil {
		return
	}
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(token), data, r.ttl).Err(); err != nil && r.log != nil {
		r.log.Warnf("resolve cache set failed token=%s: %v", token, err)
	}
}
