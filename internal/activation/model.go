package activation

import "time"

// EntityKind 可激活实体类型（持久化为字符串）。
type EntityKind string

const (
	KindProfile EntityKind = "profile" // 个人档案
	KindVehicle EntityKind = "vehicle" // 车队车辆
)

// Activation 是激活台账（qr_codes 表）的 GORM 模型。
// 每个实体至多一行；entity_id 与 token 各自唯一，token 在个人与车辆间共用同一命名空间。
// 不变量：is_activated == true 当且仅当 token 非空；激活是单向流转，不会回退。
type Activation struct {
	EntityID    string     `gorm:"primaryKey;size:36"`
	Kind        EntityKind `gorm:"type:varchar(16);not null"`
	IsActivated bool       `gorm:"not null;default:false"`

	// Ordinal 全局激活序号，仅个人档案消耗计数器；车辆不占额度，保持 NULL。
	Ordinal *int64 `gorm:"uniqueIndex"`

	// Token 一经签发不可变，也不会转授给其他实体。
	Token *string `gorm:"uniqueIndex;size:64"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName 沿用扫码侧的表名。
func (Activation) TableName() string { return "qr_codes" }

const counterRowID = 1

// FreeTierCounter 免费额度计数器（单行表，id 恒为 1）。
// 读-比较-自增必须与台账写入同一事务内串行化，见 Ledger.ActivateProfile。
type FreeTierCounter struct {
	ID             int64     `gorm:"primaryKey"`
	ActivatedCount int64     `gorm:"not null;default:0"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (FreeTierCounter) TableName() string { return "activation_counters" }

// PaymentStatus 支付状态
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded" // 实付成功
	PaymentWaived    PaymentStatus = "waived"    // 免费额度内，金额为 0
)

// Payment 支付流水（审计用途，不反向作为激活开关）。
// idempotency_key 唯一，激活支付的 key 由实体 id 确定性推导，重试只会落一行。
type Payment struct {
	ID             string        `gorm:"primaryKey;size:36"`
	IdempotencyKey string        `gorm:"uniqueIndex;size:64;not null"`
	EntityID       string        `gorm:"index;size:36;not null"`
	AmountMinor    int64         `gorm:"not null;default:0"` // 最小货币单位
	Currency       string        `gorm:"size:8;not null"`
	Status         PaymentStatus `gorm:"type:varchar(16);not null"`
	Provider       string        `gorm:"size:32;not null"`
	ProviderRef    string        `gorm:"size:64"`
	IsActivation   bool          `gorm:"not null;default:false"`
	CreatedAt      time.Time     `gorm:"autoCreateTime"`
}

func (Payment) TableName() string { return "payments" }

// ActivationIdempotencyKey 激活支付的幂等 key。
func ActivationIdempotencyKey(entityID string) string {
	return "activation-" + entityID
}
