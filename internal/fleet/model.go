package fleet

import "time"

// FleetVehicle 是 fleet_vehicles 表的 GORM 模型。
// QRToken 冗余存一份台账里的 token，方便车队面板直接展示；
// 真正的签发事实在激活台账（qr_codes）。
type FleetVehicle struct {
	ID             string    `gorm:"primaryKey;size:36"`
	OwnerProfileID string    `gorm:"index;size:36;not null"`
	VehicleNumber  string    `gorm:"uniqueIndex;size:32;not null"`
	Model          string    `gorm:"size:64"`
	QRToken        *string   `gorm:"uniqueIndex;size:64"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (FleetVehicle) TableName() string { return "fleet_vehicles" }

// FleetDriver 车辆当前司机（扫码公开视图的一部分）。
type FleetDriver struct {
	ID         string    `gorm:"primaryKey;size:36"`
	VehicleID  string    `gorm:"uniqueIndex;size:36;not null"`
	Name       string    `gorm:"size:128;not null"`
	Phone      string    `gorm:"size:32"`
	BloodGroup string    `gorm:"size:8"`
	Notes      string    `gorm:"size:512"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (FleetDriver) TableName() string { return "fleet_drivers" }

// VehicleQRResult 批量签发的单车结果，失败的车辆跳过不终止整批。
type VehicleQRResult struct {
	VehicleID     string `json:"id"`
	Token         string `json:"token,omitempty"`
	AlreadyExists bool   `json:"alreadyExists,omitempty"`
	Error         string `json:"error,omitempty"`
}
