package profile

import "time"

// Profile 是 profiles 表的 GORM 模型。
// MobileVerified 是激活的前置条件（验证流程本身由外部 OTP 渠道完成）。
type Profile struct {
	ID             string    `gorm:"primaryKey;size:36"`
	FullName       string    `gorm:"size:128;not null"`
	Mobile         string    `gorm:"uniqueIndex;size:32;not null"`
	MobileVerified bool      `gorm:"not null;default:false"`
	Email          string    `gorm:"size:128"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (Profile) TableName() string { return "profiles" }

// EmergencyContact 紧急联系人（扫码公开视图的一部分）。
type EmergencyContact struct {
	ID        string    `gorm:"primaryKey;size:36"`
	ProfileID string    `gorm:"index;size:36;not null"`
	Name      string    `gorm:"size:128;not null"`
	Phone     string    `gorm:"size:32;not null"`
	Relation  string    `gorm:"size:32"`
	Priority  int       `gorm:"not null;default:0"` // 展示顺序，小的在前
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (EmergencyContact) TableName() string { return "emergency_contacts" }

// MedicalInfo 医疗信息，每个档案一行。
type MedicalInfo struct {
	ProfileID         string    `gorm:"primaryKey;size:36"`
	BloodGroup        string    `gorm:"size:8"`
	Allergies         string    `gorm:"size:255"`
	MedicalConditions string    `gorm:"size:255"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

func (MedicalInfo) TableName() string { return "medical_info" }

// EmergencyNote 自由文本的急救说明，每个档案一行。
type EmergencyNote struct {
	ProfileID   string    `gorm:"primaryKey;size:36"`
	Instruction string    `gorm:"size:512"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (EmergencyNote) TableName() string { return "emergency_notes" }
