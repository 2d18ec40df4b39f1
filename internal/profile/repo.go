package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/SafeScanQR/SafeScanQR/internal/activation"
	"gorm.io/gorm"
)

// Store 档案读写抽象（Service 依赖接口，测试用内存替身）。
type Store interface {
	Create(ctx context.Context, p *Profile, contacts []EmergencyContact, medical *MedicalInfo, note *EmergencyNote) error
	FindByID(ctx context.Context, id string) (*Profile, error)
	SetMobileVerified(ctx context.Context, id string) error
	Contacts(ctx context.Context, profileID string) ([]EmergencyContact, error)
	Medical(ctx context.Context, profileID string) (*MedicalInfo, error)
	Note(ctx context.Context, profileID string) (*EmergencyNote, error)
}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) withCtx(ctx context.Context) *gorm.DB {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.WithContext(ctx)
}

// Create 档案与附属信息一个事务内落库。
func (r *Repo) Create(ctx context.Context, p *Profile, contacts []EmergencyContact, medical *MedicalInfo, note *EmergencyNote) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		if len(contacts) > 0 {
			if err := tx.Create(&contacts).Error; err != nil {
				return err
			}
		}
		if medical != nil {
			if err := tx.Create(medical).Error; err != nil {
				return err
			}
		}
		if note != nil {
			if err := tx.Create(note).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) FindByID(ctx context.Context, id string) (*Profile, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var p Profile
	if err := db.Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, activation.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *Repo) SetMobileVerified(ctx context.Context, id string) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	res := db.Model(&Profile{}).Where("id = ?", id).Update("mobile_verified", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return activation.ErrNotFound
	}
	return nil
}

func (r *Repo) Contacts(ctx context.Context, profileID string) ([]EmergencyContact, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var contacts []EmergencyContact
	if err := db.Where("profile_id = ?", profileID).Order("priority asc, created_at asc").Find(&contacts).Error; err != nil {
		return nil, err
	}
	return contacts, nil
}

func (r *Repo) Medical(ctx context.Context, profileID string) (*MedicalInfo, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var m MedicalInfo
	if err := db.Where("profile_id = ?", profileID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *Repo) Note(ctx context.Context, profileID string) (*EmergencyNote, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var n EmergencyNote
	if err := db.Where("profile_id = ?", profileID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}
