package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/SafeScanQR/SafeScanQR/internal/activation"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 车队数据读写抽象。
type Store interface {
	CreateVehicle(ctx context.Context, v *FleetVehicle) error
	FindVehicle(ctx context.Context, id string) (*FleetVehicle, error)
	ListByOwner(ctx context.Context, ownerProfileID string) ([]FleetVehicle, error)
	SetQRToken(ctx context.Context, vehicleID, token string) error
	UpsertDriver(ctx context.Context, d *FleetDriver) error
	DriverByVehicle(ctx context.Context, vehicleID string) (*FleetDriver, error)
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

func (r *Repo) CreateVehicle(ctx context.Context, v *FleetVehicle) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Create(v).Error
}

func (r *Repo) FindVehicle(ctx context.Context, id string) (*FleetVehicle, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var v FleetVehicle
	if err := db.Where("id = ?", id).First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, activation.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (r *Repo) ListByOwner(ctx context.Context, ownerProfileID string) ([]FleetVehicle, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var vehicles []FleetVehicle
	if err := db.Where("owner_profile_id = ?", ownerProfileID).Order("created_at asc").Find(&vehicles).Error; err != nil {
		return nil, err
	}
	return vehicles, nil
}

func (r *Repo) SetQRToken(ctx context.Context, vehicleID, token string) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	res := db.Model(&FleetVehicle{}).Where("id = ?", vehicleID).Update("qr_token", token)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return activation.ErrNotFound
	}
	return nil
}

// UpsertDriver 每辆车一条司机记录，重复提交按 vehicle_id 覆盖。
func (r *Repo) UpsertDriver(ctx context.Context, d *FleetDriver) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vehicle_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "phone", "blood_group", "notes", "updated_at"}),
	}).Create(d).Error
}

func (r *Repo) DriverByVehicle(ctx context.Context, vehicleID string) (*FleetDriver, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var d FleetDriver
	if err := db.Where("vehicle_id = ?", vehicleID).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}
