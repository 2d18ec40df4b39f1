package activation

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger 激活台账。实现必须保证：
// - ActivateProfile 的“查重 + 额度自增 + 落台账”是一个原子单元，
//   并发激活在额度边界上不会超发免费名额；
// - 同一实体并发激活只会产生一次 Active 流转和一个 token，
//   后到者拿到 ErrAlreadyActivated。
type Ledger interface {
	Get(ctx context.Context, entityID string) (*Activation, error)
	GetByToken(ctx context.Context, token string) (*Activation, error)
	// EnsureInactive 注册时建台账行（insert-if-absent），已存在则无操作。
	EnsureInactive(ctx context.Context, entityID string, kind EntityKind) error
	// ActivateProfile 个人激活：占用一个激活序号，返回序号与是否免费。
	ActivateProfile(ctx context.Context, entityID, token string, freeThreshold int64) (ordinal int64, isFree bool, err error)
	// ActivateVehicle 车辆激活：不消耗免费额度，序号保持 NULL。
	ActivateVehicle(ctx context.Context, vehicleID, token string) error
	// FreeSlotsLeft 只读额度余量（支付意向接口用，不占名额）。
	FreeSlotsLeft(ctx context.Context, freeThreshold int64) (int64, error)
}

// GormLedger 基于 MySQL 的台账实现。
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) withCtx(ctx context.Context) *gorm.DB {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.WithContext(ctx)
}

func (l *GormLedger) Get(ctx context.Context, entityID string) (*Activation, error) {
	db := l.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("ledger db is nil")
	}
	var rec Activation
	if err := db.Where("entity_id = ?", entityID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (l *GormLedger) GetByToken(ctx context.Context, token string) (*Activation, error) {
	db := l.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("ledger db is nil")
	}
	var rec Activation
	if err := db.Where("token = ?", token).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (l *GormLedger) EnsureInactive(ctx context.Context, entityID string, kind EntityKind) error {
	db := l.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("ledger db is nil")
	}
	rec := &Activation{EntityID: entityID, Kind: kind}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
}

// ActivateProfile 单事务完成：
//  1. FOR UPDATE 锁台账行，已激活则返回 ErrAlreadyActivated；
//  2. FOR UPDATE 锁计数器行并自增，拿到序号后与阈值比较得 isFree；
//  3. 写回 token/序号；token 撞号（唯一索引）映射为 ErrTokenCollision。
//
// 行锁保证额度边界上的并发激活串行提交，只剩一个名额时不可能两个都免费。
// 计数器读写失败 fail closed（ErrCounterUnavailable），不会退化成收费路径。
func (l *GormLedger) ActivateProfile(ctx context.Context, entityID, token string, freeThreshold int64) (int64, bool, error) {
	db := l.withCtx(ctx)
	if db == nil {
		return 0, false, fmt.Errorf("ledger db is nil")
	}

	var ordinal int64
	var isFree bool

	err := db.Transaction(func(tx *gorm.DB) error {
		var rec Activation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entity_id = ?", entityID).
			First(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if rec.IsActivated {
			return ErrAlreadyActivated
		}

		var counter FreeTierCounter
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&counter, counterRowID).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
		}

		counter.ActivatedCount++
		ordinal = counter.ActivatedCount
		isFree = ordinal <= freeThreshold
		if err := tx.Save(&counter).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
		}

		rec.IsActivated = true
		rec.Ordinal = &ordinal
		rec.Token = &token
		if err := tx.Save(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrTokenCollision
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return ordinal, isFree, nil
}

func (l *GormLedger) ActivateVehicle(ctx context.Context, vehicleID, token string) error {
	db := l.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("ledger db is nil")
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var rec Activation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entity_id = ?", vehicleID).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = Activation{EntityID: vehicleID, Kind: KindVehicle}
			if err := tx.Create(&rec).Error; err != nil {
				if !errors.Is(err, gorm.ErrDuplicatedKey) {
					return err
				}
				// 并发请求抢先建行，回读加锁后继续走正常路径
				if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("entity_id = ?", vehicleID).
					First(&rec).Error; err != nil {
					return err
				}
			}
		} else if err != nil {
			return err
		}
		if rec.IsActivated {
			return ErrAlreadyActivated
		}

		rec.IsActivated = true
		rec.Token = &token
		if err := tx.Save(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrTokenCollision
			}
			return err
		}
		return nil
	})
}

func (l *GormLedger) FreeSlotsLeft(ctx context.Context, freeThreshold int64) (int64, error) {
	db := l.withCtx(ctx)
	if db == nil {
		return 0, fmt.Errorf("ledger db is nil")
	}
	var counter FreeTierCounter
	if err := db.First(&counter, counterRowID).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}
	left := freeThreshold - counter.ActivatedCount
	if left < 0 {
		left = 0
	}
	return left, nil
}

// EnsureCounter 启动时播种计数器行（insert-if-absent）。
func EnsureCounter(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}
	counter := &FreeTierCounter{ID: counterRowID}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(counter).Error
}
