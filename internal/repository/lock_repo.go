package repository

import (
	"context"
	"errors"
	"time"

	"genpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockRepository keeps lease rows. Every method is a single conditional write,
// so correctness does not depend on any in-process mutex.
type LockRepository struct {
	db *gorm.DB
}

func NewLockRepository(db *gorm.DB) *LockRepository {
	return &LockRepository{db: db}
}

// TryAcquire takes the lease when it is free, expired, or already ours.
func (r *LockRepository) TryAcquire(ctx context.Context, name, ownerID string, ttl time.Duration, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.LockRecord{}).
		Where("name = ? AND (owner_id = '' OR owner_id = ? OR expires_at < ?)", name, ownerID, now).
		Updates(map[string]interface{}{
			"owner_id":     ownerID,
			"acquired_at":  now,
			"expires_at":   now.Add(ttl),
			"heartbeat_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	// Either somebody else holds it or the row does not exist yet.
	result = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.LockRecord{
			Name:        name,
			OwnerID:     ownerID,
			AcquiredAt:  now,
			ExpiresAt:   now.Add(ttl),
			HeartbeatAt: now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Renew extends an unexpired lease held by ownerID.
func (r *LockRepository) Renew(ctx context.Context, name, ownerID string, ttl time.Duration, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.LockRecord{}).
		Where("name = ? AND owner_id = ? AND expires_at >= ?", name, ownerID, now).
		Updates(map[string]interface{}{
			"expires_at":   now.Add(ttl),
			"heartbeat_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Release frees the lease if ownerID still holds it.
func (r *LockRepository) Release(ctx context.Context, name, ownerID string, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.LockRecord{}).
		Where("name = ? AND owner_id = ?", name, ownerID).
		Updates(map[string]interface{}{
			"owner_id":   "",
			"expires_at": now,
		}).Error
}

func (r *LockRepository) Get(ctx context.Context, name string) (*model.LockRecord, error) {
	var record model.LockRecord
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
