package repository

import (
	"context"
	"errors"
	"time"

	"genpay/internal/model"

	"gorm.io/gorm"
)

type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// GetLive returns the record for key unless it has expired.
func (r *IdempotencyRepository) GetLive(ctx context.Context, tx *gorm.DB, key string, now time.Time) (*model.IdempotencyRecord, error) {
	if tx == nil {
		tx = r.db
	}
	var record model.IdempotencyRecord
	err := tx.WithContext(ctx).
		Where("idem_key = ? AND expires_at > ?", key, now).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Insert writes a new record, first dropping an expired one under the same key.
// A live duplicate yields ErrDuplicateRequest.
func (r *IdempotencyRepository) Insert(ctx context.Context, tx *gorm.DB, record *model.IdempotencyRecord, now time.Time) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).
		Where("idem_key = ? AND expires_at <= ?", record.Key, now).
		Delete(&model.IdempotencyRecord{}).Error
	if err != nil {
		return err
	}

	err = tx.WithContext(ctx).Create(record).Error
	if isDuplicateKey(err) {
		return ErrDuplicateRequest
	}
	return err
}

// DeleteExpired removes records that expired before now, at most limit rows.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var keys []string
	err := r.db.WithContext(ctx).
		Model(&model.IdempotencyRecord{}).
		Where("expires_at <= ?", now).
		Limit(limit).
		Pluck("idem_key", &keys).Error
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	result := r.db.WithContext(ctx).
		Where("idem_key IN ? AND expires_at <= ?", keys, now).
		Delete(&model.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
