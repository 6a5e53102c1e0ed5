package repository

import (
	"context"
	"errors"

	"genpay/internal/model"

	"gorm.io/gorm"
)

var ErrReservationNotFound = errors.New("reservation not found")

type ReservationRepository struct {
	db *gorm.DB
}

func NewReservationRepository(db *gorm.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

func (r *ReservationRepository) Create(ctx context.Context, tx *gorm.DB, reservation *model.Reservation) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(reservation).Error
}

func (r *ReservationRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Reservation, error) {
	if tx == nil {
		tx = r.db
	}
	var reservation model.Reservation
	err := tx.WithContext(ctx).Where("id = ?", id).First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &reservation, nil
}

func (r *ReservationRepository) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.Reservation, error) {
	if tx == nil {
		tx = r.db
	}
	var reservation model.Reservation
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reservation, nil
}

// Settle moves an ACTIVE reservation to toState. It reports false when the
// reservation already left ACTIVE, so at most one caller ever settles it.
func (r *ReservationRepository) Settle(ctx context.Context, tx *gorm.DB, id int64, toState string) (bool, error) {
	result := tx.WithContext(ctx).
		Model(&model.Reservation{}).
		Where("id = ? AND state = ?", id, model.ReservationActive).
		Update("state", toState)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkRefunded flags a committed reservation as refunded, at most once.
func (r *ReservationRepository) MarkRefunded(ctx context.Context, tx *gorm.DB, id int64) (bool, error) {
	result := tx.WithContext(ctx).
		Model(&model.Reservation{}).
		Where("id = ? AND state = ? AND refunded = ?", id, model.ReservationCommitted, false).
		Update("refunded", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
