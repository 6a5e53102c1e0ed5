package model

import (
	"time"

	"genpay/pkg/money"
)

const (
	ReservationActive    = "ACTIVE"
	ReservationCommitted = "COMMITTED"
	ReservationReleased  = "RELEASED"
)

// Reservation is a hold against a wallet. State leaves ACTIVE exactly once,
// either to COMMITTED or to RELEASED, through a conditional update.
type Reservation struct {
	ID             int64        `gorm:"primaryKey;autoIncrement:false" json:"id"`
	WalletID       int64        `gorm:"index;not null" json:"wallet_id"`
	UserID         int64        `gorm:"index;not null" json:"user_id"`
	JobID          *int64       `gorm:"index" json:"job_id,omitempty"`
	Amount         money.Amount `gorm:"not null" json:"amount"`
	State          string       `gorm:"type:varchar(20);not null;index" json:"state"`
	IdempotencyKey string       `gorm:"type:varchar(191);uniqueIndex;not null" json:"idempotency_key"`
	Refunded       bool         `gorm:"not null;default:false" json:"refunded"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Reservation) TableName() string {
	return "reservations"
}
