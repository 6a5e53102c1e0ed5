package model

import "time"

// IdempotencyRecord caches the outcome of a side-effecting call under the
// caller's key. It is written in the same transaction as the effect.
type IdempotencyRecord struct {
	Key       string    `gorm:"column:idem_key;type:varchar(191);primaryKey" json:"key"`
	Result    string    `gorm:"type:text;not null" json:"result"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
}

func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
