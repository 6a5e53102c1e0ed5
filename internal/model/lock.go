package model

import "time"

// LockRecord is the single lease row per name. An empty OwnerID means free.
type LockRecord struct {
	Name        string    `gorm:"type:varchar(64);primaryKey" json:"name"`
	OwnerID     string    `gorm:"type:varchar(64);not null;default:''" json:"owner_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `gorm:"index" json:"expires_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

func (LockRecord) TableName() string {
	return "generation_locks"
}
