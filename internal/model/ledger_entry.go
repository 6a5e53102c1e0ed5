package model

import (
	"time"

	"genpay/pkg/money"
)

// ============================================================================
// Ledger entry types
// ============================================================================

type EntryType string

const (
	EntryTypeReserve   EntryType = "reserve"
	EntryTypeCommit    EntryType = "commit"
	EntryTypeRelease   EntryType = "release"
	EntryTypeTopup     EntryType = "topup"
	EntryTypeRefund    EntryType = "refund"
	EntryTypeFreeUsage EntryType = "free_usage"
)

// LedgerEntry is one append-only journal row. Rows are never updated or
// deleted; Amount is always non-negative and its effect is given by Type.
//
//	topup, refund: balance += amount
//	reserve:       hold    += amount
//	commit:        balance -= amount, hold -= amount
//	release:       hold    -= amount
//	free_usage:    no effect, audit only
type LedgerEntry struct {
	ID             int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletID       int64        `gorm:"not null;uniqueIndex:ux_wallet_seq,priority:1" json:"wallet_id"`
	Seq            int64        `gorm:"not null;uniqueIndex:ux_wallet_seq,priority:2" json:"seq"`
	UserID         int64        `gorm:"index;not null" json:"user_id"`
	Type           EntryType    `gorm:"type:varchar(20);not null" json:"type"`
	Amount         money.Amount `gorm:"not null" json:"amount"`
	IdempotencyKey string       `gorm:"type:varchar(191);uniqueIndex;not null" json:"idempotency_key"`
	ReservationID  *int64       `gorm:"index" json:"reservation_id,omitempty"`
	JobID          *int64       `gorm:"index" json:"job_id,omitempty"`
	BalanceAfter   money.Amount `gorm:"not null" json:"balance_after"`
	HoldAfter      money.Amount `gorm:"not null" json:"hold_after"`
	Remark         string       `gorm:"type:varchar(256)" json:"remark,omitempty"`
	CreatedAt      time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
