package model

import (
	"time"

	"genpay/pkg/money"
)

// Wallet holds a user's spendable balance and the part of it earmarked for
// in-flight jobs. Available funds are BalanceRub - HoldRub.
//
// Version doubles as the per-wallet ledger sequence: every ledger entry stores
// the wallet version its change produced.
type Wallet struct {
	ID         int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64        `gorm:"uniqueIndex;not null" json:"user_id"`
	BalanceRub money.Amount `gorm:"column:balance_rub;not null;default:0" json:"balance_rub"`
	HoldRub    money.Amount `gorm:"column:hold_rub;not null;default:0" json:"hold_rub"`
	Version    int64        `gorm:"not null;default:0" json:"version"`
	CreatedAt  time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}

func (w *Wallet) Available() money.Amount {
	return w.BalanceRub - w.HoldRub
}
