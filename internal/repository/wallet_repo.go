package repository

import (
	"context"
	"errors"
	"time"

	"genpay/internal/model"
	"genpay/pkg/money"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound   = errors.New("wallet not found")
	ErrBalanceNotEnough = errors.New("balance not enough")
	ErrOptimisticLock   = errors.New("optimistic lock conflict, retry")
)

// WalletDelta is applied to a locked wallet row in one conditional update.
type WalletDelta struct {
	Balance money.Amount
	Hold    money.Amount
}

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.Wallet, error) {
	if tx == nil {
		tx = r.db
	}
	var wallet model.Wallet
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *WalletRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Wallet, error) {
	if tx == nil {
		tx = r.db
	}
	var wallet model.Wallet
	err := tx.WithContext(ctx).Where("id = ?", id).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetOrCreateForUpdate makes sure the user has a wallet and returns it
// row-locked inside tx.
func (r *WalletRepository) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Wallet, error) {
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model.Wallet{UserID: userID}).Error
	if err != nil {
		return nil, err
	}

	var wallet model.Wallet
	err = tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&wallet).Error
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// GetByIDForUpdate row-locks an existing wallet inside tx.
func (r *WalletRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// Apply adds delta to the wallet if its version is still expectedVersion and
// neither balance, hold nor available funds go negative. It returns the new
// version, which is the sequence number of the ledger entry for this change.
func (r *WalletRepository) Apply(ctx context.Context, tx *gorm.DB, wallet *model.Wallet, delta WalletDelta) (int64, error) {
	newBalance := wallet.BalanceRub + delta.Balance
	newHold := wallet.HoldRub + delta.Hold
	if newBalance < 0 || newHold < 0 || newBalance-newHold < 0 {
		return 0, ErrBalanceNotEnough
	}

	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", wallet.ID, wallet.Version).
		Updates(map[string]interface{}{
			"balance_rub": newBalance,
			"hold_rub":    newHold,
			"version":     wallet.Version + 1,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrOptimisticLock
	}

	wallet.BalanceRub = newBalance
	wallet.HoldRub = newHold
	wallet.Version++
	return wallet.Version, nil
}

// ListTouchedSince returns wallets changed after since, oldest first.
func (r *WalletRepository) ListTouchedSince(ctx context.Context, since time.Time, limit int) ([]*model.Wallet, error) {
	var wallets []*model.Wallet
	err := r.db.WithContext(ctx).
		Where("updated_at >= ?", since).
		Order("updated_at ASC").
		Limit(limit).
		Find(&wallets).Error
	return wallets, err
}
