package repository

import (
	"context"
	"errors"

	"genpay/internal/model"
	"genpay/pkg/money"

	"gorm.io/gorm"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *LedgerRepository) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.LedgerEntry, error) {
	if tx == nil {
		tx = r.db
	}
	var entry model.LedgerEntry
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("seq DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

func (r *LedgerRepository) CountByType(ctx context.Context, walletID int64, entryType model.EntryType) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("wallet_id = ? AND type = ?", walletID, entryType).
		Count(&n).Error
	return n, err
}

// TypeTotal is the summed amount and row count of one entry type.
type TypeTotal struct {
	Type  model.EntryType
	Total money.Amount
	Count int64
}

// SumByType aggregates the wallet's journal per entry type.
func (r *LedgerRepository) SumByType(ctx context.Context, walletID int64) (map[model.EntryType]TypeTotal, error) {
	var rows []TypeTotal
	err := r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Select("type, COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Where("wallet_id = ?", walletID).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	totals := make(map[model.EntryType]TypeTotal, len(rows))
	for _, row := range rows {
		totals[row.Type] = row
	}
	return totals, nil
}

// MaxSeq returns the highest sequence number journaled for the wallet.
func (r *LedgerRepository) MaxSeq(ctx context.Context, walletID int64) (int64, error) {
	var seq int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Select("COALESCE(MAX(seq), 0)").
		Where("wallet_id = ?", walletID).
		Scan(&seq).Error
	return seq, err
}
