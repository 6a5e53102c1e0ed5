package job

import (
	"context"
	"testing"
	"time"

	"genpay/internal/config"
	"genpay/internal/model"
	"genpay/internal/service"
	"genpay/pkg/money"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maintenanceConfig() *config.Config {
	return &config.Config{Business: config.BusinessConfig{
		IdempotencyTTL:    24 * time.Hour,
		ReconcileInterval: time.Minute,
	}}
}

func TestMaintenancePurgesExpiredRecords(t *testing.T) {
	db := newJobTestDB(t)
	ledger := service.NewLedgerService(db, maintenanceConfig(), nil)
	now := time.Now().UTC()

	require.NoError(t, db.Create(&model.IdempotencyRecord{Key: "old", Result: "1", ExpiresAt: now.Add(-time.Hour)}).Error)
	require.NoError(t, db.Create(&model.IdempotencyRecord{Key: "fresh", Result: "2", ExpiresAt: now.Add(time.Hour)}).Error)

	j := NewMaintenanceJob(ledger, maintenanceConfig())
	assert.Equal(t, int64(1), j.PurgeExpired(context.Background()))

	var keys []string
	require.NoError(t, db.Model(&model.IdempotencyRecord{}).Pluck("idem_key", &keys).Error)
	assert.Equal(t, []string{"fresh"}, keys)
}

func TestMaintenanceReportsDrift(t *testing.T) {
	db := newJobTestDB(t)
	ledger := service.NewLedgerService(db, maintenanceConfig(), nil)
	ctx := context.Background()

	require.NoError(t, ledger.Topup(ctx, 1, money.Rub(100), "t1"))
	require.NoError(t, ledger.Topup(ctx, 2, money.Rub(50), "t1"))

	// Bypass the ledger: balance no longer matches the journal.
	require.NoError(t, db.Model(&model.Wallet{}).Where("user_id = ?", 2).
		UpdateColumn("balance_rub", money.Rub(500)).Error)

	j := NewMaintenanceJob(ledger, maintenanceConfig())
	drift := j.ReconcileRecent(ctx)
	require.Len(t, drift, 1)
	assert.Equal(t, int64(2), drift[0].UserID)
	assert.Equal(t, money.Rub(50), drift[0].ExpectedBalance)
	assert.Equal(t, money.Rub(500), drift[0].Balance)

	// Nothing changed since the last pass.
	assert.Empty(t, j.ReconcileRecent(ctx))
}
