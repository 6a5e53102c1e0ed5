package job

import (
	"context"
	"log/slog"
	"time"

	"genpay/internal/config"
	"genpay/internal/service"
)

// MaintenanceJob 后台维护任务
//
//  1. 每分钟清理过期的幂等记录
//  2. 定期对账：上次对账以来有变动的钱包，余额必须等于流水累加
type MaintenanceJob struct {
	ledger            *service.LedgerService
	stopCh            chan struct{}
	purgeInterval     time.Duration
	reconcileInterval time.Duration
	batchSize         int
	lastReconcile     time.Time
}

// NewMaintenanceJob 对账间隔默认 10 分钟
func NewMaintenanceJob(ledger *service.LedgerService, cfg *config.Config) *MaintenanceJob {
	reconcileInterval := cfg.Business.ReconcileInterval
	if reconcileInterval <= 0 {
		reconcileInterval = 10 * time.Minute
	}
	return &MaintenanceJob{
		ledger:            ledger,
		stopCh:            make(chan struct{}),
		purgeInterval:     time.Minute,
		reconcileInterval: reconcileInterval,
		batchSize:         500,
	}
}

// Start 启动维护循环，只在 leader 实例上运行
func (j *MaintenanceJob) Start(ctx context.Context) {
	slog.Info("maintenance job started", "component", "maintenance")

	purgeTicker := time.NewTicker(j.purgeInterval)
	defer purgeTicker.Stop()
	reconcileTicker := time.NewTicker(j.reconcileInterval)
	defer reconcileTicker.Stop()

	// First pass covers one interval back so a restart does not skip wallets.
	j.lastReconcile = time.Now().UTC().Add(-j.reconcileInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance job stopped", "component", "maintenance")
			return
		case <-j.stopCh:
			slog.Info("maintenance job stopped", "component", "maintenance")
			return
		case <-purgeTicker.C:
			j.PurgeExpired(ctx)
		case <-reconcileTicker.C:
			j.ReconcileRecent(ctx)
		}
	}
}

// Stop 停止维护循环
func (j *MaintenanceJob) Stop() {
	close(j.stopCh)
}

// PurgeExpired 删除过了 TTL 的幂等记录，返回删除条数
func (j *MaintenanceJob) PurgeExpired(ctx context.Context) int64 {
	n, err := j.ledger.Idempotency().Purge(ctx, time.Now().UTC(), j.batchSize)
	if err != nil {
		slog.Error("purge idempotency records failed", "component", "maintenance", "err", err)
	}
	if n > 0 {
		slog.Info("purged idempotency records", "component", "maintenance", "count", n)
	}
	return n
}

// ReconcileRecent 对账上次以来有变动的钱包
// 发现不一致由 ledger 按 ERROR 记录，这里只汇总
func (j *MaintenanceJob) ReconcileRecent(ctx context.Context) []*service.ReconcileReport {
	since := j.lastReconcile
	started := time.Now().UTC()

	drift, err := j.ledger.ReconcileTouchedSince(ctx, since, j.batchSize)
	if err != nil {
		slog.Error("reconcile wallets failed", "component", "maintenance", "err", err)
		return drift
	}
	j.lastReconcile = started
	if len(drift) > 0 {
		slog.Error("wallets drifted from their journal", "component", "maintenance", "count", len(drift))
	}
	return drift
}
