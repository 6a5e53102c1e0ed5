package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"genpay/internal/config"
	"genpay/internal/metrics"

	"golang.org/x/sync/semaphore"
)

// JobDriver poller 只依赖编排器的这两个方法
type JobDriver interface {
	ActiveJobIDs(ctx context.Context, limit int) ([]int64, error)
	Drive(ctx context.Context, jobID int64) error
}

// ============================================================================
// 任务轮询器
// ============================================================================
//
// 每个活跃 job 一个 goroutine，同时最多 MaxConcurrentJobs 个
//
// 【关键点】
//   1. 任务状态全部在数据库里，进程重启后扫描一遍就能接着跑
//   2. running 集合只防止本实例把同一个 job 驱动两次；跨实例的互斥靠
//      leader 租约和 job 版本号 CAS
//   3. 信号量满了就结束本轮扫描，剩下的 job 等下一轮
//
// ============================================================================

// Poller 扫描活跃任务并调度驱动
type Poller struct {
	driver   JobDriver
	sem      *semaphore.Weighted
	limit    int
	interval time.Duration
	wake     chan struct{} // 容量 1，多次 Notify 合并成一次扫描

	mu      sync.Mutex
	running map[int64]struct{} // 正在驱动的 job_id
	wg      sync.WaitGroup
}

// NewPoller 创建轮询器
func NewPoller(driver JobDriver, cfg *config.Config) *Poller {
	limit := cfg.Business.MaxConcurrentJobs
	if limit <= 0 {
		limit = 1
	}
	interval := cfg.Business.ScanInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		driver:   driver,
		sem:      semaphore.NewWeighted(int64(limit)),
		limit:    limit,
		interval: interval,
		wake:     make(chan struct{}, 1),
		running:  make(map[int64]struct{}),
	}
}

// Notify 立即触发一次扫描，不等下一个 tick（新任务提交后调用）
func (p *Poller) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start 循环扫描直到 ctx 结束，退出前等所有已启动的任务返回
func (p *Poller) Start(ctx context.Context) {
	slog.Info("poller started", "component", "poller", "max_concurrent", p.limit)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			slog.Info("poller stopped", "component", "poller")
			return
		case <-ticker.C:
			p.scan(ctx)
		case <-p.wake:
			p.scan(ctx)
		}
	}
}

// Running 正在运行的任务数
func (p *Poller) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// scan 拉取活跃任务（多拉一倍，跳过本实例正在跑的）
func (p *Poller) scan(ctx context.Context) {
	ids, err := p.driver.ActiveJobIDs(ctx, p.limit*2)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("list active jobs failed", "component", "poller", "err", err)
		}
		return
	}

	for _, id := range ids {
		if !p.claim(id) {
			continue
		}
		if !p.sem.TryAcquire(1) {
			p.unclaim(id)
			return
		}
		p.wg.Add(1)
		go p.run(ctx, id)
	}
}

func (p *Poller) run(ctx context.Context, jobID int64) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer p.unclaim(jobID)

	metrics.ActiveTasks.Inc()
	defer metrics.ActiveTasks.Dec()

	// 失败不用处理：job 仍是活跃状态，下一轮扫描会重新拉起
	err := p.driver.Drive(ctx, jobID)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		slog.Error("job task failed, will retry on next scan", "component", "poller", "job_id", jobID, "err", err)
	}
}

// claim 标记 job 正在本实例运行，已经在跑返回 false
func (p *Poller) claim(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[id]; ok {
		return false
	}
	p.running[id] = struct{}{}
	return true
}

func (p *Poller) unclaim(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}
