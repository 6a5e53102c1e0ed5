package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"genpay/internal/config"
	"genpay/internal/metrics"
	"genpay/internal/repository"

	"gorm.io/gorm"
)

// ============================================================================
// Singleton coordinator
// ============================================================================
//
// One lease row per name in generation_locks. Acquire, Heartbeat and Release
// are single conditional writes, so exclusivity holds across processes
// without any in-memory lock.
//
// Failure mode: a holder that dies without Release keeps the lease until
// expires_at passes. A holder that stalls (GC pause, partition) longer than
// the ttl may overlap briefly with the next holder; job CAS and idempotent
// ledger effects make that overlap harmless. Lease times come from each
// instance's own clock, so clock skew between instances widens the overlap.
//
// ============================================================================

type Coordinator struct {
	repo              *repository.LockRepository
	name              string
	ownerID           string
	ttl               time.Duration
	retryInterval     time.Duration
	heartbeatInterval time.Duration
	clock             Clock
	leader            atomic.Bool
	logger            *slog.Logger
}

func NewCoordinator(db *gorm.DB, cfg config.CoordinatorConfig, ownerID string, clock Clock) *Coordinator {
	if clock == nil {
		clock = RealClock()
	}
	heartbeat := cfg.HeartbeatInterval()
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	return &Coordinator{
		repo:              repository.NewLockRepository(db),
		name:              cfg.LockName,
		ownerID:           ownerID,
		ttl:               cfg.TTL,
		retryInterval:     cfg.RetryInterval,
		heartbeatInterval: heartbeat,
		clock:             clock,
		logger:            slog.Default().With("component", "coordinator", "lock", cfg.LockName, "owner_id", ownerID),
	}
}

func (c *Coordinator) OwnerID() string {
	return c.ownerID
}

// IsLeader reports whether this instance currently runs the leader role.
func (c *Coordinator) IsLeader() bool {
	return c.leader.Load()
}

// Acquire takes the lease if it is free, expired or already ours.
func (c *Coordinator) Acquire(ctx context.Context) (bool, error) {
	return c.repo.TryAcquire(ctx, c.name, c.ownerID, c.ttl, c.clock.Now())
}

// Heartbeat extends the lease while we still hold it.
func (c *Coordinator) Heartbeat(ctx context.Context) (bool, error) {
	return c.repo.Renew(ctx, c.name, c.ownerID, c.ttl, c.clock.Now())
}

// Release gives the lease up so a standby can take over without waiting out the ttl.
func (c *Coordinator) Release(ctx context.Context) error {
	return c.repo.Release(ctx, c.name, c.ownerID, c.clock.Now())
}

// Run competes for the lease until ctx ends. While this instance holds it,
// lead runs with a context that is cancelled as soon as the lease is lost.
// Run waits for lead to return before competing again, so lead never runs twice.
func (c *Coordinator) Run(ctx context.Context, lead func(ctx context.Context)) {
	c.logger.Info("coordinator started")
	defer c.logger.Info("coordinator stopped")

	for {
		ok, err := c.Acquire(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			c.logger.Warn("acquire lease failed", "err", err)
		case ok:
			c.lead(ctx, lead)
		default:
			c.logger.Debug("lease held elsewhere, standing by", "err", ErrLockContention)
		}

		if ctx.Err() != nil {
			return
		}
		if err := c.clock.Sleep(ctx, c.retryInterval); err != nil {
			return
		}
	}
}

func (c *Coordinator) lead(ctx context.Context, lead func(ctx context.Context)) {
	leaderCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.leader.Store(true)
	metrics.Leader.Set(1)
	c.logger.Info("lease acquired, leading")

	go func() {
		defer close(done)
		lead(leaderCtx)
	}()

	stepDown := func(reason string) {
		cancel()
		<-done
		c.leader.Store(false)
		metrics.Leader.Set(0)
		c.logger.Info("stepped down", "reason", reason)
	}

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	// Stop leading before the lease can lapse, not after.
	lastRenewed := c.clock.Now()
	grace := c.ttl - c.heartbeatInterval

	for {
		select {
		case <-ctx.Done():
			stepDown("shutdown")
			c.releaseDetached()
			return

		case <-done:
			stepDown("leader role returned")
			c.releaseDetached()
			return

		case <-ticker.C:
			ok, err := c.Heartbeat(ctx)
			now := c.clock.Now()
			switch {
			case err != nil:
				c.logger.Warn("heartbeat failed", "err", err)
				if now.Sub(lastRenewed) >= grace {
					stepDown("heartbeat failing for the whole lease")
					return
				}
			case !ok:
				stepDown("lease lost")
				return
			default:
				lastRenewed = now
			}
		}
	}
}

// releaseDetached releases with its own deadline; the caller's ctx is usually done.
func (c *Coordinator) releaseDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Release(ctx); err != nil {
		c.logger.Warn("release lease failed", "err", err)
	}
}
