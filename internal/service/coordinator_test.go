package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"genpay/internal/config"
	"genpay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coordinatorConfig(ttl time.Duration) config.CoordinatorConfig {
	return config.CoordinatorConfig{LockName: "poller", TTL: ttl, RetryInterval: 20 * time.Millisecond}
}

func TestCoordinator_OnlyOneHolder(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock()
	ctx := context.Background()

	a := NewCoordinator(db, coordinatorConfig(30*time.Second), "instance-a", clock)
	b := NewCoordinator(db, coordinatorConfig(30*time.Second), "instance-b", clock)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "re-acquiring our own lease succeeds")

	ok, err = a.Heartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Heartbeat(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	var record model.LockRecord
	require.NoError(t, db.First(&record, "name = ?", "poller").Error)
	assert.Equal(t, "instance-b", record.OwnerID)
}

func TestCoordinator_ExpiredLeaseMovesOn(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock()
	ctx := context.Background()

	a := NewCoordinator(db, coordinatorConfig(30*time.Second), "instance-a", clock)
	b := NewCoordinator(db, coordinatorConfig(30*time.Second), "instance-b", clock)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(10 * time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease still valid")

	clock.Advance(21 * time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is reclaimable")

	// The old holder must not believe it still leads.
	ok, err = a.Heartbeat(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoordinator_RunStepsDownWhenLeaseIsTaken(t *testing.T) {
	db := newTestDB(t)
	c := NewCoordinator(db, coordinatorConfig(300*time.Millisecond), "instance-a", RealClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var leading, exited atomic.Int32
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		c.Run(ctx, func(leaderCtx context.Context) {
			leading.Add(1)
			<-leaderCtx.Done()
			exited.Add(1)
		})
	}()

	require.Eventually(t, c.IsLeader, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), leading.Load())

	// Another instance takes the lease far into the future.
	require.NoError(t, db.Model(&model.LockRecord{}).
		Where("name = ?", "poller").
		Updates(map[string]interface{}{
			"owner_id":   "intruder",
			"expires_at": time.Now().UTC().Add(time.Hour),
		}).Error)

	require.Eventually(t, func() bool { return exited.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.IsLeader())

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), leading.Load(), "never led again while the intruder holds the lease")
}

func TestCoordinator_RunReleasesOnShutdown(t *testing.T) {
	db := newTestDB(t)
	c := NewCoordinator(db, coordinatorConfig(300*time.Millisecond), "instance-a", RealClock())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		c.Run(ctx, func(leaderCtx context.Context) { <-leaderCtx.Done() })
	}()

	require.Eventually(t, c.IsLeader, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-runDone

	assert.False(t, c.IsLeader())
	var record model.LockRecord
	require.NoError(t, db.First(&record, "name = ?", "poller").Error)
	assert.Equal(t, "", record.OwnerID)

	other := NewCoordinator(db, coordinatorConfig(300*time.Millisecond), "instance-b", RealClock())
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "standby takes over without waiting for the ttl")
}
