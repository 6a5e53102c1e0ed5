package service

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"genpay/internal/model"
	"genpay/pkg/money"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_ReserveThenCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const userID = 1

	require.NoError(t, env.ledger.Topup(ctx, userID, money.Rub(100), "topup-1"))

	rid, err := env.ledger.Reserve(ctx, userID, money.Rub(60), "reserve-1")
	require.NoError(t, err)

	w := env.wallet(t, userID)
	assert.Equal(t, money.Rub(100), w.BalanceRub)
	assert.Equal(t, money.Rub(60), w.HoldRub)
	assert.Equal(t, money.Rub(40), w.Available())

	require.NoError(t, env.ledger.Commit(ctx, rid))

	w = env.wallet(t, userID)
	assert.Equal(t, money.Rub(40), w.BalanceRub)
	assert.Equal(t, money.Amount(0), w.HoldRub)

	res, err := env.ledger.GetReservation(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCommitted, res.State)
}

func TestLedger_ReserveThenRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const userID = 1

	require.NoError(t, env.ledger.Topup(ctx, userID, money.Rub(100), "topup-1"))
	rid, err := env.ledger.Reserve(ctx, userID, money.Rub(60), "reserve-1")
	require.NoError(t, err)

	require.NoError(t, env.ledger.Release(ctx, rid))

	w := env.wallet(t, userID)
	assert.Equal(t, money.Rub(100), w.BalanceRub)
	assert.Equal(t, money.Amount(0), w.HoldRub)
}

func TestLedger_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const userID = 1

	require.NoError(t, env.ledger.Topup(ctx, userID, money.Rub(100), "topup-1"))
	before := env.wallet(t, userID)

	_, err := env.ledger.Reserve(ctx, userID, money.Rub(150), "reserve-big")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	after := env.wallet(t, userID)
	assert.Equal(t, before.BalanceRub, after.BalanceRub)
	assert.Equal(t, before.HoldRub, after.HoldRub)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, int64(0), env.countEntries(t, userID, model.EntryTypeReserve))

	var reservations int64
	require.NoError(t, env.db.Model(&model.Reservation{}).Count(&reservations).Error)
	assert.Equal(t, int64(0), reservations)
}

func TestLedger_IdempotentOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const userID = 7

	require.NoError(t, env.ledger.Topup(ctx, userID, money.Rub(100), "topup-1"))
	require.NoError(t, env.ledger.Topup(ctx, userID, money.Rub(100), "topup-1"))
	assert.Equal(t, money.Rub(100), env.wallet(t, userID).BalanceRub)
	assert.Equal(t, int64(1), env.countEntries(t, userID, model.EntryTypeTopup))

	first, err := env.ledger.Reserve(ctx, userID, money.Rub(30), "r-1")
	require.NoError(t, err)
	second, err := env.ledger.Reserve(ctx, userID, money.Rub(30), "r-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, money.Rub(30), env.wallet(t, userID).HoldRub)
	assert.Equal(t, int64(1), env.countEntries(t, userID, model.EntryTypeReserve))

	require.NoError(t, env.ledger.Commit(ctx, first))
	require.NoError(t, env.ledger.Commit(ctx, first))
	require.NoError(t, env.ledger.Release(ctx, first))
	assert.Equal(t, int64(1), env.countEntries(t, userID, model.EntryTypeCommit))
	assert.Equal(t, int64(0), env.countEntries(t, userID, model.EntryTypeRelease))

	w := env.wallet(t, userID)
	assert.Equal(t, money.Rub(70), w.BalanceRub)
	assert.Equal(t, money.Amount(0), w.HoldRub)
}

func TestLedger_KeyReusedForDifferentAmount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ledger.Topup(ctx, 1, money.Rub(100), "topup-1"))
	rid, err := env.ledger.Reserve(ctx, 1, money.Rub(10), "r-1")
	require.NoError(t, err)

	// Same answer while the idempotency record is live and after it expires.
	for _, advance := range []time.Duration{0, 25 * time.Hour} {
		env.clock.Advance(advance)

		_, err = env.ledger.Reserve(ctx, 1, money.Rub(20), "r-1")
		assert.True(t, IsValidation(err), "after %s: %v", advance, err)

		again, err := env.ledger.Reserve(ctx, 1, money.Rub(10), "r-1")
		require.NoError(t, err)
		assert.Equal(t, rid, again)
	}

	assert.Equal(t, int64(1), env.countEntries(t, 1, model.EntryTypeReserve))
	assert.Equal(t, money.Rub(10), env.wallet(t, 1).HoldRub)
}

func TestLedger_KeysAreScopedPerUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ledger.Topup(ctx, 1, money.Rub(10), "same-key"))
	require.NoError(t, env.ledger.Topup(ctx, 2, money.Rub(20), "same-key"))

	assert.Equal(t, money.Rub(10), env.wallet(t, 1).BalanceRub)
	assert.Equal(t, money.Rub(20), env.wallet(t, 2).BalanceRub)
}

func TestLedger_CommitAfterReleaseIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const userID = 1

	require.NoError(t, env.ledger.Topup(ctx, userID, money.Rub(100), "topup-1"))
	rid, err := env.ledger.Reserve(ctx, userID, money.Rub(60), "reserve-1")
	require.NoError(t, err)

	require.NoError(t, env.ledger.Release(ctx, rid))
	require.NoError(t, env.ledger.Commit(ctx, rid))

	w := env.wallet(t, userID)
	assert.Equal(t, money.Rub(100), w.BalanceRub)
	assert.Equal(t, money.Amount(0), w.HoldRub)
	assert.Equal(t, int64(0), env.countEntries(t, userID, model.EntryTypeCommit))
}

func TestLedger_ConcurrentCommitAndRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const userID = 1

	require.NoError(t, env.ledger.Topup(ctx, userID, money.Rub(100), "topup-1"))
	rid, err := env.ledger.Reserve(ctx, userID, money.Rub(60), "reserve-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, env.ledger.Commit(ctx, rid))
			} else {
				assert.NoError(t, env.ledger.Release(ctx, rid))
			}
		}(i)
	}
	wg.Wait()

	commits := env.countEntries(t, userID, model.EntryTypeCommit)
	releases := env.countEntries(t, userID, model.EntryTypeRelease)
	assert.Equal(t, int64(1), commits+releases)

	w := env.wallet(t, userID)
	assert.Equal(t, money.Amount(0), w.HoldRub)
	if commits == 1 {
		assert.Equal(t, money.Rub(40), w.BalanceRub)
	} else {
		assert.Equal(t, money.Rub(100), w.BalanceRub)
	}
}

func TestLedger_Refund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const userID = 3

	require.NoError(t, env.ledger.Topup(ctx, userID, money.Rub(100), "topup-1"))
	rid, err := env.ledger.Reserve(ctx, userID, money.Rub(60), "reserve-1")
	require.NoError(t, err)

	err = env.ledger.Refund(ctx, rid, "refund-1", "bad output")
	assert.ErrorIs(t, err, ErrNotRefundable, "active reservations are released, not refunded")

	require.NoError(t, env.ledger.Commit(ctx, rid))
	require.NoError(t, env.ledger.Refund(ctx, rid, "refund-1", "bad output"))
	require.NoError(t, env.ledger.Refund(ctx, rid, "refund-1", "bad output"))

	err = env.ledger.Refund(ctx, rid, "refund-2", "again")
	assert.ErrorIs(t, err, ErrNotRefundable)

	assert.Equal(t, money.Rub(100), env.wallet(t, userID).BalanceRub)
	assert.Equal(t, int64(1), env.countEntries(t, userID, model.EntryTypeRefund))

	var events int64
	require.NoError(t, env.db.Model(&model.OutboxMessage{}).
		Where("topic = ? AND event_type = ? AND message_key = ?",
			env.cfg.Kafka.Topic.LedgerEvent, model.EventLedgerEntry, strconv.FormatInt(userID, 10)).
		Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestLedger_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.Reserve(ctx, 1, 0, "k")
	assert.True(t, IsValidation(err))

	_, err = env.ledger.Reserve(ctx, 1, money.Rub(1), "")
	assert.True(t, IsValidation(err))

	err = env.ledger.Topup(ctx, 1, -5, "k")
	assert.True(t, IsValidation(err))

	err = env.ledger.Topup(ctx, 0, money.Rub(1), "k")
	assert.True(t, IsValidation(err))

	assert.ErrorIs(t, env.ledger.Commit(ctx, 12345), ErrReservationNotFound)
}

func TestLedger_SequenceIsMonotonicPerWallet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const userID = 5

	require.NoError(t, env.ledger.Topup(ctx, userID, money.Rub(100), "t-1"))
	rid, err := env.ledger.Reserve(ctx, userID, money.Rub(10), "r-1")
	require.NoError(t, err)
	require.NoError(t, env.ledger.Commit(ctx, rid))

	entries, total, err := env.ledger.ListEntries(ctx, userID, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)

	// newest first
	assert.Equal(t, int64(3), entries[0].Seq)
	assert.Equal(t, int64(2), entries[1].Seq)
	assert.Equal(t, int64(1), entries[2].Seq)
	assert.Equal(t, model.EntryTypeCommit, entries[0].Type)
	assert.Equal(t, money.Rub(90), entries[0].BalanceAfter)
}

// Random operation sequences must keep both balance and hold non-negative and
// leave the wallet equal to its journal.
func TestLedger_InvariantsUnderRandomSequences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const userID = 11

	rnd := rand.New(rand.NewSource(42))
	var active []int64

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("op-%d", i)
		amount := money.Amount(rnd.Int63n(5000) + 1)

		switch op := rnd.Intn(4); {
		case op == 0:
			require.NoError(t, env.ledger.Topup(ctx, userID, amount, key))
		case op == 1:
			rid, err := env.ledger.Reserve(ctx, userID, amount, key)
			if err != nil {
				require.ErrorIs(t, err, ErrInsufficientFunds)
				break
			}
			active = append(active, rid)
		case len(active) > 0:
			idx := rnd.Intn(len(active))
			rid := active[idx]
			if op == 2 {
				require.NoError(t, env.ledger.Commit(ctx, rid))
			} else {
				require.NoError(t, env.ledger.Release(ctx, rid))
			}
			// Settling twice must be harmless.
			if rnd.Intn(3) == 0 {
				require.NoError(t, env.ledger.Release(ctx, rid))
			}
			active = append(active[:idx], active[idx+1:]...)
		}

		w := env.wallet(t, userID)
		require.GreaterOrEqual(t, int64(w.BalanceRub), int64(0))
		require.GreaterOrEqual(t, int64(w.HoldRub), int64(0))
		require.GreaterOrEqual(t, int64(w.Available()), int64(0))
	}

	report, err := env.ledger.Reconcile(ctx, userID)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "%+v", report)
}

func TestLedger_ReconcileDetectsDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const userID = 12

	require.NoError(t, env.ledger.Topup(ctx, userID, money.Rub(50), "t-1"))

	// Tamper with the wallet behind the ledger's back.
	require.NoError(t, env.db.Model(&model.Wallet{}).
		Where("user_id = ?", userID).
		Update("balance_rub", money.Rub(70)).Error)

	report, err := env.ledger.Reconcile(ctx, userID)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Equal(t, money.Rub(50), report.ExpectedBalance)

	drift, err := env.ledger.ReconcileTouchedSince(ctx, env.clock.Now().AddDate(-10, 0, 0), 100)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, int64(userID), drift[0].UserID)
}
