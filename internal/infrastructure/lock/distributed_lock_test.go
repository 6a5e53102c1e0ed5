package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributedLock_TryLockAndUnlock(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewDistributedLock(client, "k", "owner-1", 10*time.Second)

	mock.ExpectSetNX("k", "owner-1", 10*time.Second).SetVal(true)
	mock.ExpectEval(unlockScript, []string{"k"}, "owner-1").SetVal(int64(1))

	ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Unlock(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDistributedLock_LockGivesUp(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewDistributedLock(client, "k", "owner-2", time.Second)

	mock.ExpectSetNX("k", "owner-2", time.Second).SetVal(false)
	mock.ExpectSetNX("k", "owner-2", time.Second).SetVal(false)

	err := l.Lock(context.Background(), time.Millisecond, 2)
	assert.ErrorIs(t, err, ErrLockFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDistributedLock_RedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewDistributedLock(client, "k", "owner-3", time.Second)

	mock.ExpectSetNX("k", "owner-3", time.Second).SetErr(errors.New("connection refused"))

	err := l.Lock(context.Background(), time.Millisecond, 3)
	assert.EqualError(t, err, "connection refused")
}

func TestSubmitLocker_LockUser(t *testing.T) {
	client, mock := redismock.NewClientMock()
	locker := NewSubmitLocker(client, 10*time.Second)
	key := SubmitLockKey(42)

	mock.ExpectSetNX(key, "req-1", 10*time.Second).SetVal(true)
	mock.ExpectEval(unlockScript, []string{key}, "req-1").SetVal(int64(1))

	unlock, err := locker.LockUser(context.Background(), 42, "req-1")
	require.NoError(t, err)
	unlock()

	assert.NoError(t, mock.ExpectationsWereMet())
}
