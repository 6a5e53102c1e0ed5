package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyStore(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock()
	store := NewIdempotencyStore(db, time.Hour, clock)
	ctx := context.Background()

	_, ok, err := store.Lookup(ctx, nil, "submit:1:a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Record(ctx, nil, "submit:1:a", "42"))

	result, ok, err := store.Lookup(ctx, nil, "submit:1:a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", result)

	err = store.Record(ctx, nil, "submit:1:a", "43")
	assert.True(t, IsDuplicate(err))

	clock.Advance(2 * time.Hour)
	_, ok, err = store.Lookup(ctx, nil, "submit:1:a")
	require.NoError(t, err)
	assert.False(t, ok, "expired records are misses")

	// An expired key can be recorded again.
	require.NoError(t, store.Record(ctx, nil, "submit:1:a", "44"))
	result, _, err = store.Lookup(ctx, nil, "submit:1:a")
	require.NoError(t, err)
	assert.Equal(t, "44", result)
}

func TestIdempotencyStore_Purge(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock()
	store := NewIdempotencyStore(db, time.Hour, clock)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, store.Record(ctx, nil, key, "r"))
	}
	clock.Advance(2 * time.Hour)
	require.NoError(t, store.Record(ctx, nil, "d", "r"))

	n, err := store.Purge(ctx, clock.Now(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, ok, err := store.Lookup(ctx, nil, "d")
	require.NoError(t, err)
	assert.True(t, ok)
}
