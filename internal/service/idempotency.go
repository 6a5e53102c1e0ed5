package service

import (
	"context"
	"errors"
	"time"

	"genpay/internal/model"
	"genpay/internal/repository"

	"gorm.io/gorm"
)

// IdempotencyStore caches the outcome of a side effect under the caller's key.
// Record must run in the same transaction as the effect it guards, so a
// rolled-back effect never leaves a cached result behind.
type IdempotencyStore struct {
	repo  *repository.IdempotencyRepository
	ttl   time.Duration
	clock Clock
}

func NewIdempotencyStore(db *gorm.DB, ttl time.Duration, clock Clock) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{
		repo:  repository.NewIdempotencyRepository(db),
		ttl:   ttl,
		clock: clock,
	}
}

// Lookup returns the cached result for key. Expired records are misses.
func (s *IdempotencyStore) Lookup(ctx context.Context, tx *gorm.DB, key string) (string, bool, error) {
	record, err := s.repo.GetLive(ctx, tx, key, s.clock.Now())
	if err != nil {
		return "", false, err
	}
	if record == nil {
		return "", false, nil
	}
	return record.Result, true, nil
}

// Record stores result under key. A live record under the same key yields
// repository.ErrDuplicateRequest.
func (s *IdempotencyStore) Record(ctx context.Context, tx *gorm.DB, key, result string) error {
	now := s.clock.Now()
	return s.repo.Insert(ctx, tx, &model.IdempotencyRecord{
		Key:       key,
		Result:    result,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}, now)
}

// Purge deletes records that expired before the given time, in batches of limit.
func (s *IdempotencyStore) Purge(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	var total int64
	for {
		n, err := s.repo.DeleteExpired(ctx, before, limit)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(limit) {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func IsDuplicate(err error) bool {
	return errors.Is(err, repository.ErrDuplicateRequest)
}
