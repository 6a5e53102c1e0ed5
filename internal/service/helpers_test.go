package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"genpay/internal/catalog"
	"genpay/internal/config"
	"genpay/internal/generator"
	"genpay/internal/infrastructure/database"
	"genpay/internal/model"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeClock never blocks: Sleep moves time forward by d.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	c.mu.Lock()
	c.slept += d
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) CreateTask(ctx context.Context, modelID string, payload json.RawMessage) (string, error) {
	args := m.Called(ctx, modelID, payload)
	return args.String(0), args.Error(1)
}

func (m *mockGenerator) GetStatus(ctx context.Context, taskID string) (*generator.TaskStatus, error) {
	args := m.Called(ctx, taskID)
	status, _ := args.Get(0).(*generator.TaskStatus)
	return status, args.Error(1)
}

// 1 USD = 100 RUB, no markup: price_usd 0.6 is exactly 60.00.
const testCatalog = `
[pricing]
version = "test"
usd_to_rub = "100"
markup = "1"

[[models]]
id = "img"
enabled = true
price_usd = "0.6"
timeout = "300s"
required_fields = ["prompt"]

[[models]]
id = "free"
enabled = true
free = true
timeout = "90s"

[[models]]
id = "retired"
enabled = false
price_usd = "0.6"
`

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Enabled: true,
			Topic: config.KafkaTopicConfig{
				JobFinished: "generation.job.finished",
				LedgerEvent: "generation.ledger.event",
			},
		},
		Coordinator: config.CoordinatorConfig{
			LockName:      "poller",
			TTL:           30 * time.Second,
			RetryInterval: 5 * time.Second,
		},
		Business: config.BusinessConfig{
			PollBaseDelay:     2 * time.Second,
			PollMaxDelay:      30 * time.Second,
			DefaultJobTimeout: 300 * time.Second,
			MaxConcurrentJobs: 4,
			IdempotencyTTL:    24 * time.Hour,
			MaxRetryCount:     5,
		},
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

type testEnv struct {
	db     *gorm.DB
	cfg    *config.Config
	clock  *fakeClock
	ledger *LedgerService
	gen    *mockGenerator
	svc    *GenerationService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	cfg := testConfig()
	clock := newFakeClock()

	cat, err := catalog.Parse(testCatalog)
	require.NoError(t, err)

	ledger := NewLedgerService(db, cfg, clock)
	gen := &mockGenerator{}
	svc := NewGenerationService(db, cfg, cat, gen, ledger, clock)
	// Always wait the full ceiling so runs are deterministic.
	svc.SetBackoff(Backoff{
		Base:   cfg.Business.PollBaseDelay,
		Max:    cfg.Business.PollMaxDelay,
		Jitter: func(ceiling time.Duration) time.Duration { return ceiling },
	})

	return &testEnv{db: db, cfg: cfg, clock: clock, ledger: ledger, gen: gen, svc: svc}
}

func (e *testEnv) wallet(t *testing.T, userID int64) *model.Wallet {
	t.Helper()
	w, err := e.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return w
}

func (e *testEnv) countEntries(t *testing.T, userID int64, entryType model.EntryType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&model.LedgerEntry{}).
		Where("user_id = ? AND type = ?", userID, entryType).
		Count(&n).Error)
	return n
}

func (e *testEnv) job(t *testing.T, jobID int64) *model.Job {
	t.Helper()
	var job model.Job
	require.NoError(t, e.db.First(&job, "id = ?", jobID).Error)
	return &job
}
