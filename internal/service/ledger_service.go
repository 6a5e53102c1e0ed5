package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"genpay/internal/config"
	"genpay/internal/metrics"
	"genpay/internal/model"
	"genpay/internal/repository"
	"genpay/pkg/idgen"
	"genpay/pkg/money"
	"genpay/pkg/textutil"

	"gorm.io/gorm"
)

// ============================================================================
// Ledger
// ============================================================================
//
// Every balance change runs in one transaction:
//  1. idempotency lookup (cache, then the unique key of the written row)
//  2. SELECT ... FOR UPDATE on the wallet
//  3. conditional UPDATE on wallets.version; the new version is the seq of
//     the journal row written next
//  4. append the ledger entry and, where needed, the idempotency record
//
// Reservations leave ACTIVE exactly once through a conditional update, so
// commit and release exclude each other even across instances.
//
// Lock order is job row, then wallet row, then reservation row.
//
// ============================================================================

const maxOptimisticRetries = 3

type LedgerService struct {
	db              *gorm.DB
	walletRepo      *repository.WalletRepository
	ledgerRepo      *repository.LedgerRepository
	reservationRepo *repository.ReservationRepository
	outboxRepo      *repository.OutboxRepository
	idem            *IdempotencyStore
	clock           Clock
	eventTopic      string
	logger          *slog.Logger
}

func NewLedgerService(db *gorm.DB, cfg *config.Config, clock Clock) *LedgerService {
	if clock == nil {
		clock = RealClock()
	}
	s := &LedgerService{
		db:              db,
		walletRepo:      repository.NewWalletRepository(db),
		ledgerRepo:      repository.NewLedgerRepository(db),
		reservationRepo: repository.NewReservationRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		idem:            NewIdempotencyStore(db, cfg.Business.IdempotencyTTL, clock),
		clock:           clock,
		logger:          slog.Default().With("component", "ledger"),
	}
	if cfg.Kafka.Enabled {
		s.eventTopic = cfg.Kafka.Topic.LedgerEvent
	}
	return s
}

// Idempotency exposes the store shared with the orchestrator.
func (s *LedgerService) Idempotency() *IdempotencyStore {
	return s.idem
}

// userKey scopes a caller-supplied key to one user so two users can never
// collide on the same token.
func userKey(userID int64, key string) string {
	return fmt.Sprintf("%d:%s", userID, key)
}

func validateKey(key string) error {
	if key == "" {
		return newValidationError("idempotency_key", "is required")
	}
	if len(key) > 128 {
		return newValidationError("idempotency_key", "longer than 128 characters")
	}
	return nil
}

// inTx runs fn in a transaction, retrying when a concurrent writer bumped the
// wallet version between our read and our write.
func (s *LedgerService) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return err
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetBalance returns the user's wallet, creating an empty one on first use.
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (*model.Wallet, error) {
	if userID <= 0 {
		return nil, newValidationError("user_id", "must be positive")
	}
	wallet, err := s.walletRepo.GetByUserID(ctx, nil, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, repository.ErrWalletNotFound) {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err = s.walletRepo.GetOrCreateForUpdate(ctx, tx, userID)
		return err
	})
	return wallet, err
}

func (s *LedgerService) GetReservation(ctx context.Context, reservationID int64) (*model.Reservation, error) {
	return s.reservationRepo.GetByID(ctx, nil, reservationID)
}

func (s *LedgerService) ListEntries(ctx context.Context, userID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.ledgerRepo.ListByUserID(ctx, userID, page, pageSize)
}

// ---------------------------------------------------------------------------
// Reserve
// ---------------------------------------------------------------------------

// Reserve holds amount on the user's wallet and returns the reservation id.
// Replaying the same key returns the first reservation without touching the
// wallet again.
func (s *LedgerService) Reserve(ctx context.Context, userID int64, amount money.Amount, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	var reservationID int64
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		var err error
		reservationID, err = s.ReserveTx(ctx, tx, userID, amount, userKey(userID, key), nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	return reservationID, nil
}

// ReserveTx is Reserve inside the caller's transaction. key is used verbatim.
func (s *LedgerService) ReserveTx(ctx context.Context, tx *gorm.DB, userID int64, amount money.Amount, key string, jobID *int64) (int64, error) {
	if userID <= 0 {
		return 0, newValidationError("user_id", "must be positive")
	}
	if amount <= 0 {
		return 0, newValidationError("amount", "must be positive")
	}

	idemKey := "reserve:" + key
	if cached, ok, err := s.idem.Lookup(ctx, tx, idemKey); err != nil {
		return 0, err
	} else if ok {
		rid, err := strconv.ParseInt(cached, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cached reservation id %q: %w", cached, err)
		}
		existing, err := s.reservationRepo.GetByID(ctx, tx, rid)
		if err != nil {
			return 0, err
		}
		return replayReservation(existing, userID, amount)
	}

	existing, err := s.reservationRepo.GetByIdempotencyKey(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return replayReservation(existing, userID, amount)
	}

	wallet, err := s.walletRepo.GetOrCreateForUpdate(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if wallet.Available() < amount {
		metrics.LedgerOps.WithLabelValues(string(model.EntryTypeReserve), "rejected").Inc()
		return 0, ErrInsufficientFunds
	}

	seq, err := s.walletRepo.Apply(ctx, tx, wallet, repository.WalletDelta{Hold: amount})
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			return 0, ErrInsufficientFunds
		}
		return 0, err
	}

	reservation := &model.Reservation{
		ID:             idgen.NextID(),
		WalletID:       wallet.ID,
		UserID:         userID,
		JobID:          jobID,
		Amount:         amount,
		State:          model.ReservationActive,
		IdempotencyKey: key,
	}
	if err := s.reservationRepo.Create(ctx, tx, reservation); err != nil {
		return 0, fmt.Errorf("create reservation: %w", err)
	}

	rid := reservation.ID
	if err := s.appendEntry(ctx, tx, wallet, seq, &model.LedgerEntry{
		Type:           model.EntryTypeReserve,
		Amount:         amount,
		IdempotencyKey: idemKey,
		ReservationID:  &rid,
		JobID:          jobID,
	}); err != nil {
		return 0, err
	}

	if err := s.idem.Record(ctx, tx, idemKey, strconv.FormatInt(rid, 10)); err != nil {
		return 0, err
	}

	metrics.LedgerOps.WithLabelValues(string(model.EntryTypeReserve), "applied").Inc()
	return rid, nil
}

// replayReservation answers a repeated reserve key. The cached and the
// persisted path give the same answer: same user and amount replay, anything
// else is a reused key.
func replayReservation(existing *model.Reservation, userID int64, amount money.Amount) (int64, error) {
	if existing.Amount != amount || existing.UserID != userID {
		metrics.LedgerOps.WithLabelValues(string(model.EntryTypeReserve), "rejected").Inc()
		return 0, newValidationError("idempotency_key", "reused for a different reservation (%s held under this key)", existing.Amount)
	}
	metrics.LedgerOps.WithLabelValues(string(model.EntryTypeReserve), "replayed").Inc()
	return existing.ID, nil
}

// ---------------------------------------------------------------------------
// Commit / Release
// ---------------------------------------------------------------------------

// Commit turns a hold into a debit. It must only follow a successful job.
func (s *LedgerService) Commit(ctx context.Context, reservationID int64) error {
	return s.inTx(ctx, func(tx *gorm.DB) error {
		return s.CommitTx(ctx, tx, reservationID)
	})
}

func (s *LedgerService) CommitTx(ctx context.Context, tx *gorm.DB, reservationID int64) error {
	return s.settle(ctx, tx, reservationID, model.ReservationCommitted)
}

// Release returns held funds. Released or committed reservations are left as is.
func (s *LedgerService) Release(ctx context.Context, reservationID int64) error {
	return s.inTx(ctx, func(tx *gorm.DB) error {
		return s.ReleaseTx(ctx, tx, reservationID)
	})
}

func (s *LedgerService) ReleaseTx(ctx context.Context, tx *gorm.DB, reservationID int64) error {
	return s.settle(ctx, tx, reservationID, model.ReservationReleased)
}

func (s *LedgerService) settle(ctx context.Context, tx *gorm.DB, reservationID int64, toState string) error {
	entryType := model.EntryTypeCommit
	if toState == model.ReservationReleased {
		entryType = model.EntryTypeRelease
	}

	reservation, err := s.reservationRepo.GetByID(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if reservation.State != model.ReservationActive {
		s.settledAlready(reservation, toState)
		return nil
	}

	wallet, err := s.walletRepo.GetByIDForUpdate(ctx, tx, reservation.WalletID)
	if err != nil {
		return err
	}

	ok, err := s.reservationRepo.Settle(ctx, tx, reservationID, toState)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race to another settle; report what it did.
		current, err := s.reservationRepo.GetByID(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		s.settledAlready(current, toState)
		return nil
	}

	delta := repository.WalletDelta{Hold: -reservation.Amount}
	if toState == model.ReservationCommitted {
		delta.Balance = -reservation.Amount
	}
	seq, err := s.walletRepo.Apply(ctx, tx, wallet, delta)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			return fmt.Errorf("%w: wallet %d cannot cover reservation %d", ErrContractViolation, wallet.ID, reservationID)
		}
		return err
	}

	rid := reservation.ID
	if err := s.appendEntry(ctx, tx, wallet, seq, &model.LedgerEntry{
		Type:           entryType,
		Amount:         reservation.Amount,
		IdempotencyKey: fmt.Sprintf("%s:%d", entryType, rid),
		ReservationID:  &rid,
		JobID:          reservation.JobID,
	}); err != nil {
		return err
	}

	metrics.LedgerOps.WithLabelValues(string(entryType), "applied").Inc()
	return nil
}

// settledAlready handles a settle call on a reservation that already left
// ACTIVE. Repeats are silent; commit after release is a contract violation.
func (s *LedgerService) settledAlready(reservation *model.Reservation, wanted string) {
	entryType := model.EntryTypeCommit
	if wanted == model.ReservationReleased {
		entryType = model.EntryTypeRelease
	}
	metrics.LedgerOps.WithLabelValues(string(entryType), "replayed").Inc()

	if wanted == model.ReservationCommitted && reservation.State == model.ReservationReleased {
		metrics.ContractViolations.WithLabelValues("commit_after_release").Inc()
		s.logger.Error("contract violation: commit after release ignored",
			"reservation_id", reservation.ID,
			"user_id", reservation.UserID,
			"amount", reservation.Amount.String(),
			"err", ErrContractViolation)
	}
}

// ---------------------------------------------------------------------------
// Topup / Refund / free usage
// ---------------------------------------------------------------------------

// Topup credits the user's balance once per key.
func (s *LedgerService) Topup(ctx context.Context, userID int64, amount money.Amount, key string) error {
	if userID <= 0 {
		return newValidationError("user_id", "must be positive")
	}
	if amount <= 0 {
		return newValidationError("amount", "must be positive")
	}
	if err := validateKey(key); err != nil {
		return err
	}

	idemKey := "topup:" + userKey(userID, key)
	return s.inTx(ctx, func(tx *gorm.DB) error {
		if _, ok, err := s.idem.Lookup(ctx, tx, idemKey); err != nil || ok {
			if ok {
				metrics.LedgerOps.WithLabelValues(string(model.EntryTypeTopup), "replayed").Inc()
			}
			return err
		}
		existing, err := s.ledgerRepo.GetByIdempotencyKey(ctx, tx, idemKey)
		if err != nil {
			return err
		}
		if existing != nil {
			metrics.LedgerOps.WithLabelValues(string(model.EntryTypeTopup), "replayed").Inc()
			return nil
		}

		wallet, err := s.walletRepo.GetOrCreateForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		seq, err := s.walletRepo.Apply(ctx, tx, wallet, repository.WalletDelta{Balance: amount})
		if err != nil {
			return err
		}
		if err := s.appendEntry(ctx, tx, wallet, seq, &model.LedgerEntry{
			Type:           model.EntryTypeTopup,
			Amount:         amount,
			IdempotencyKey: idemKey,
		}); err != nil {
			return err
		}
		if err := s.idem.Record(ctx, tx, idemKey, strconv.FormatInt(seq, 10)); err != nil {
			return err
		}

		metrics.LedgerOps.WithLabelValues(string(model.EntryTypeTopup), "applied").Inc()
		return nil
	})
}

// Refund credits a committed reservation back to the balance. Each
// reservation is refunded at most once; replaying the same key is a no-op.
func (s *LedgerService) Refund(ctx context.Context, reservationID int64, key, reason string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	idemKey := fmt.Sprintf("refund:%d:%s", reservationID, key)
	return s.inTx(ctx, func(tx *gorm.DB) error {
		if _, ok, err := s.idem.Lookup(ctx, tx, idemKey); err != nil || ok {
			return err
		}

		reservation, err := s.reservationRepo.GetByID(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation.State != model.ReservationCommitted || reservation.Refunded {
			return fmt.Errorf("%w: state %s, refunded %t", ErrNotRefundable, reservation.State, reservation.Refunded)
		}

		wallet, err := s.walletRepo.GetByIDForUpdate(ctx, tx, reservation.WalletID)
		if err != nil {
			return err
		}
		ok, err := s.reservationRepo.MarkRefunded(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: already refunded", ErrNotRefundable)
		}

		seq, err := s.walletRepo.Apply(ctx, tx, wallet, repository.WalletDelta{Balance: reservation.Amount})
		if err != nil {
			return err
		}
		entry := &model.LedgerEntry{
			Type:           model.EntryTypeRefund,
			Amount:         reservation.Amount,
			IdempotencyKey: fmt.Sprintf("refund:%d", reservationID),
			ReservationID:  &reservation.ID,
			JobID:          reservation.JobID,
			Remark:         textutil.Truncate(reason, 256),
		}
		if err := s.appendEntry(ctx, tx, wallet, seq, entry); err != nil {
			return err
		}
		if err := s.idem.Record(ctx, tx, idemKey, strconv.FormatInt(seq, 10)); err != nil {
			return err
		}
		if err := s.enqueueEvent(ctx, tx, entry); err != nil {
			return err
		}

		metrics.LedgerOps.WithLabelValues(string(model.EntryTypeRefund), "applied").Inc()
		s.logger.Info("reservation refunded",
			"reservation_id", reservationID,
			"user_id", reservation.UserID,
			"amount", reservation.Amount.String(),
			"reason", reason)
		return nil
	})
}

// RecordFreeUsageTx journals a free job. The wallet is untouched apart from
// its version, which gives the entry its place in the wallet's sequence.
func (s *LedgerService) RecordFreeUsageTx(ctx context.Context, tx *gorm.DB, userID, jobID int64) error {
	key := fmt.Sprintf("free_usage:%d", jobID)
	existing, err := s.ledgerRepo.GetByIdempotencyKey(ctx, tx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	wallet, err := s.walletRepo.GetOrCreateForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	seq, err := s.walletRepo.Apply(ctx, tx, wallet, repository.WalletDelta{})
	if err != nil {
		return err
	}
	if err := s.appendEntry(ctx, tx, wallet, seq, &model.LedgerEntry{
		Type:           model.EntryTypeFreeUsage,
		Amount:         0,
		IdempotencyKey: key,
		JobID:          &jobID,
	}); err != nil {
		return err
	}

	metrics.LedgerOps.WithLabelValues(string(model.EntryTypeFreeUsage), "applied").Inc()
	return nil
}

func (s *LedgerService) appendEntry(ctx context.Context, tx *gorm.DB, wallet *model.Wallet, seq int64, entry *model.LedgerEntry) error {
	entry.WalletID = wallet.ID
	entry.UserID = wallet.UserID
	entry.Seq = seq
	entry.BalanceAfter = wallet.BalanceRub
	entry.HoldAfter = wallet.HoldRub
	entry.CreatedAt = s.clock.Now()
	if err := s.ledgerRepo.Create(ctx, tx, entry); err != nil {
		return fmt.Errorf("append %s entry: %w", entry.Type, err)
	}
	return nil
}

// LedgerEvent is published for balance changes other systems care about.
type LedgerEvent struct {
	WalletID      int64           `json:"wallet_id"`
	UserID        int64           `json:"user_id"`
	Seq           int64           `json:"seq"`
	Type          model.EntryType `json:"type"`
	Amount        money.Amount    `json:"amount"`
	ReservationID *int64          `json:"reservation_id,omitempty"`
	JobID         *int64          `json:"job_id,omitempty"`
	BalanceAfter  money.Amount    `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (s *LedgerService) enqueueEvent(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	if s.eventTopic == "" {
		return nil
	}
	payload, err := json.Marshal(LedgerEvent{
		WalletID:      entry.WalletID,
		UserID:        entry.UserID,
		Seq:           entry.Seq,
		Type:          entry.Type,
		Amount:        entry.Amount,
		ReservationID: entry.ReservationID,
		JobID:         entry.JobID,
		BalanceAfter:  entry.BalanceAfter,
		CreatedAt:     entry.CreatedAt,
	})
	if err != nil {
		return err
	}
	return s.outboxRepo.Create(ctx, tx, model.NewLedgerEntryMessage(s.eventTopic, entry.UserID, payload))
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// ReconcileReport compares a wallet with what its journal says it should be.
type ReconcileReport struct {
	UserID          int64        `json:"user_id"`
	WalletID        int64        `json:"wallet_id"`
	Balance         money.Amount `json:"balance_rub"`
	Hold            money.Amount `json:"hold_rub"`
	ExpectedBalance money.Amount `json:"expected_balance_rub"`
	ExpectedHold    money.Amount `json:"expected_hold_rub"`
	Version         int64        `json:"version"`
	MaxSeq          int64        `json:"max_seq"`
}

func (r *ReconcileReport) Consistent() bool {
	return r.Balance == r.ExpectedBalance && r.Hold == r.ExpectedHold && r.Version == r.MaxSeq
}

// Reconcile replays the user's journal against the wallet row.
func (s *LedgerService) Reconcile(ctx context.Context, userID int64) (*ReconcileReport, error) {
	wallet, err := s.walletRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	return s.reconcileWallet(ctx, wallet)
}

// ReconcileTouchedSince checks every wallet changed after since and returns
// the inconsistent ones.
func (s *LedgerService) ReconcileTouchedSince(ctx context.Context, since time.Time, limit int) ([]*ReconcileReport, error) {
	wallets, err := s.walletRepo.ListTouchedSince(ctx, since, limit)
	if err != nil {
		return nil, err
	}

	var drift []*ReconcileReport
	for _, wallet := range wallets {
		report, err := s.reconcileWallet(ctx, wallet)
		if err != nil {
			return drift, err
		}
		if !report.Consistent() {
			drift = append(drift, report)
		}
	}
	return drift, nil
}

func (s *LedgerService) reconcileWallet(ctx context.Context, wallet *model.Wallet) (*ReconcileReport, error) {
	totals, err := s.ledgerRepo.SumByType(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}
	maxSeq, err := s.ledgerRepo.MaxSeq(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}

	sum := func(t model.EntryType) money.Amount { return totals[t].Total }
	report := &ReconcileReport{
		UserID:          wallet.UserID,
		WalletID:        wallet.ID,
		Balance:         wallet.BalanceRub,
		Hold:            wallet.HoldRub,
		ExpectedBalance: sum(model.EntryTypeTopup) + sum(model.EntryTypeRefund) - sum(model.EntryTypeCommit),
		ExpectedHold:    sum(model.EntryTypeReserve) - sum(model.EntryTypeCommit) - sum(model.EntryTypeRelease),
		Version:         wallet.Version,
		MaxSeq:          maxSeq,
	}

	if !report.Consistent() {
		metrics.ContractViolations.WithLabelValues("ledger_drift").Inc()
		s.logger.Error("contract violation: wallet does not match journal",
			"user_id", report.UserID,
			"wallet_id", report.WalletID,
			"balance", report.Balance.String(),
			"expected_balance", report.ExpectedBalance.String(),
			"hold", report.Hold.String(),
			"expected_hold", report.ExpectedHold.String(),
			"version", report.Version,
			"max_seq", report.MaxSeq)
	}
	return report, nil
}
