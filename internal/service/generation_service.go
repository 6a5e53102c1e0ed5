package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"genpay/internal/catalog"
	"genpay/internal/config"
	"genpay/internal/generator"
	"genpay/internal/metrics"
	"genpay/internal/model"
	"genpay/internal/repository"
	"genpay/pkg/idgen"
	"genpay/pkg/money"
	"genpay/pkg/textutil"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SubmitLocker serialises submits of one user. Optional.
type SubmitLocker interface {
	LockUser(ctx context.Context, userID int64, token string) (func(), error)
}

type GenerationService struct {
	db          *gorm.DB
	cfg         *config.Config
	catalog     *catalog.Catalog
	client      generator.Client
	ledger      *LedgerService
	idem        *IdempotencyStore
	jobRepo     *repository.JobRepository
	outboxRepo  *repository.OutboxRepository
	validate    *validator.Validate
	locker      SubmitLocker
	clock       Clock
	backoff     Backoff
	notify      func()
	finishTopic string
	logger      *slog.Logger
}

func NewGenerationService(db *gorm.DB, cfg *config.Config, cat *catalog.Catalog, client generator.Client, ledger *LedgerService, clock Clock) *GenerationService {
	if clock == nil {
		clock = RealClock()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(jsonFieldName)

	s := &GenerationService{
		db:         db,
		cfg:        cfg,
		catalog:    cat,
		client:     client,
		ledger:     ledger,
		idem:       ledger.Idempotency(),
		jobRepo:    repository.NewJobRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		validate:   validate,
		clock:      clock,
		backoff: Backoff{
			Base: cfg.Business.PollBaseDelay,
			Max:  cfg.Business.PollMaxDelay,
		},
		logger: slog.Default().With("component", "orchestrator"),
	}
	if cfg.Kafka.Enabled {
		s.finishTopic = cfg.Kafka.Topic.JobFinished
	}
	return s
}

// SetSubmitLocker enables the per-user submit lock.
func (s *GenerationService) SetSubmitLocker(locker SubmitLocker) {
	s.locker = locker
}

// SetNotifier registers a callback fired after every accepted submit.
func (s *GenerationService) SetNotifier(fn func()) {
	s.notify = fn
}

// SetBackoff replaces the poll backoff policy.
func (s *GenerationService) SetBackoff(b Backoff) {
	s.backoff = b
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

// ============================================================================
// Submit
// ============================================================================

type SubmitRequest struct {
	UserID         int64           `json:"user_id" validate:"required,gt=0"`
	ModelID        string          `json:"model_id" validate:"required,max=128"`
	PriceRub       money.Amount    `json:"price_rub" validate:"gte=0"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,max=128"`
}

// SubmitGeneration creates a job and holds its price in one transaction.
// The same user and key always map to the same job id.
func (s *GenerationService) SubmitGeneration(ctx context.Context, req *SubmitRequest) (int64, error) {
	descriptor, err := s.validateSubmit(req)
	if err != nil {
		return 0, err
	}

	requestKey := userKey(req.UserID, req.IdempotencyKey)
	idemKey := "submit:" + requestKey

	if jobID, ok, err := s.lookupSubmit(ctx, nil, idemKey, requestKey); err != nil || ok {
		return jobID, err
	}

	if s.locker != nil {
		unlock, err := s.locker.LockUser(ctx, req.UserID, requestKey)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSubmitBusy, err)
		}
		defer unlock()
	}

	now := s.clock.Now()
	timeout := descriptor.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Business.DefaultJobTimeout
	}

	var jobID int64
	var replayed bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-check under the lock / inside the transaction.
		id, ok, err := s.lookupSubmit(ctx, tx, idemKey, requestKey)
		if err != nil {
			return err
		}
		if ok {
			jobID, replayed = id, true
			return nil
		}

		job := &model.Job{
			ID:         idgen.NextID(),
			RequestKey: requestKey,
			UserID:     req.UserID,
			ModelID:    req.ModelID,
			Status:     model.JobStatusCreated,
			PriceRub:   req.PriceRub,
			Payload:    datatypes.JSON(req.Payload),
			DeadlineAt: now.Add(timeout),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.jobRepo.Create(ctx, tx, job); err != nil {
			return err
		}

		fields := map[string]interface{}{}
		if req.PriceRub > 0 {
			rid, err := s.ledger.ReserveTx(ctx, tx, req.UserID, req.PriceRub, fmt.Sprintf("job:%d", job.ID), &job.ID)
			if err != nil {
				return err
			}
			fields["reservation_id"] = rid
			fields["reserved_amount"] = req.PriceRub
			job.ReservationID = &rid
			job.ReservedAmount = req.PriceRub
		} else if err := s.ledger.RecordFreeUsageTx(ctx, tx, req.UserID, job.ID); err != nil {
			return err
		}

		ok, err = s.jobRepo.Transition(ctx, tx, job, model.JobStatusReserved, fields)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %d changed inside its own submit transaction", job.ID)
		}

		if err := s.idem.Record(ctx, tx, idemKey, strconv.FormatInt(job.ID, 10)); err != nil {
			return err
		}
		jobID = job.ID
		return nil
	})

	if IsDuplicate(err) {
		// A concurrent submit with the same key committed first.
		id, ok, lookupErr := s.lookupSubmit(ctx, nil, idemKey, requestKey)
		if lookupErr != nil {
			return 0, lookupErr
		}
		if ok {
			return id, nil
		}
	}
	if err != nil {
		return 0, err
	}

	if !replayed {
		metrics.JobsSubmitted.WithLabelValues(req.ModelID).Inc()
		s.logger.Info("job submitted",
			"job_id", jobID,
			"user_id", req.UserID,
			"model_id", req.ModelID,
			"price", req.PriceRub.String())
		if s.notify != nil {
			s.notify()
		}
	}
	return jobID, nil
}

func (s *GenerationService) validateSubmit(req *SubmitRequest) (catalog.Model, error) {
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return catalog.Model{}, &ValidationError{Field: fe.Field(), Reason: "failed on " + fe.Tag(), Err: err}
		}
		return catalog.Model{}, &ValidationError{Reason: err.Error(), Err: err}
	}

	descriptor, err := s.catalog.Get(req.ModelID)
	if err != nil {
		return catalog.Model{}, &ValidationError{Field: "model_id", Reason: err.Error(), Err: err}
	}

	if req.PriceRub != descriptor.Price {
		return catalog.Model{}, newValidationError("price_rub", "quoted %s, current price is %s (pricing %s)",
			req.PriceRub, descriptor.Price, s.catalog.PricingVersion())
	}

	missing, err := descriptor.MissingFields(req.Payload)
	if err != nil {
		return catalog.Model{}, &ValidationError{Field: "payload", Reason: err.Error(), Err: err}
	}
	if len(missing) > 0 {
		return catalog.Model{}, newValidationError("payload", "missing required fields: %s", strings.Join(missing, ", "))
	}
	return descriptor, nil
}

// lookupSubmit finds an earlier submit: the idempotency cache first, then
// the unique request key, which outlives the cache TTL.
func (s *GenerationService) lookupSubmit(ctx context.Context, tx *gorm.DB, idemKey, requestKey string) (int64, bool, error) {
	cached, ok, err := s.idem.Lookup(ctx, tx, idemKey)
	if err != nil {
		return 0, false, err
	}
	if ok {
		id, err := strconv.ParseInt(cached, 10, 64)
		return id, err == nil, err
	}

	job, err := s.jobRepo.GetByRequestKey(ctx, tx, requestKey)
	if err != nil || job == nil {
		return 0, false, err
	}
	return job.ID, true, nil
}

// ============================================================================
// Queries and cancel
// ============================================================================

// JobView is what callers polling a job see.
type JobView struct {
	JobID          int64           `json:"job_id"`
	UserID         int64           `json:"user_id"`
	ModelID        string          `json:"model_id"`
	Status         model.JobStatus `json:"status"`
	PriceRub       money.Amount    `json:"price_rub"`
	ReservationID  *int64          `json:"reservation_id,omitempty"`
	ExternalTaskID *string         `json:"external_task_id,omitempty"`
	ResultURLs     []string        `json:"result_urls,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RetryCount     int             `json:"retry_count"`
	DeadlineAt     time.Time       `json:"deadline_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func newJobView(job *model.Job) *JobView {
	view := &JobView{
		JobID:          job.ID,
		UserID:         job.UserID,
		ModelID:        job.ModelID,
		Status:         job.Status,
		PriceRub:       job.PriceRub,
		ReservationID:  job.ReservationID,
		ExternalTaskID: job.ExternalTaskID,
		ErrorCode:      job.ErrorCode,
		ErrorMessage:   job.ErrorMessage,
		RetryCount:     job.RetryCount,
		DeadlineAt:     job.DeadlineAt,
		FinishedAt:     job.FinishedAt,
		CreatedAt:      job.CreatedAt,
	}
	if len(job.ResultURLs) > 0 {
		_ = json.Unmarshal(job.ResultURLs, &view.ResultURLs)
	}
	return view
}

func (s *GenerationService) GetJobStatus(ctx context.Context, jobID int64) (*JobView, error) {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	return newJobView(job), nil
}

func (s *GenerationService) ListJobs(ctx context.Context, userID int64, page, pageSize int) ([]*JobView, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	jobs, total, err := s.jobRepo.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}
	views := make([]*JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	return views, total, nil
}

// ActiveJobIDs lists jobs that still need a driver.
func (s *GenerationService) ActiveJobIDs(ctx context.Context, limit int) ([]int64, error) {
	return s.jobRepo.ListActiveIDs(ctx, limit)
}

// CancelJob ends a non-terminal job as CANCELLED and releases its hold.
// It reports false when the job had already reached a terminal status.
func (s *GenerationService) CancelJob(ctx context.Context, jobID int64) (bool, error) {
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		job, err := s.jobRepo.GetByID(ctx, nil, jobID)
		if err != nil {
			return false, err
		}
		if job.Status.IsTerminal() {
			return false, nil
		}

		applied, err := s.finalize(ctx, job, Result{
			Outcome:      OutcomeCancelled,
			ErrorCode:    ErrorCodeCancelled,
			ErrorMessage: "cancelled by user",
		})
		if err != nil {
			return false, err
		}
		if applied {
			return true, nil
		}
		// The driver bumped the row (retry count, status step); look again.
	}
	return false, fmt.Errorf("cancel job %d: %w", jobID, repository.ErrOptimisticLock)
}

// ============================================================================
// Drive
// ============================================================================

// Drive runs one job to a terminal status. It returns nil once the job is
// terminal and ctx.Err() when the caller gave up (shutdown, lost lease); in
// that case the job stays active and the next leader picks it up. Storage
// errors are returned as they are and the job is retried on the next scan.
func (s *GenerationService) Drive(ctx context.Context, jobID int64) error {
	attempt := 0
	lastStatus := model.JobStatus("")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := s.jobRepo.GetByID(ctx, nil, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		if job.Status != lastStatus {
			attempt = 0
			lastStatus = job.Status
		}

		if !s.clock.Now().Before(job.DeadlineAt) {
			_, err := s.finalize(ctx, job, Result{
				Outcome:      OutcomeTimedOut,
				ErrorCode:    ErrorCodeTimeout,
				ErrorMessage: fmt.Sprintf("no terminal upstream state before %s", job.DeadlineAt.Format(time.RFC3339)),
			})
			if err != nil {
				return err
			}
			continue
		}

		var wait bool
		switch job.Status {
		case model.JobStatusReserved:
			wait, err = s.submitTask(ctx, job)
		case model.JobStatusSubmitted:
			_, err = s.jobRepo.Transition(ctx, nil, job, model.JobStatusPolling, nil)
		case model.JobStatusPolling:
			wait, err = s.pollOnce(ctx, job)
		default:
			// CREATED only exists inside the submit transaction.
			return fmt.Errorf("job %d in unexpected status %s", job.ID, job.Status)
		}
		if err != nil {
			return err
		}

		if wait {
			delay := s.backoff.Delay(attempt)
			attempt++
			if remaining := job.DeadlineAt.Sub(s.clock.Now()); delay > remaining {
				delay = remaining
			}
			if err := s.clock.Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// submitTask hands the job to the provider. wait asks the loop to back off.
func (s *GenerationService) submitTask(ctx context.Context, job *model.Job) (bool, error) {
	taskID, err := s.client.CreateTask(ctx, job.ModelID, json.RawMessage(job.Payload))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return s.upstreamFailure(ctx, job, "create_task", err)
	}
	metrics.UpstreamCalls.WithLabelValues("create_task", "ok").Inc()

	ok, err := s.jobRepo.Transition(ctx, nil, job, model.JobStatusSubmitted, map[string]interface{}{
		"external_task_id": taskID,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Warn("job changed while creating its task, provider task abandoned",
			"job_id", job.ID,
			"task_id", taskID)
	}
	return false, nil
}

// pollOnce asks the provider once and finalizes on a terminal answer.
func (s *GenerationService) pollOnce(ctx context.Context, job *model.Job) (bool, error) {
	if job.ExternalTaskID == nil || *job.ExternalTaskID == "" {
		_, err := s.finalize(ctx, job, Result{
			Outcome:      OutcomeRejected,
			ErrorCode:    ErrorCodeMissingTaskID,
			ErrorMessage: "job is polling without a provider task id",
		})
		return false, err
	}

	status, err := s.client.GetStatus(ctx, *job.ExternalTaskID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return s.upstreamFailure(ctx, job, "get_status", err)
	}
	metrics.UpstreamCalls.WithLabelValues("get_status", string(status.State)).Inc()

	switch status.State {
	case generator.TaskSuccess:
		if len(status.ResultURLs) == 0 {
			_, err = s.finalize(ctx, job, Result{
				Outcome:      OutcomeRejected,
				ErrorCode:    ErrorCodeEmptyResult,
				ErrorMessage: "provider reported success without results",
			})
			return false, err
		}
		_, err = s.finalize(ctx, job, Result{Outcome: OutcomeSucceeded, ResultURLs: status.ResultURLs})
		return false, err

	case generator.TaskFail:
		code := status.ErrorCode
		if code == "" {
			code = ErrorCodeUpstreamFail
		}
		_, err = s.finalize(ctx, job, Result{
			Outcome:      OutcomeRejected,
			ErrorCode:    code,
			ErrorMessage: status.ErrorMessage,
		})
		return false, err

	default:
		return true, nil
	}
}

// upstreamFailure ends the job on a non-retriable error and otherwise counts
// the retry and asks for a backoff.
func (s *GenerationService) upstreamFailure(ctx context.Context, job *model.Job, op string, err error) (bool, error) {
	code, message := generator.AsUpstream(err)

	if !generator.IsRetriable(err) {
		metrics.UpstreamCalls.WithLabelValues(op, "rejected").Inc()
		_, ferr := s.finalize(ctx, job, Result{Outcome: OutcomeRejected, ErrorCode: code, ErrorMessage: message})
		return false, ferr
	}

	metrics.UpstreamCalls.WithLabelValues(op, "retry").Inc()
	metrics.PollRetries.Inc()
	s.logger.Warn("transient upstream error, retrying",
		"job_id", job.ID,
		"op", op,
		"retry_count", job.RetryCount+1,
		"err", err)

	_, terr := s.jobRepo.Transition(ctx, nil, job, job.Status, map[string]interface{}{
		"retry_count": job.RetryCount + 1,
	})
	return true, terr
}

// finalize applies a terminal transition, its ledger effect and the outbox
// event in one transaction. applied is false when another writer changed the
// job first; then nothing was written.
func (s *GenerationService) finalize(ctx context.Context, job *model.Job, res Result) (bool, error) {
	tr, ok := outcomeTransitions[res.Outcome]
	if !ok {
		return false, fmt.Errorf("no transition for outcome %s", res.Outcome)
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := map[string]interface{}{
			"error_code":    textutil.Truncate(res.ErrorCode, 64),
			"error_message": textutil.Truncate(res.ErrorMessage, 1024),
		}
		if len(res.ResultURLs) > 0 {
			urls, err := json.Marshal(res.ResultURLs)
			if err != nil {
				return err
			}
			fields["result_urls"] = datatypes.JSON(urls)
		}

		ok, err := s.jobRepo.Transition(ctx, tx, job, tr.status, fields)
		if err != nil || !ok {
			return err
		}

		if job.ReservationID != nil {
			switch tr.effect {
			case effectCommit:
				err = s.ledger.CommitTx(ctx, tx, *job.ReservationID)
			case effectRelease:
				err = s.ledger.ReleaseTx(ctx, tx, *job.ReservationID)
			}
			if err != nil {
				return err
			}
		}

		if err := s.enqueueFinished(ctx, tx, job, res); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	metrics.JobsFinished.WithLabelValues(job.ModelID, string(tr.status)).Inc()
	s.logger.Info("job finished",
		"job_id", job.ID,
		"user_id", job.UserID,
		"status", tr.status,
		"outcome", res.Outcome.String(),
		"error_code", res.ErrorCode)
	return true, nil
}

// JobFinishedEvent is published once per job.
type JobFinishedEvent struct {
	JobID        int64           `json:"job_id"`
	UserID       int64           `json:"user_id"`
	ModelID      string          `json:"model_id"`
	Status       model.JobStatus `json:"status"`
	PriceRub     money.Amount    `json:"price_rub"`
	ResultURLs   []string        `json:"result_urls,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	FinishedAt   time.Time       `json:"finished_at"`
}

func (s *GenerationService) enqueueFinished(ctx context.Context, tx *gorm.DB, job *model.Job, res Result) error {
	if s.finishTopic == "" {
		return nil
	}
	event := JobFinishedEvent{
		JobID:        job.ID,
		UserID:       job.UserID,
		ModelID:      job.ModelID,
		Status:       job.Status,
		PriceRub:     job.PriceRub,
		ResultURLs:   res.ResultURLs,
		ErrorCode:    res.ErrorCode,
		ErrorMessage: res.ErrorMessage,
		FinishedAt:   job.UpdatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.outboxRepo.Create(ctx, tx, model.NewJobFinishedMessage(s.finishTopic, job.ID, payload))
}
