package repository

import (
	"context"
	"errors"
	"time"

	"genpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobStatusInvalid = errors.New("job status transition not allowed")
	ErrDuplicateRequest = errors.New("duplicate request")
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, tx *gorm.DB, job *model.Job) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(job).Error
	if isDuplicateKey(err) {
		return ErrDuplicateRequest
	}
	return err
}

func (r *JobRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Job, error) {
	if tx == nil {
		tx = r.db
	}
	var job model.Job
	err := tx.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) GetByRequestKey(ctx context.Context, tx *gorm.DB, key string) (*model.Job, error) {
	if tx == nil {
		tx = r.db
	}
	var job model.Job
	err := tx.WithContext(ctx).Where("request_key = ?", key).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// Transition moves job from its current status to toStatus if nobody changed
// the row since job.Version was read. On success job reflects the new row;
// false means another writer got there first and job is left untouched.
func (r *JobRepository) Transition(ctx context.Context, tx *gorm.DB, job *model.Job, toStatus model.JobStatus, fields map[string]interface{}) (bool, error) {
	if toStatus != job.Status && !model.CanTransitionTo(job.Status, toStatus) {
		return false, ErrJobStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     toStatus,
		"version":    job.Version + 1,
		"updated_at": now,
	}
	if toStatus.IsTerminal() {
		updates["finished_at"] = now
	}
	for k, v := range fields {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	job.Status = toStatus
	job.Version++
	job.UpdatedAt = now
	if toStatus.IsTerminal() {
		job.FinishedAt = &now
	}
	return true, nil
}

// ListActiveIDs returns ids of jobs a leader still has to drive, oldest first.
func (r *JobRepository) ListActiveIDs(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("status IN ?", model.ActiveJobStatuses).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *JobRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Job, int64, error) {
	var jobs []*model.Job
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Job{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&jobs).Error

	return jobs, total, err
}
