package model

import (
	"time"

	"genpay/pkg/money"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusCreated   JobStatus = "CREATED"
	JobStatusReserved  JobStatus = "RESERVED"
	JobStatusSubmitted JobStatus = "SUBMITTED"
	JobStatusPolling   JobStatus = "POLLING"
	JobStatusSuccess   JobStatus = "SUCCESS"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusTimeout   JobStatus = "TIMEOUT"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// ActiveJobStatuses are the states a leader drives. CREATED never outlives the
// submit transaction, so it is not listed.
var ActiveJobStatuses = []JobStatus{JobStatusReserved, JobStatusSubmitted, JobStatusPolling}

var ValidStatusTransitions = map[JobStatus][]JobStatus{
	JobStatusCreated:   {JobStatusReserved, JobStatusFailed, JobStatusCancelled},
	JobStatusReserved:  {JobStatusSubmitted, JobStatusFailed, JobStatusTimeout, JobStatusCancelled},
	JobStatusSubmitted: {JobStatusPolling, JobStatusFailed, JobStatusTimeout, JobStatusCancelled},
	JobStatusPolling:   {JobStatusSuccess, JobStatusFailed, JobStatusTimeout, JobStatusCancelled},
}

func CanTransitionTo(currentStatus, targetStatus JobStatus) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one generation request. Every field change bumps Version, and all
// writes are conditional on the version the writer last read.
type Job struct {
	ID             int64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	RequestKey     string         `gorm:"type:varchar(191);uniqueIndex;not null" json:"-"`
	UserID         int64          `gorm:"index;not null" json:"user_id"`
	ModelID        string         `gorm:"type:varchar(128);not null" json:"model_id"`
	Status         JobStatus      `gorm:"type:varchar(20);index;not null" json:"status"`
	ExternalTaskID *string        `gorm:"type:varchar(128)" json:"external_task_id,omitempty"`
	PriceRub       money.Amount   `gorm:"column:price_rub;not null" json:"price_rub"`
	ReservedAmount money.Amount   `gorm:"not null;default:0" json:"reserved_amount"`
	ReservationID  *int64         `json:"reservation_id,omitempty"`
	Payload        datatypes.JSON `json:"payload,omitempty"`
	ResultURLs     datatypes.JSON `gorm:"column:result_urls" json:"result_urls,omitempty"`
	ErrorCode      string         `gorm:"type:varchar(64)" json:"error_code,omitempty"`
	ErrorMessage   string         `gorm:"type:varchar(1024)" json:"error_message,omitempty"`
	RetryCount     int            `gorm:"not null;default:0" json:"retry_count"`
	DeadlineAt     time.Time      `gorm:"not null" json:"deadline_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Version        int64          `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}
