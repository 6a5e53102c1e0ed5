// Package generator is the contract with the external generation provider.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// TaskState is the provider's view of a task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskProcessing TaskState = "processing"
	TaskSuccess    TaskState = "success"
	TaskFail       TaskState = "fail"
)

// IsTerminal reports whether the provider will not change the state again.
func (s TaskState) IsTerminal() bool {
	return s == TaskSuccess || s == TaskFail
}

type TaskStatus struct {
	State        TaskState `json:"state"`
	ResultURLs   []string  `json:"result_urls,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Client is everything the orchestrator needs from the provider.
type Client interface {
	CreateTask(ctx context.Context, modelID string, payload json.RawMessage) (string, error)
	GetStatus(ctx context.Context, taskID string) (*TaskStatus, error)
}

// UpstreamError is a provider failure. Retriable errors are worth another
// attempt within the job's budget; the rest end the job.
type UpstreamError struct {
	Code      string
	Message   string
	Retriable bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
}

// IsRetriable reports whether err is worth retrying. Errors that are not an
// *UpstreamError (network, decode) are treated as transient.
func IsRetriable(err error) bool {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Retriable
	}
	return true
}

// AsUpstream extracts code and message for storing on a failed job.
func AsUpstream(err error) (code, message string) {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Code, upstreamErr.Message
	}
	return "upstream_error", err.Error()
}
