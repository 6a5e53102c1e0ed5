package service

import "genpay/internal/model"

// Outcome is how a job ended. Every way a job can end is one of these values;
// the orchestrator never decides a ledger effect anywhere else.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota + 1
	OutcomeRejected
	OutcomeTimedOut
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

type ledgerEffect int

const (
	effectCommit ledgerEffect = iota + 1
	effectRelease
)

type terminalTransition struct {
	status model.JobStatus
	effect ledgerEffect
}

var outcomeTransitions = map[Outcome]terminalTransition{
	OutcomeSucceeded: {status: model.JobStatusSuccess, effect: effectCommit},
	OutcomeRejected:  {status: model.JobStatusFailed, effect: effectRelease},
	OutcomeTimedOut:  {status: model.JobStatusTimeout, effect: effectRelease},
	OutcomeCancelled: {status: model.JobStatusCancelled, effect: effectRelease},
}

// Result is the data a terminal transition needs.
type Result struct {
	Outcome      Outcome
	ResultURLs   []string
	ErrorCode    string
	ErrorMessage string
}

const (
	ErrorCodeTimeout       = "timeout"
	ErrorCodeCancelled     = "cancelled"
	ErrorCodeEmptyResult   = "empty_result"
	ErrorCodeUpstreamFail  = "upstream_failed"
	ErrorCodeMissingTaskID = "missing_task_id"
)
