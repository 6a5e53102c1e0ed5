// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpay_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genpay_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})

	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpay_ledger_operations_total",
		Help: "Ledger operations by type and outcome (applied, replayed, rejected)",
	}, []string{"type", "outcome"})

	ContractViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpay_contract_violations_total",
		Help: "Internal invariant breaches that were absorbed as no-ops",
	}, []string{"kind"})

	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpay_jobs_submitted_total",
		Help: "Accepted generation submits",
	}, []string{"model"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpay_jobs_finished_total",
		Help: "Jobs that reached a terminal status",
	}, []string{"model", "status"})

	UpstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpay_upstream_calls_total",
		Help: "Calls to the generation provider",
	}, []string{"op", "result"})

	PollRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genpay_poll_retries_total",
		Help: "Transient upstream errors retried inside a job budget",
	})

	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "genpay_active_job_tasks",
		Help: "Job tasks currently driven by this instance",
	})

	Leader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "genpay_coordinator_leader",
		Help: "1 while this instance holds the poller lease",
	})

	OutboxSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpay_outbox_messages_total",
		Help: "Outbox messages by result (sent, retry, failed)",
	}, []string{"result"})
)
