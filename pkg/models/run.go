package models

import "time"

// RunStatus is the lifecycle state of a Run. Terminal statuses are
// absorbing: no operation may transition a run out of Completed, Failed,
// or Cancelled.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is an absorbing run status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Scheduler selects which process is responsible for advancing a run's
// steps. The core implemented here only drives runs scheduled for the
// daemon; a nil/empty value on disk is treated as Cron.
type Scheduler string

const (
	SchedulerCron   Scheduler = "cron"
	SchedulerDaemon Scheduler = "daemon"
)

// Run is one execution of a workflow for a particular task.
type Run struct {
	ID         string
	RunNumber  int64
	WorkflowID string
	Task       string
	Status     RunStatus
	Context    Context
	NotifyURL  string
	Scheduler  Scheduler
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EffectiveScheduler returns r.Scheduler, defaulting to cron when unset —
// mirrors spec.md's "null treated as cron" rule for rows written before the
// scheduler column existed.
func (r *Run) EffectiveScheduler() Scheduler {
	if r.Scheduler == "" {
		return SchedulerCron
	}
	return r.Scheduler
}
