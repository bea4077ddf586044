package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetried   JobStatus = "retried"
	JobStatusPaused    JobStatus = "paused"
	JobStatusStopping  JobStatus = "stopping"
)

const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 3
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:  {JobStatusRunning, JobStatusPaused},
	JobStatusRunning:  {JobStatusCompleted, JobStatusFailed, JobStatusRetried, JobStatusStopping},
	JobStatusRetried:  {JobStatusPending},
	JobStatusPaused:   {JobStatusPending},
	JobStatusStopping: {JobStatusCompleted, JobStatusFailed},
}

func validStatus(s JobStatus) bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusRetried, JobStatusPaused, JobStatusStopping:
		return true
	}
	return false
}

// Job is one schedulable command execution. Its fields are mutated only
// through the validating methods below, so an invalid state is never
// observable outside the package.
type Job struct {
	id          string
	name        string
	args        []string
	status      JobStatus
	priority    int
	retryCount  int
	pid         int
	exitCode    *int
	errMsg      string
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

// JobSnapshot is a read-only copy of a job handed out to callers.
type JobSnapshot struct {
	ID          string
	Name        string
	Args        []string
	Status      JobStatus
	Priority    int
	RetryCount  int
	PID         int
	ExitCode    *int
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func newJob(name string, args []string, priority int) (*Job, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &ValidationError{Field: "name", Message: "must be a non-empty string"}
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, &ValidationError{Field: "priority", Message: "must be an integer between 1 and 5"}
	}
	copied := make([]string, len(args))
	copy(copied, args)
	return &Job{
		id:        uuid.NewString(),
		name:      name,
		args:      copied,
		status:    JobStatusPending,
		priority:  priority,
		createdAt: time.Now(),
	}, nil
}

// UpdateStatus moves the job along the state machine. Unknown statuses and
// transitions outside the machine are rejected without mutating anything.
// startedAt is set on the first entry into running of each attempt,
// completedAt on the first entry into completed or failed.
func (j *Job) UpdateStatus(to JobStatus) error {
	if !validStatus(to) {
		return &ValidationError{Field: "status", Message: "unknown status " + string(to)}
	}
	allowed := false
	for _, next := range jobTransitions[j.status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &InvalidStateError{Op: "transition to " + string(to), Status: j.status}
	}

	now := time.Now()
	switch to {
	case JobStatusRunning:
		if j.startedAt == nil {
			j.startedAt = &now
		}
	case JobStatusCompleted, JobStatusFailed:
		if j.completedAt == nil {
			j.completedAt = &now
		}
	}
	j.status = to
	return nil
}

// UpdatePriority rejects values outside [1,5].
func (j *Job) UpdatePriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return &ValidationError{Field: "priority", Message: "must be an integer between 1 and 5"}
	}
	j.priority = p
	return nil
}

// IncrementRetry bumps the retry counter. The retry limit is enforced by
// the scheduler, not here.
func (j *Job) IncrementRetry() {
	j.retryCount++
}

// SetExitCode records the terminal outcome of a run attempt.
func (j *Job) SetExitCode(code int) {
	c := code
	j.exitCode = &c
}

// SetLaunchHandle records the process id of the launched attempt. The
// handle is observational only; the scheduler never manages the process
// through it.
func (j *Job) SetLaunchHandle(pid int) error {
	if pid < 1 {
		return &ValidationError{Field: "pid", Message: "must be a positive process id"}
	}
	j.pid = pid
	return nil
}

func (j *Job) setError(msg string) {
	j.errMsg = msg
}

// resetAttempt clears the per-attempt timestamps so the next dispatch of a
// retried job records fresh ones.
func (j *Job) resetAttempt() {
	j.startedAt = nil
	j.completedAt = nil
	j.pid = 0
}

// forceFail is the conservative landing spot when completion handling hits
// an unexpected error. It bypasses the transition table so the job can
// never be stranded in a non-terminal status.
func (j *Job) forceFail(now time.Time) {
	j.status = JobStatusFailed
	if j.completedAt == nil {
		j.completedAt = &now
	}
}

func (j *Job) Snapshot() JobSnapshot {
	args := make([]string, len(j.args))
	copy(args, j.args)
	snap := JobSnapshot{
		ID:         j.id,
		Name:       j.name,
		Args:       args,
		Status:     j.status,
		Priority:   j.priority,
		RetryCount: j.retryCount,
		PID:        j.pid,
		Error:      j.errMsg,
		CreatedAt:  j.createdAt,
	}
	if j.exitCode != nil {
		c := *j.exitCode
		snap.ExitCode = &c
	}
	if j.startedAt != nil {
		t := *j.startedAt
		snap.StartedAt = &t
	}
	if j.completedAt != nil {
		t := *j.completedAt
		snap.CompletedAt = &t
	}
	return snap
}
