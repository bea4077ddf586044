package core

// Job lifecycle events delivered to the Notifier.
const (
	EventJobSubmitted = "job_submitted"
	EventJobStarted   = "job_started"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobRetried   = "job_retried"
)

// LaunchResult is the single completion report for one launch attempt.
// Err is nil exactly when the process started and exited zero; diagnostic
// output never turns a zero exit into a failure.
type LaunchResult struct {
	ExitCode int
	Output   string
	Err      error
}

// Launcher executes one command line per dispatch attempt and reports its
// outcome asynchronously. Launch must not block: implementations hand the
// work to a goroutine and return. started is invoked with the process id
// once the process exists; done is invoked exactly once afterwards, whether
// the process ran to completion or never started at all.
type Launcher interface {
	Launch(name string, args []string, started func(pid int), done func(LaunchResult))
}

// Notifier receives job lifecycle events. Implementations must return
// quickly; delivery work belongs on their own goroutines.
type Notifier interface {
	JobEvent(event string, job JobSnapshot)
}
