package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/runq/internal/config"
)

// ListOptions narrows and pages List results. A zero Status means no
// filtering. Limit defaults to 50; Offset below zero is treated as zero.
type ListOptions struct {
	Status JobStatus
	Limit  int
	Offset int
}

const defaultListLimit = 50

type launchIntent struct {
	id   string
	name string
	args []string
	snap JobSnapshot
}

// Scheduler owns the job collection and the running set. Every mutation
// happens under one mutex, so submissions, completions, priority changes
// and deletions never interleave even though the Launcher reports
// completions from its own goroutines.
type Scheduler struct {
	cfg      *config.SchedulerConfig
	launcher Launcher
	notifier Notifier
	log      zerolog.Logger

	mu          sync.Mutex
	jobs        map[string]*Job
	order       []string
	running     map[string]struct{}
	retryTimers map[string]*time.Timer
	stopping    bool
	drained     chan struct{}
}

func NewScheduler(cfg *config.SchedulerConfig, launcher Launcher, notifier Notifier, log zerolog.Logger) *Scheduler {
	if cfg == nil {
		cfg = &config.SchedulerConfig{
			MaxConcurrent: 4,
			MaxRetries:    3,
			RetryDelay:    10 * time.Second,
		}
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Scheduler{
		cfg:         cfg,
		launcher:    launcher,
		notifier:    notifier,
		log:         log,
		jobs:        make(map[string]*Job),
		running:     make(map[string]struct{}),
		retryTimers: make(map[string]*time.Timer),
	}
}

// Submit validates the request, registers a pending job and triggers a
// dispatch evaluation. A nil priority defaults to 3; an explicit value
// outside [1,5] is rejected and nothing is registered.
func (s *Scheduler) Submit(name string, args []string, priority *int) (JobSnapshot, error) {
	p := DefaultPriority
	if priority != nil {
		p = *priority
	}
	job, err := newJob(name, args, p)
	if err != nil {
		return JobSnapshot{}, err
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return JobSnapshot{}, ErrSchedulerStopped
	}
	s.jobs[job.id] = job
	s.order = append(s.order, job.id)
	snap := job.Snapshot()
	intents := s.selectForDispatchLocked()
	s.mu.Unlock()

	s.log.Info().Str("job_id", snap.ID).Str("name", snap.Name).Int("priority", snap.Priority).Msg("job submitted")
	s.notify(EventJobSubmitted, snap)
	s.launch(intents)
	return snap, nil
}

// Get returns a snapshot of one job.
func (s *Scheduler) Get(id string) (JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return JobSnapshot{}, ErrJobNotFound
	}
	return job.Snapshot(), nil
}

// List returns the filtered total and the requested page in original
// submission order. Filtering happens before pagination; an unknown status
// simply matches nothing.
func (s *Scheduler) List(opts ListOptions) (int, []JobSnapshot) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		if opts.Status != "" && job.status != opts.Status {
			continue
		}
		filtered = append(filtered, job)
	}

	total := len(filtered)
	if offset >= total {
		return total, []JobSnapshot{}
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]JobSnapshot, 0, end-offset)
	for _, job := range filtered[offset:end] {
		page = append(page, job.Snapshot())
	}
	return total, page
}

// UpdatePriority changes a job's priority. When the job is still pending a
// dispatch evaluation follows immediately, so a raised priority can move it
// ahead of the rest of the queue at once.
func (s *Scheduler) UpdatePriority(id string, priority int) (JobSnapshot, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return JobSnapshot{}, ErrJobNotFound
	}
	if err := job.UpdatePriority(priority); err != nil {
		s.mu.Unlock()
		return JobSnapshot{}, err
	}
	snap := job.Snapshot()
	var intents []launchIntent
	if job.status == JobStatusPending {
		intents = s.selectForDispatchLocked()
	}
	s.mu.Unlock()

	s.launch(intents)
	return snap, nil
}

// Remove deletes a job. Only pending, paused and retried jobs can go;
// removing a retried job cancels its pending re-queue timer. Anything else
// reports the current status back to the caller.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	switch job.status {
	case JobStatusPending, JobStatusPaused:
	case JobStatusRetried:
		if timer, ok := s.retryTimers[id]; ok {
			timer.Stop()
			delete(s.retryTimers, id)
		}
	default:
		return &InvalidStateError{Op: "delete", Status: job.status}
	}

	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.log.Info().Str("job_id", id).Msg("job removed")
	return nil
}

// Pause takes a pending job out of dispatch consideration.
func (s *Scheduler) Pause(id string) (JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return JobSnapshot{}, ErrJobNotFound
	}
	if job.status != JobStatusPending {
		return JobSnapshot{}, &InvalidStateError{Op: "pause", Status: job.status}
	}
	if err := job.UpdateStatus(JobStatusPaused); err != nil {
		return JobSnapshot{}, err
	}
	return job.Snapshot(), nil
}

// Resume puts a paused job back into the pending pool and re-evaluates
// dispatch.
func (s *Scheduler) Resume(id string) (JobSnapshot, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return JobSnapshot{}, ErrJobNotFound
	}
	if job.status != JobStatusPaused {
		s.mu.Unlock()
		return JobSnapshot{}, &InvalidStateError{Op: "resume", Status: job.status}
	}
	if err := job.UpdateStatus(JobStatusPending); err != nil {
		s.mu.Unlock()
		return JobSnapshot{}, err
	}
	snap := job.Snapshot()
	intents := s.selectForDispatchLocked()
	s.mu.Unlock()

	s.launch(intents)
	return snap, nil
}

// ArchivableJobs returns snapshots of terminal jobs whose completion is
// older than the cutoff, in submission order.
func (s *Scheduler) ArchivableJobs(olderThan time.Time) []JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snaps []JobSnapshot
	for _, id := range s.order {
		job := s.jobs[id]
		if job.status != JobStatusCompleted && job.status != JobStatusFailed {
			continue
		}
		if job.completedAt == nil || !job.completedAt.Before(olderThan) {
			continue
		}
		snaps = append(snaps, job.Snapshot())
	}
	return snaps
}

// RemoveArchived evicts jobs that have been written to an archive file.
// Only terminal jobs go; anything that changed since the archiver took its
// snapshots is left alone. This is internal housekeeping, distinct from
// Remove and its status rules.
func (s *Scheduler) RemoveArchived(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evict := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.status != JobStatusCompleted && job.status != JobStatusFailed {
			continue
		}
		delete(s.jobs, id)
		evict[id] = struct{}{}
	}
	if len(evict) == 0 {
		return 0
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if _, gone := evict[id]; !gone {
			kept = append(kept, id)
		}
	}
	s.order = kept
	return len(evict)
}

// Stats aggregates the current job set.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	snaps := make([]JobSnapshot, 0, len(s.order))
	for _, id := range s.order {
		snaps = append(snaps, s.jobs[id].Snapshot())
	}
	s.mu.Unlock()
	return computeStats(snaps)
}

// Stop drains the scheduler: no new dispatches, pending retries cancelled,
// running jobs marked stopping. It returns once every running process has
// reported completion or the context expires. Processes are never killed;
// a caller that cannot wait simply abandons them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopping {
		s.stopping = true
		for id, timer := range s.retryTimers {
			timer.Stop()
			delete(s.retryTimers, id)
		}
		for id := range s.running {
			if job, ok := s.jobs[id]; ok {
				if err := job.UpdateStatus(JobStatusStopping); err != nil {
					s.log.Warn().Str("job_id", id).Err(err).Msg("could not mark job stopping")
				}
			}
		}
		s.drained = make(chan struct{})
		if len(s.running) == 0 {
			close(s.drained)
		}
	}
	drained := s.drained
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// selectForDispatchLocked picks the pending jobs that fit into free slots:
// priority descending, submission order within a tier. The chosen jobs are
// marked running here, under the lock, so a concurrent evaluation can never
// pick them again; the actual process launch happens after the lock is
// released. With no free slots or no pending jobs it selects nothing,
// which is what makes repeated evaluations idempotent.
func (s *Scheduler) selectForDispatchLocked() []launchIntent {
	if s.stopping {
		return nil
	}
	free := s.cfg.MaxConcurrent - len(s.running)
	if free <= 0 {
		return nil
	}

	pending := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		if job := s.jobs[id]; job.status == JobStatusPending {
			pending = append(pending, job)
		}
	}
	sort.SliceStable(pending, func(i, k int) bool {
		return pending[i].priority > pending[k].priority
	})

	if free > len(pending) {
		free = len(pending)
	}
	intents := make([]launchIntent, 0, free)
	for _, job := range pending[:free] {
		if err := job.UpdateStatus(JobStatusRunning); err != nil {
			s.log.Error().Str("job_id", job.id).Err(err).Msg("dispatch transition rejected")
			continue
		}
		s.running[job.id] = struct{}{}
		args := make([]string, len(job.args))
		copy(args, job.args)
		intents = append(intents, launchIntent{id: job.id, name: job.name, args: args, snap: job.Snapshot()})
	}
	return intents
}

func (s *Scheduler) launch(intents []launchIntent) {
	for _, it := range intents {
		it := it
		s.log.Info().Str("job_id", it.id).Str("name", it.name).Msg("job dispatched")
		s.notify(EventJobStarted, it.snap)
		s.launcher.Launch(it.name, it.args, func(pid int) {
			s.recordLaunchHandle(it.id, pid)
		}, func(res LaunchResult) {
			s.handleCompletion(it.id, res)
		})
	}
}

func (s *Scheduler) recordLaunchHandle(id string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	if err := job.SetLaunchHandle(pid); err != nil {
		s.log.Warn().Str("job_id", id).Int("pid", pid).Err(err).Msg("launch handle rejected")
	}
}

// handleCompletion is the single entry point for launcher callbacks. The
// mutation step is shielded: if it errors or panics the job lands in
// failed rather than taking the scheduler down, and the freed slot is
// backfilled either way.
func (s *Scheduler) handleCompletion(id string, res LaunchResult) {
	event, snap, ok := s.finishJob(id, res)
	if ok {
		s.notify(event, snap)
	}
	s.mu.Lock()
	intents := s.selectForDispatchLocked()
	s.mu.Unlock()
	s.launch(intents)
}

func (s *Scheduler) finishJob(id string, res LaunchResult) (event string, snap JobSnapshot, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job_id", id).Interface("panic", r).Msg("completion handling panicked")
			snap, ok = s.failJobConservatively(id)
			event = EventJobFailed
		}
	}()

	s.mu.Lock()
	job, found := s.jobs[id]
	if !found {
		delete(s.running, id)
		s.checkDrainedLocked()
		s.mu.Unlock()
		return "", JobSnapshot{}, false
	}
	delete(s.running, id)

	wasStopping := job.status == JobStatusStopping
	var transitionErr error
	switch {
	case res.Err == nil:
		transitionErr = job.UpdateStatus(JobStatusCompleted)
		if transitionErr == nil {
			job.SetExitCode(0)
			job.setError("")
			event = EventJobCompleted
		}
	case !wasStopping && job.retryCount < s.cfg.MaxRetries:
		job.IncrementRetry()
		transitionErr = job.UpdateStatus(JobStatusRetried)
		if transitionErr == nil {
			job.SetExitCode(res.ExitCode)
			job.setError(res.Err.Error())
			job.resetAttempt()
			s.scheduleRetryLocked(id)
			event = EventJobRetried
		}
	default:
		transitionErr = job.UpdateStatus(JobStatusFailed)
		if transitionErr == nil {
			job.SetExitCode(res.ExitCode)
			job.setError(res.Err.Error())
			event = EventJobFailed
		}
	}
	if transitionErr != nil {
		s.log.Error().Str("job_id", id).Err(transitionErr).Msg("completion transition rejected, failing job")
		job.forceFail(time.Now())
		job.setError(transitionErr.Error())
		event = EventJobFailed
	}

	s.checkDrainedLocked()
	snap = job.Snapshot()
	s.mu.Unlock()

	if res.Err != nil {
		s.log.Warn().Str("job_id", id).Int("exit_code", res.ExitCode).Err(res.Err).Msg("job attempt failed")
	} else {
		s.log.Info().Str("job_id", id).Msg("job completed")
	}
	return event, snap, true
}

func (s *Scheduler) failJobConservatively(id string) (JobSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	s.checkDrainedLocked()
	job, ok := s.jobs[id]
	if !ok {
		return JobSnapshot{}, false
	}
	job.forceFail(time.Now())
	return job.Snapshot(), true
}

// scheduleRetryLocked arms the one-shot re-queue timer for a retried job.
func (s *Scheduler) scheduleRetryLocked(id string) {
	delay := s.cfg.RetryDelay
	if delay < 0 {
		delay = 0
	}
	s.retryTimers[id] = time.AfterFunc(delay, func() {
		s.requeue(id)
	})
}

// requeue moves a retried job back to pending once its delay elapses. The
// job may have been removed or the scheduler stopped in the meantime, in
// which case the timer firing is a no-op.
func (s *Scheduler) requeue(id string) {
	s.mu.Lock()
	delete(s.retryTimers, id)
	job, ok := s.jobs[id]
	if !ok || job.status != JobStatusRetried || s.stopping {
		s.mu.Unlock()
		return
	}
	if err := job.UpdateStatus(JobStatusPending); err != nil {
		s.log.Error().Str("job_id", id).Err(err).Msg("retry re-queue rejected")
		s.mu.Unlock()
		return
	}
	intents := s.selectForDispatchLocked()
	s.mu.Unlock()

	s.log.Info().Str("job_id", id).Msg("job re-queued for retry")
	s.launch(intents)
}

func (s *Scheduler) checkDrainedLocked() {
	if s.stopping && s.drained != nil && len(s.running) == 0 {
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
	}
}

// notify shields the scheduler from a misbehaving Notifier; event delivery
// is best-effort and never disturbs job state.
func (s *Scheduler) notify(event string, snap JobSnapshot) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("event", event).Interface("panic", r).Msg("notifier panicked")
		}
	}()
	s.notifier.JobEvent(event, snap)
}
