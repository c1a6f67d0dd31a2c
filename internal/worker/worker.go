// Package worker runs the polling loop that claims queued jobs and executes
// their registered handlers. All claim arbitration happens in the store's
// conditional update; the worker itself holds no cross-process state, so any
// number of workers can poll the same database.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/metrics"
)

// ReportFunc lets a handler publish progress mid-execution. Percent is
// clamped to 0..100 by the store; message and metrics are optional.
type ReportFunc func(percent int, message string, metrics map[string]any)

// Handler executes one claimed job. The returned raw message becomes the
// job's result payload. Returning a *core.JobError with Retryable=false
// fails the job permanently regardless of remaining attempts; any other
// error is retried with backoff until max_attempts is exhausted.
type Handler func(ctx context.Context, job *core.Job, report ReportFunc) (json.RawMessage, error)

// Store is the slice of the job store the worker needs.
type Store interface {
	ClaimNextEligible(ctx context.Context, types []string) (*core.Job, error)
	MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage, metrics map[string]any) error
	MarkFailed(ctx context.Context, jobID string, cause string, nextRunAt *time.Time) error
	UpdateProgress(ctx context.Context, jobID string, percent int, message string, metrics map[string]any) error
}

// Status is a snapshot of the loop, as reported on the worker API.
type Status struct {
	Running  bool     `json:"running"`
	Interval string   `json:"interval,omitempty"`
	Types    []string `json:"types"`
	LastTick string   `json:"last_tick,omitempty"`
}

// Worker owns one polling loop. Construct with New, register handlers,
// then Start. Start and Stop are idempotent; Stop never preempts an
// execution already in flight.
type Worker struct {
	store  Store
	policy *core.RetryPolicy

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	interval time.Duration
	lastTick time.Time
	stop     chan struct{}
	done     chan struct{}
}

// New creates a stopped worker. A nil policy means core.DefaultRetryPolicy
// governs retry backoff.
func New(store Store, policy *core.RetryPolicy) *Worker {
	return &Worker{
		store:    store,
		policy:   policy,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Registering the same type again
// replaces the previous handler; the next tick observes the change.
func (w *Worker) Register(jobType string, h Handler) error {
	if h == nil {
		return core.NewValidationError("handler must not be nil", map[string]any{"type": jobType})
	}
	if jobType == "" {
		return core.NewValidationError("job type must not be empty", nil)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
	return nil
}

// Types returns the registered job types, sorted.
func (w *Worker) Types() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.typesLocked()
}

func (w *Worker) typesLocked() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Start launches the polling loop. Calling Start on a running worker is a
// no-op; the original interval stays in effect until Stop.
func (w *Worker) Start(interval time.Duration) error {
	if interval <= 0 {
		return core.NewValidationError("poll interval must be positive", map[string]any{
			"interval": interval.String(),
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		slog.Debug("worker already running, start ignored", "interval", w.interval.String())
		return nil
	}

	w.running = true
	w.interval = interval
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	metrics.WorkerRunning.Set(1)
	go w.run(w.stop, w.done, interval)

	slog.Info("worker started", "interval", interval.String(), "types", w.typesLocked())
	return nil
}

// Stop shuts the loop down and waits for it to exit. An execution already
// claimed by the current tick runs to completion first. Stopping a stopped
// worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	metrics.WorkerRunning.Set(0)
	slog.Info("worker stopped")
}

// Status reports the loop state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		Running: w.running,
		Types:   w.typesLocked(),
	}
	if w.interval > 0 {
		st.Interval = core.FormatISO8601Duration(w.interval)
	}
	if !w.lastTick.IsZero() {
		st.LastTick = core.FormatTime(w.lastTick)
	}
	return st
}

func (w *Worker) run(stop, done chan struct{}, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			w.lastTick = time.Now()
			w.mu.Unlock()
			if _, err := w.PollOnce(context.Background()); err != nil {
				slog.Error("poll failed", "error", err)
			}
		}
	}
}

// PollOnce claims at most one eligible job and executes it synchronously.
// It returns the claimed job with its post-execution status, or nil when
// nothing was eligible. The returned error covers claim failures only;
// handler outcomes are recorded on the job itself.
func (w *Worker) PollOnce(ctx context.Context) (*core.Job, error) {
	job, err := w.store.ClaimNextEligible(ctx, w.Types())
	if err != nil || job == nil {
		return nil, err
	}
	w.execute(ctx, job)
	return job, nil
}

func (w *Worker) execute(ctx context.Context, job *core.Job) {
	w.mu.Lock()
	handler := w.handlers[job.Type]
	w.mu.Unlock()

	if handler == nil {
		// The claim filters by registered types, so this only happens when
		// a handler was replaced mid-flight. Retrying cannot help.
		w.fail(ctx, job, core.NewValidationError(
			fmt.Sprintf("no handler registered for job type '%s'", job.Type),
			map[string]any{"job_id": job.JobID, "type": job.Type},
		))
		return
	}

	report := func(percent int, message string, m map[string]any) {
		if err := w.store.UpdateProgress(ctx, job.JobID, percent, message, m); err != nil {
			slog.Warn("progress update failed", "job_id", job.JobID, "error", err)
		}
	}

	start := time.Now()
	result, err := runHandler(ctx, handler, job, report)
	elapsed := time.Since(start)
	metrics.JobExecutionSeconds.WithLabelValues(job.Type).Observe(elapsed.Seconds())

	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	execMetrics := map[string]any{"execution_ms": elapsed.Milliseconds()}
	if err := w.store.MarkSucceeded(ctx, job.JobID, result, execMetrics); err != nil {
		// Leave the row alone; if we lost ownership the reaper or the new
		// owner has already rewritten it.
		slog.Error("failed to finalize job", "job_id", job.JobID, "error", err)
		return
	}
	job.Status = core.StatusSucceeded
	metrics.JobsCompleted.WithLabelValues(job.Type, metrics.OutcomeSucceeded).Inc()
	slog.Info("job succeeded", "job_id", job.JobID, "type", job.Type, "duration_ms", elapsed.Milliseconds())
}

// runHandler isolates handler panics so a bad handler cannot kill the loop.
func runHandler(ctx context.Context, h Handler, job *core.Job, report ReportFunc) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewInternalError(fmt.Sprintf("handler panic: %v", r), map[string]any{
				"job_id": job.JobID,
			})
		}
	}()
	return h(ctx, job, report)
}

func (w *Worker) fail(ctx context.Context, job *core.Job, cause error) {
	newAttempts := job.Attempts + 1

	retryable := true
	var jobErr *core.JobError
	if errors.As(cause, &jobErr) {
		retryable = jobErr.Retryable
	}

	var nextRunAt *time.Time
	if retryable && newAttempts < job.MaxAttempts {
		at := time.Now().Add(core.CalculateBackoff(w.policy, newAttempts))
		nextRunAt = &at
	}

	if err := w.store.MarkFailed(ctx, job.JobID, cause.Error(), nextRunAt); err != nil {
		slog.Error("failed to record job failure", "job_id", job.JobID, "error", err)
		return
	}

	job.Attempts = newAttempts
	job.Error = cause.Error()
	if nextRunAt != nil {
		job.Status = core.StatusQueued
		job.RunAt = core.FormatTime(*nextRunAt)
		metrics.JobsCompleted.WithLabelValues(job.Type, metrics.OutcomeRetried).Inc()
		slog.Warn("job failed, will retry", "job_id", job.JobID, "type", job.Type,
			"attempts", newAttempts, "max_attempts", job.MaxAttempts, "next_run_at", job.RunAt, "error", cause.Error())
		return
	}
	job.Status = core.StatusFailed
	metrics.JobsCompleted.WithLabelValues(job.Type, metrics.OutcomeFailed).Inc()
	slog.Error("job failed permanently", "job_id", job.JobID, "type", job.Type,
		"attempts", newAttempts, "retryable", retryable, "error", cause.Error())
}
