package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/store"
)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	s, err := store.Open(store.Options{Driver: store.DriverSQLite, DSN: dsn, DefaultMaxAttempts: 3})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *store.SQLStore, typ string, recordingID int64, params string) *core.Job {
	t.Helper()
	req := &core.EnqueueRequest{RecordingID: recordingID, Type: typ}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	job, err := s.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() (bool, error)) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ok, err := cond()
		if err != nil {
			t.Fatalf("condition errored: %v", err)
		}
		if ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPollOnce_ExecutesQueuedJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := New(s, nil)

	var gotParams map[string]any
	w.Register("segmentation", func(ctx context.Context, job *core.Job, report ReportFunc) (json.RawMessage, error) {
		if err := json.Unmarshal(job.Payload.Parameters, &gotParams); err != nil {
			return nil, err
		}
		report(50, "halfway through recording", nil)
		return json.RawMessage(`{"segments":14}`), nil
	})

	job := enqueue(t, s, "segmentation", 42, `{"seg_len_s":60,"overlap_pct":10}`)

	polled, err := w.PollOnce(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if polled == nil || polled.JobID != job.JobID {
		t.Fatalf("polled = %v, want job %s", polled, job.JobID)
	}
	if polled.Status != core.StatusSucceeded {
		t.Errorf("post-poll status = %q, want succeeded", polled.Status)
	}
	if gotParams["seg_len_s"] != float64(60) {
		t.Errorf("handler saw params %v", gotParams)
	}

	got, err := s.GetByJobID(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.StatusSucceeded {
		t.Errorf("stored status = %q, want succeeded", got.Status)
	}
	if string(got.Payload.Result) != `{"segments":14}` {
		t.Errorf("result = %s", got.Payload.Result)
	}
	if got.Payload.Progress.Percent != 100 {
		t.Errorf("final percent = %d, want 100", got.Payload.Progress.Percent)
	}
	if _, ok := got.Payload.Progress.Metrics["execution_ms"]; !ok {
		t.Error("execution_ms metric not recorded")
	}
}

func TestPollOnce_EmptyQueue(t *testing.T) {
	s := newTestStore(t)
	w := New(s, nil)
	w.Register("segmentation", func(context.Context, *core.Job, ReportFunc) (json.RawMessage, error) {
		return nil, nil
	})

	job, err := w.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job != nil {
		t.Errorf("polled %v from an empty queue", job)
	}
}

func TestPollOnce_IgnoresUnregisteredTypes(t *testing.T) {
	s := newTestStore(t)
	w := New(s, nil)
	w.Register("segmentation", func(context.Context, *core.Job, ReportFunc) (json.RawMessage, error) {
		return nil, nil
	})

	enqueue(t, s, "event-detection", 1, "")

	job, err := w.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job != nil {
		t.Errorf("claimed job of unregistered type: %v", job)
	}
}

func TestPollOnce_PermanentFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := New(s, nil)

	w.Register("segmentation", func(ctx context.Context, job *core.Job, report ReportFunc) (json.RawMessage, error) {
		return nil, core.NewNotFoundError("recording", "999999")
	})

	job := enqueue(t, s, "segmentation", 999999, "")

	polled, err := w.PollOnce(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if polled.Status != core.StatusFailed {
		t.Errorf("status = %q, want failed (non-retryable error)", polled.Status)
	}

	got, _ := s.GetByJobID(ctx, job.JobID)
	if got.Status != core.StatusFailed {
		t.Errorf("stored status = %q, want failed", got.Status)
	}
	if got.Attempts == 0 {
		t.Error("attempts = 0, want the failed execution counted")
	}
	if got.Error == "" {
		t.Error("error field empty after failure")
	}
}

func TestPollOnce_RetryableFailureReschedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	policy := &core.RetryPolicy{InitialInterval: "PT60S", BackoffCoefficient: 2.0, BackoffType: core.BackoffExponential}
	w := New(s, policy)

	w.Register("segmentation", func(context.Context, *core.Job, ReportFunc) (json.RawMessage, error) {
		return nil, errors.New("downstream timeout")
	})

	job := enqueue(t, s, "segmentation", 1, "")

	polled, err := w.PollOnce(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if polled.Status != core.StatusQueued {
		t.Errorf("status = %q, want queued for retry", polled.Status)
	}
	if polled.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", polled.Attempts)
	}

	got, _ := s.GetByJobID(ctx, job.JobID)
	if got.RunAt <= core.NowFormatted() {
		t.Errorf("run_at = %q, want deferred into the future", got.RunAt)
	}

	// Deferred jobs are invisible to the next poll.
	if again, _ := w.PollOnce(ctx); again != nil {
		t.Errorf("claimed deferred retry %s", again.JobID)
	}
}

func TestPollOnce_ExhaustsMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	two := 2
	w := New(s, &core.RetryPolicy{InitialInterval: "PT0.001S", BackoffType: core.BackoffConstant})

	w.Register("segmentation", func(context.Context, *core.Job, ReportFunc) (json.RawMessage, error) {
		return nil, errors.New("still broken")
	})

	job, err := s.Enqueue(ctx, &core.EnqueueRequest{RecordingID: 1, Type: "segmentation", MaxAttempts: &two})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// First execution: retry scheduled.
	if _, err := w.PollOnce(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	got, _ := s.GetByJobID(ctx, job.JobID)
	if got.Status != core.StatusQueued || got.Attempts != 1 {
		t.Fatalf("after first failure: status=%q attempts=%d, want queued/1", got.Status, got.Attempts)
	}

	// Second execution exhausts max_attempts.
	pollUntil(t, 2*time.Second, func() (bool, error) {
		polled, err := w.PollOnce(ctx)
		return polled != nil, err
	})
	got, _ = s.GetByJobID(ctx, job.JobID)
	if got.Status != core.StatusFailed {
		t.Errorf("status = %q, want failed after exhausting attempts", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

func TestPollOnce_RecoversHandlerPanic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	one := 1
	w := New(s, nil)

	w.Register("segmentation", func(context.Context, *core.Job, ReportFunc) (json.RawMessage, error) {
		panic("index out of range")
	})

	job, err := s.Enqueue(ctx, &core.EnqueueRequest{RecordingID: 1, Type: "segmentation", MaxAttempts: &one})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	polled, err := w.PollOnce(ctx)
	if err != nil {
		t.Fatalf("poll should survive handler panic, got %v", err)
	}
	if polled.Status != core.StatusFailed {
		t.Errorf("status = %q, want failed", polled.Status)
	}

	got, _ := s.GetByJobID(ctx, job.JobID)
	if !strings.Contains(got.Error, "panic") {
		t.Errorf("error = %q, want panic recorded", got.Error)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestStore(t)
	w := New(s, nil)
	w.Register("segmentation", func(context.Context, *core.Job, ReportFunc) (json.RawMessage, error) {
		return nil, nil
	})

	if st := w.Status(); st.Running {
		t.Fatal("new worker reports running")
	}

	if err := w.Start(1000 * time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := w.Status()
	if !st.Running {
		t.Error("status.running = false after start")
	}
	if st.Interval != "PT1S" {
		t.Errorf("status.interval = %q, want PT1S", st.Interval)
	}
	if len(st.Types) != 1 || st.Types[0] != "segmentation" {
		t.Errorf("status.types = %v", st.Types)
	}

	// Second start is a no-op and keeps the original interval.
	if err := w.Start(5 * time.Millisecond); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if st := w.Status(); st.Interval != "PT1S" {
		t.Errorf("interval changed by redundant start: %q", st.Interval)
	}

	w.Stop()
	if st := w.Status(); st.Running {
		t.Error("status.running = true after stop")
	}

	// Stopping again must not panic.
	w.Stop()
}

func TestStart_RejectsNonPositiveInterval(t *testing.T) {
	w := New(newTestStore(t), nil)
	if err := w.Start(0); err == nil {
		t.Fatal("start with zero interval should fail")
	}
	if w.Status().Running {
		t.Error("worker running after rejected start")
	}
}

func TestLoop_ProcessesJobsOnTicks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := New(s, nil)
	w.Register("segmentation", func(context.Context, *core.Job, ReportFunc) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	job := enqueue(t, s, "segmentation", 1, "")

	if err := w.Start(10 * time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	pollUntil(t, 2*time.Second, func() (bool, error) {
		got, err := s.GetByJobID(ctx, job.JobID)
		if err != nil {
			return false, err
		}
		return got.Status == core.StatusSucceeded, nil
	})

	if st := w.Status(); st.LastTick == "" {
		t.Error("status.last_tick empty after ticks")
	}
}

// mockStore hands back whatever jobs the test scripts, covering paths a
// real claim cannot reach.
type mockStore struct {
	claim      func(ctx context.Context, types []string) (*core.Job, error)
	markFailed func(ctx context.Context, jobID, cause string, nextRunAt *time.Time) error
}

func (m *mockStore) ClaimNextEligible(ctx context.Context, types []string) (*core.Job, error) {
	return m.claim(ctx, types)
}

func (m *mockStore) MarkSucceeded(context.Context, string, json.RawMessage, map[string]any) error {
	return nil
}

func (m *mockStore) MarkFailed(ctx context.Context, jobID, cause string, nextRunAt *time.Time) error {
	if m.markFailed != nil {
		return m.markFailed(ctx, jobID, cause, nextRunAt)
	}
	return nil
}

func (m *mockStore) UpdateProgress(context.Context, string, int, string, map[string]any) error {
	return nil
}

func TestExecute_MissingHandlerFailsPermanently(t *testing.T) {
	var failedCause string
	var failedNext *time.Time
	m := &mockStore{
		claim: func(context.Context, []string) (*core.Job, error) {
			return &core.Job{JobID: core.NewUUIDv7(), Type: "clustering", Status: core.StatusRunning, MaxAttempts: 3}, nil
		},
		markFailed: func(_ context.Context, _ string, cause string, next *time.Time) error {
			failedCause = cause
			failedNext = next
			return nil
		},
	}

	w := New(m, nil)
	w.Register("segmentation", func(context.Context, *core.Job, ReportFunc) (json.RawMessage, error) {
		return nil, nil
	})

	job, err := w.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job.Status != core.StatusFailed {
		t.Errorf("status = %q, want failed", job.Status)
	}
	if !strings.Contains(failedCause, "no handler registered") {
		t.Errorf("cause = %q", failedCause)
	}
	if failedNext != nil {
		t.Errorf("missing handler scheduled a retry at %v", failedNext)
	}
}
