// Package progress turns the job store's polled state into push-style event
// streams. A watcher goroutine re-reads one job on a fixed interval and
// forwards snapshots to a channel, so API clients get live progress without
// the store needing any notification machinery.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/metrics"
)

const eventBuffer = 64

// Event is one observed snapshot of a job.
type Event struct {
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	Percent   int             `json:"percent"`
	Message   string          `json:"message,omitempty"`
	Metrics   map[string]any  `json:"performance_metrics,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Store is the slice of the job store the watcher needs.
type Store interface {
	GetByJobID(ctx context.Context, jobID string) (*core.Job, error)
}

// Watcher produces event streams for individual jobs.
type Watcher struct {
	store    Store
	interval time.Duration
}

// NewWatcher creates a watcher polling at the given interval. Non-positive
// intervals fall back to 2s.
func NewWatcher(store Store, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{store: store, interval: interval}
}

// Watch opens an event stream for a job. The first snapshot is emitted
// immediately; afterwards one snapshot per interval. The channel closes on
// its own once the job reaches a terminal status, when the store becomes
// unreadable, or when the caller unsubscribes. The returned function is
// safe to call more than once.
func (w *Watcher) Watch(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	job, err := w.store.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	events := make(chan Event, eventBuffer)
	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { close(stop) })
	}

	go w.stream(ctx, jobID, snapshot(job), events, stop)
	return events, unsubscribe, nil
}

func (w *Watcher) stream(ctx context.Context, jobID string, first Event, events chan Event, stop chan struct{}) {
	defer close(events)
	metrics.ProgressSubscribers.Inc()
	defer metrics.ProgressSubscribers.Dec()

	if !w.emit(ctx, events, stop, first) {
		return
	}
	if core.StatusTerminal(first.Status) {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			job, err := w.store.GetByJobID(ctx, jobID)
			if err != nil {
				// A job that disappears or a store outage ends the stream;
				// the closed channel is the signal.
				slog.Error("progress watch read failed", "job_id", jobID, "error", err)
				return
			}
			ev := snapshot(job)
			if !w.emit(ctx, events, stop, ev) {
				return
			}
			if job.Terminal() {
				return
			}
		}
	}
}

// emit delivers an event. Terminal snapshots block until delivered so the
// subscriber never misses the final state; intermediate ones are dropped
// when the subscriber lags.
func (w *Watcher) emit(ctx context.Context, events chan Event, stop chan struct{}, ev Event) bool {
	if core.StatusTerminal(ev.Status) {
		select {
		case events <- ev:
			return true
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		}
	}

	select {
	case events <- ev:
	default:
		slog.Warn("dropping progress event, subscriber channel full", "job_id", ev.JobID)
	}
	return true
}

func snapshot(job *core.Job) Event {
	return Event{
		JobID:     job.JobID,
		Status:    job.Status,
		Percent:   job.Payload.Progress.Percent,
		Message:   job.Payload.Progress.Message,
		Metrics:   job.Payload.Progress.Metrics,
		Error:     job.Error,
		Result:    job.Payload.Result,
		Timestamp: core.NowFormatted(),
	}
}
