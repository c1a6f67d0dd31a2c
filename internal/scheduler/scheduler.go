// Package scheduler runs the background maintenance loop: reclaiming stale
// running jobs and firing recurring schedules. One loop per process is
// enough; every mutation it performs is a conditional update in the store,
// so multiple server instances do not double-fire.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

// Store is the slice of the job store the scheduler needs.
type Store interface {
	ReclaimStale(ctx context.Context, threshold time.Duration) (int, error)
	Enqueue(ctx context.Context, req *core.EnqueueRequest) (*core.Job, error)
	HasActiveJob(ctx context.Context, jobType string, recordingID int64) (bool, error)
	CreateSchedule(ctx context.Context, sched *core.Schedule) (*core.Schedule, error)
	GetSchedule(ctx context.Context, name string) (*core.Schedule, error)
	ListSchedules(ctx context.Context) ([]*core.Schedule, error)
	DeleteSchedule(ctx context.Context, name string) error
	DueSchedules(ctx context.Context, now time.Time) ([]*core.Schedule, error)
	MarkScheduleFired(ctx context.Context, name string, nextRunAt time.Time) error
}

// Options tune the maintenance loop.
type Options struct {
	// Interval between maintenance ticks. Defaults to 30s.
	Interval time.Duration
	// StaleAfter is how long a running job may go without a heartbeat
	// before the reaper reclaims it. Defaults to 5m.
	StaleAfter time.Duration
}

// Scheduler owns the maintenance loop.
type Scheduler struct {
	store      Store
	interval   time.Duration
	staleAfter time.Duration
	stop       chan struct{}
}

// New creates a stopped scheduler.
func New(store Store, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	return &Scheduler{
		store:      store,
		interval:   opts.Interval,
		staleAfter: opts.StaleAfter,
		stop:       make(chan struct{}),
	}
}

// Start launches the loop in a background goroutine.
func (s *Scheduler) Start() {
	go s.loop()
	slog.Info("scheduler started", "interval", s.interval.String(), "stale_after", s.staleAfter.String())
}

// Stop halts the loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
		// already stopped
	default:
		close(s.stop)
	}
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOnce(context.Background())
		}
	}
}

// runOnce performs a single maintenance pass.
func (s *Scheduler) runOnce(ctx context.Context) {
	if err := s.reapStale(ctx); err != nil {
		slog.Error("reaper pass failed", "error", err)
	}
	if err := s.fireDueSchedules(ctx); err != nil {
		slog.Error("schedule pass failed", "error", err)
	}
}
