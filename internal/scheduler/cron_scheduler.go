package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/metrics"
)

func cronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// parseExpression resolves a cron expression in the schedule's timezone.
func parseExpression(expr, timezone string) (cron.Schedule, error) {
	parser := cronParser()

	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, core.NewInvalidRequestError(
				fmt.Sprintf("Invalid timezone: %s", timezone),
				map[string]any{"timezone": timezone},
			)
		}
		if sched, err := parser.Parse("CRON_TZ=" + loc.String() + " " + expr); err == nil {
			return sched, nil
		}
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, core.NewInvalidRequestError(
			fmt.Sprintf("Invalid cron expression: %s", expr),
			map[string]any{"expression": expr, "error": err.Error()},
		)
	}
	return sched, nil
}

// RegisterSchedule validates and persists a recurring schedule, computing
// its first NextRunAt from the cron expression.
func (s *Scheduler) RegisterSchedule(ctx context.Context, sched *core.Schedule) (*core.Schedule, error) {
	if sched.Name == "" {
		return nil, core.NewInvalidRequestError("Schedule name is required.", nil)
	}
	if sched.Expression == "" {
		return nil, core.NewInvalidRequestError("Cron expression is required.", nil)
	}
	if err := core.ValidateEnqueueRequest(&core.EnqueueRequest{
		RecordingID: sched.RecordingID,
		Type:        sched.JobType,
		Params:      sched.Params,
	}); err != nil {
		return nil, err
	}
	if sched.OverlapPolicy != "" && sched.OverlapPolicy != core.OverlapAllow && sched.OverlapPolicy != core.OverlapSkip {
		return nil, core.NewInvalidRequestError(
			fmt.Sprintf("Unknown overlap policy: %s", sched.OverlapPolicy),
			map[string]any{"overlap_policy": sched.OverlapPolicy},
		)
	}

	cronSched, err := parseExpression(sched.Expression, sched.Timezone)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sched.CreatedAt = core.FormatTime(now)
	sched.NextRunAt = core.FormatTime(cronSched.Next(now))
	sched.Enabled = true
	if sched.OverlapPolicy == "" {
		sched.OverlapPolicy = core.OverlapAllow
	}

	return s.store.CreateSchedule(ctx, sched)
}

// GetSchedule returns one schedule by name.
func (s *Scheduler) GetSchedule(ctx context.Context, name string) (*core.Schedule, error) {
	return s.store.GetSchedule(ctx, name)
}

// ListSchedules returns all registered schedules.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*core.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// DeleteSchedule removes a schedule and returns its last registered state.
func (s *Scheduler) DeleteSchedule(ctx context.Context, name string) (*core.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteSchedule(ctx, name); err != nil {
		return nil, err
	}
	return sched, nil
}

// fireDueSchedules enqueues one job per due schedule and advances each
// schedule's NextRunAt. Failing to fire one schedule does not block the
// rest; the first error is reported after the sweep.
func (s *Scheduler) fireDueSchedules(ctx context.Context) error {
	due, err := s.store.DueSchedules(ctx, time.Now())
	if err != nil {
		return err
	}

	var firstErr error
	for _, sched := range due {
		if err := s.fireSchedule(ctx, sched); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) fireSchedule(ctx context.Context, sched *core.Schedule) error {
	now := time.Now()

	cronSched, err := parseExpression(sched.Expression, sched.Timezone)
	if err != nil {
		// An unparseable stored expression would fire forever; advance it
		// a tick into the future and surface the error.
		_ = s.store.MarkScheduleFired(ctx, sched.Name, now.Add(s.interval))
		return err
	}
	next := cronSched.Next(now)

	if sched.OverlapPolicy == core.OverlapSkip {
		active, err := s.store.HasActiveJob(ctx, sched.JobType, sched.RecordingID)
		if err != nil {
			return err
		}
		if active {
			slog.Info("skipping schedule, previous run still active",
				"schedule", sched.Name, "type", sched.JobType, "recording_id", sched.RecordingID)
			return s.store.MarkScheduleFired(ctx, sched.Name, next)
		}
	}

	req := &core.EnqueueRequest{
		RecordingID: sched.RecordingID,
		Type:        sched.JobType,
		Params:      sched.Params,
	}
	if sched.Priority != 0 {
		p := sched.Priority
		req.Priority = &p
	}
	if sched.MaxAttempts > 0 {
		m := sched.MaxAttempts
		req.MaxAttempts = &m
	}

	job, err := s.store.Enqueue(ctx, req)
	if err != nil {
		// Leave NextRunAt alone so the next tick retries the fire.
		return fmt.Errorf("fire schedule %s: %w", sched.Name, err)
	}

	metrics.SchedulesFired.WithLabelValues(sched.Name).Inc()
	slog.Info("schedule fired", "schedule", sched.Name, "job_id", job.JobID,
		"type", sched.JobType, "next_run_at", core.FormatTime(next))

	return s.store.MarkScheduleFired(ctx, sched.Name, next)
}
