package scheduler

import (
	"context"
	"log/slog"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/metrics"
)

// reapStale returns crashed workers' jobs to the queue. The store's update
// is conditioned on the row still being in 'running', so a job that
// finished between the staleness check and the update is left alone, and
// attempts stay untouched: a worker crash is not an execution failure.
func (s *Scheduler) reapStale(ctx context.Context) error {
	n, err := s.store.ReclaimStale(ctx, s.staleAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.JobsReclaimed.Add(float64(n))
		slog.Warn("reclaimed stale jobs", "count", n, "stale_after", s.staleAfter.String())
	}
	return nil
}
