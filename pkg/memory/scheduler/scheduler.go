// Package scheduler runs the TTL Cleanup Scheduler: a daily cron job that
// sweeps expired daily facts out of every user document. Grounded on
// original_source/app/core/scheduler.py's ScoopScheduler (APScheduler,
// 04:00 UTC cron, swallow-and-log on failure), reexpressed with
// github.com/robfig/cron/v3.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scoopai/convcore/pkg/logger"
)

// DailyCleanupSpec is the cron expression for the daily sweep: 04:00 UTC.
const DailyCleanupSpec = "0 4 * * *"

// Cleaner is the subset of pkg/memory/store.Store the scheduler depends
// on; a nil/disconnected store is represented by Cleaner being nil on
// Scheduler, in which case runs are a no-op.
type Cleaner interface {
	CleanupExpiredDailyFacts(ctx context.Context, now time.Time) (int64, error)
}

// Scheduler wraps a cron.Cron running the daily TTL sweep.
type Scheduler struct {
	cron    *cron.Cron
	cleaner Cleaner
	entryID cron.EntryID
}

// New constructs a Scheduler bound to cleaner. A nil cleaner is valid: the
// scheduler starts and ticks normally but every run is a no-op, matching
// the "runs on independent cooperative timers and must not block request
// tasks" requirement even before a database connection exists.
func New(cleaner Cleaner) *Scheduler {
	c := cron.New(cron.WithLocation(time.UTC))
	return &Scheduler{cron: c, cleaner: cleaner}
}

// Start registers the daily cleanup job and starts the cron loop in its
// own goroutine. Safe to call once; call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(DailyCleanupSpec, func() { s.runCleanup(ctx) })
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop halts the cron loop, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow triggers the cleanup job immediately, outside the cron schedule;
// used by tests that don't want to wait for 04:00 UTC.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.runCleanup(ctx)
}

// runCleanup is the job body: it must never panic or propagate an error
// into the cron loop, since an unhandled job failure must not crash the
// scheduler or block request-serving goroutines.
func (s *Scheduler) runCleanup(ctx context.Context) {
	if s.cleaner == nil {
		logger.G(ctx).Warn("scheduler: no store connected, skipping daily facts TTL cleanup")
		return
	}

	start := time.Now()
	modified, err := s.cleaner.CleanupExpiredDailyFacts(ctx, time.Now())
	if err != nil {
		logger.G(ctx).WithError(err).Error("scheduler: daily facts TTL cleanup failed")
		return
	}
	logger.G(ctx).WithField("users_modified", modified).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Info("scheduler: daily facts TTL cleanup complete")
}
