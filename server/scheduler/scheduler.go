// Package scheduler materializes due tasks into pending executions.
// It runs on the leader only and never performs HTTP work itself; the
// unique (task, scheduled_for, attempt) index makes a leader handover
// mid-tick harmless.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tickloom/tickloom/server/cron"
	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/quota"
	"github.com/tickloom/tickloom/server/signals"
	"github.com/tickloom/tickloom/server/store"
)

const (
	defaultTick = 5 * time.Second

	// horizon is how far ahead a fire may be materialized. Claims only
	// pick up rows whose scheduled_for has arrived, so early rows just
	// sit pending.
	horizon = 30 * time.Second

	// missedFireThreshold separates ordinary lag from downtime. Beyond
	// it, cron tasks get one catch-up run instead of a backfill.
	missedFireThreshold = 120 * time.Second

	batchSize = 200
)

type Scheduler struct {
	store store.Store
	bus   *signals.Bus
	quota *quota.Accountant
	tick  time.Duration
}

func New(st store.Store, bus *signals.Bus, qa *quota.Accountant, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	return &Scheduler{store: st, bus: bus, quota: qa, tick: tick}
}

// Run loops until ctx is cancelled: materialize everything due, then
// sleep until the tick, a wake signal, or the nearest upcoming fire,
// whichever comes first.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[scheduler] running, tick %v", s.tick)
	wake := s.bus.SchedulerWake(ctx)

	for {
		s.pass(ctx)

		sleep := s.tick
		if next, err := s.store.NextDueAt(ctx, time.Now().UTC(), 2*s.tick); err == nil && next != nil {
			if d := time.Until(*next); d < sleep {
				sleep = d
			}
			if sleep < 0 {
				sleep = 0
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(sleep):
		}
	}
}

// pass drains the due set in batches. A batch that makes no progress
// ends the pass; whatever is stuck will be retried next tick.
func (s *Scheduler) pass(ctx context.Context) {
	observability.SchedulerTicks.Inc()

	for {
		now := time.Now().UTC()
		due, err := s.store.DueTasks(ctx, now.Add(horizon), batchSize)
		if err != nil {
			log.Printf("[scheduler] due tasks: %v", err)
			return
		}
		if len(due) == 0 {
			return
		}

		materialized := 0
		for _, task := range due {
			if ctx.Err() != nil {
				return
			}
			if s.materialize(ctx, task, now) {
				materialized++
			}
		}
		if materialized > 0 {
			s.bus.WakeWorkers(ctx)
		}
		if materialized == 0 || len(due) < batchSize {
			return
		}
	}
}

// materialize inserts the pending execution for one due task and
// advances its schedule. Returns true when an execution was created.
func (s *Scheduler) materialize(ctx context.Context, task *store.Task, now time.Time) bool {
	scheduledFor := *task.NextRunAt

	next, disable, ok := s.followUp(task, now)
	if !ok {
		// Validation should have rejected the expression; park the task
		// instead of retrying it forever.
		observability.SchedulerSkips.WithLabelValues("bad_expression").Inc()
		log.Printf("[scheduler] task %s has unusable cron expression, disabling", task.ID)
		if err := s.store.SetTaskEnabled(ctx, task.OrganizationID, task.ID, false, nil); err != nil {
			log.Printf("[scheduler] disable task %s: %v", task.ID, err)
		}
		return false
	}

	org, err := s.store.GetOrganization(ctx, task.OrganizationID)
	if err != nil || org == nil {
		log.Printf("[scheduler] task %s: organization %s unavailable (%v)", task.ID, task.OrganizationID, err)
		return false
	}
	if s.quota.Exhausted(org, now) {
		// Admission refusal: the fire is skipped, not deferred. Cron
		// tasks resume at their natural fire after the window resets;
		// a one-shot run is forfeited.
		observability.SchedulerSkips.WithLabelValues("quota_exceeded").Inc()
		if err := s.store.SetTaskEnabled(ctx, task.OrganizationID, task.ID, !disable, next); err != nil {
			log.Printf("[scheduler] skip task %s: %v", task.ID, err)
		}
		return false
	}

	if lag := now.Sub(scheduledFor); lag > missedFireThreshold && task.ScheduleType == store.ScheduleCron {
		log.Printf("[scheduler] task %s is %v late, coalescing missed fires into one run", task.ID, lag.Round(time.Second))
	}

	exec := &store.Execution{
		ID:             uuid.New().String(),
		TaskID:         task.ID,
		OrganizationID: task.OrganizationID,
		Queue:          task.Queue,
		Status:         store.ExecPending,
		ScheduledFor:   scheduledFor,
		Attempt:        1,
		CallbackURL:    task.CallbackURL,
		CreatedAt:      now,
	}
	if err := s.store.MaterializeExecution(ctx, exec, next, disable); err != nil {
		log.Printf("[scheduler] materialize task %s: %v", task.ID, err)
		return false
	}
	observability.TasksMaterialized.Inc()
	return true
}

// followUp computes the schedule after the current fire: the next cron
// occurrence strictly after max(scheduled_for, now), or nothing for
// one-shot tasks.
func (s *Scheduler) followUp(task *store.Task, now time.Time) (next *time.Time, disable bool, ok bool) {
	if task.ScheduleType != store.ScheduleCron {
		return nil, true, true
	}
	if task.CronExpression == nil {
		return nil, false, false
	}
	after := now
	if task.NextRunAt != nil && task.NextRunAt.After(after) {
		after = *task.NextRunAt
	}
	n, err := cron.Next(*task.CronExpression, after.Add(time.Second))
	if err != nil {
		return nil, false, false
	}
	return &n, false, true
}
