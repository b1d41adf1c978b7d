package coordination

import (
	"context"
	"log"
	"time"

	"github.com/tickloom/tickloom/server/notify"
	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/quota"
	"github.com/tickloom/tickloom/server/store"
	"github.com/tickloom/tickloom/server/worker"
)

const (
	// stuckThreshold is how long an execution may sit in running before
	// the janitor declares its worker dead. Longer than any allowed task
	// timeout (300s) plus finalize slack.
	stuckThreshold = 15 * time.Minute

	idempotencyTTL = 24 * time.Hour
)

// Janitor sweeps up state that only goes bad when a node dies or time
// passes: stuck running executions, expired idempotency records and
// lapsed quota windows. It runs on the leader; every step is written to
// race safely anyway.
type Janitor struct {
	store    store.Store
	quota    *quota.Accountant
	notifier *notify.Notifier
	interval time.Duration
}

func NewJanitor(st store.Store, qa *quota.Accountant, n *notify.Notifier, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{store: st, quota: qa, notifier: n, interval: interval}
}

// Run sweeps on a fixed ticker until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	log.Printf("[janitor] sweeping every %v", j.interval)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	now := time.Now().UTC()

	reaped, err := j.store.ReapStuckExecutions(ctx, now.Add(-stuckThreshold), now)
	if err != nil {
		log.Printf("[janitor] reap stuck executions: %v", err)
	} else {
		for _, r := range reaped {
			observability.ReapedExecutions.Inc()
			j.settle(ctx, r, now)
		}
		if len(reaped) > 0 {
			log.Printf("[janitor] reaped %d stuck executions", len(reaped))
		}
	}

	if n, err := j.store.PurgeIdempotency(ctx, now.Add(-idempotencyTTL)); err != nil {
		log.Printf("[janitor] purge idempotency records: %v", err)
	} else if n > 0 {
		log.Printf("[janitor] purged %d idempotency records", n)
	}

	if n, err := j.store.ResetExpiredQuotas(ctx, now); err != nil {
		log.Printf("[janitor] reset quota windows: %v", err)
	} else if n > 0 {
		log.Printf("[janitor] reset %d expired quota windows", n)
	}
}

// settle performs the bookkeeping the dead worker never got to: task
// state, quota, a retry if attempts remain, an alert if they do not.
// Result callbacks are dropped; replaying one after 15 minutes would
// mislead the receiver more than staying silent.
func (j *Janitor) settle(ctx context.Context, r *store.ReapedExecution, now time.Time) {
	if r.Internal {
		return
	}

	task, err := j.store.GetTaskByID(ctx, r.TaskID)
	if err != nil || task == nil {
		if r.Attempt == 1 {
			j.quota.Record(ctx, r.OrganizationID, now)
		}
		return
	}

	if err := j.store.UpdateTaskLastExecution(ctx, task.ID, now, store.ExecFailed); err != nil {
		log.Printf("[janitor] update task %s last execution: %v", task.ID, err)
	}
	if r.Attempt == 1 {
		j.quota.Record(ctx, r.OrganizationID, now)
	}

	if r.Attempt <= task.RetryAttempts {
		prev, err := j.store.GetExecution(ctx, r.OrganizationID, r.ID)
		if err != nil || prev == nil {
			log.Printf("[janitor] load reaped execution %s: %v", r.ID, err)
			return
		}
		if _, err := worker.SpawnRetry(ctx, j.store, prev, now); err != nil {
			log.Printf("[janitor] spawn retry for %s: %v", r.ID, err)
		}
		return
	}

	org, err := j.store.GetOrganization(ctx, r.OrganizationID)
	if err != nil || org == nil {
		return
	}
	exec, err := j.store.GetExecution(ctx, r.OrganizationID, r.ID)
	if err != nil || exec == nil {
		return
	}
	if task.EndpointID != nil {
		if ep, err := j.store.GetEndpoint(ctx, org.ID, *task.EndpointID); err == nil && ep != nil {
			j.notifier.EndpointFailed(ctx, org, ep, task, exec)
			return
		}
	}
	j.notifier.TaskFailed(ctx, org, task, exec)
}
