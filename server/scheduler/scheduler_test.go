package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/tickloom/tickloom/server/notify"
	"github.com/tickloom/tickloom/server/quota"
	"github.com/tickloom/tickloom/server/store"
)

type nullSink struct{}

func (nullSink) SendEmail(ctx context.Context, to, subject, body string) error { return nil }
func (nullSink) PostWebhook(ctx context.Context, url string, body []byte, secret string) error {
	return nil
}

func newScheduler(st *store.MemoryStore, freeLimit int64) *Scheduler {
	n := notify.New(st, nullSink{})
	qa := quota.NewAccountant(st, n, quota.Limits{Free: freeLimit, Pro: 100000})
	return New(st, nil, qa, 20*time.Millisecond)
}

func seedOrg(t *testing.T, st *store.MemoryStore, execCount int64) *store.Organization {
	t.Helper()
	now := time.Now().UTC()
	org := &store.Organization{
		ID: "org-1", Name: "acme", Tier: store.TierFree,
		ExecCount: execCount, ResetAt: now.AddDate(0, 1, 0), CreatedAt: now,
	}
	if err := st.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	return org
}

func seedCronTask(t *testing.T, st *store.MemoryStore, id, expr string, nextRunAt time.Time) *store.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &store.Task{
		ID: id, OrganizationID: "org-1", Name: id,
		URL: "https://api.acme.test/run", Method: "POST",
		ScheduleType: store.ScheduleCron, CronExpression: &expr,
		Enabled: true, TimeoutMS: 2000, NextRunAt: &nextRunAt,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func listExecs(t *testing.T, st *store.MemoryStore, taskID string) []*store.Execution {
	t.Helper()
	execs, err := st.ListExecutions(context.Background(), "org-1", store.ExecutionFilter{TaskID: &taskID})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	return execs
}

func TestPassMaterializesDueCronTask(t *testing.T) {
	st := store.NewMemoryStore()
	s := newScheduler(st, 1000)
	seedOrg(t, st, 0)

	due := time.Now().UTC().Add(-time.Second).Truncate(time.Minute)
	seedCronTask(t, st, "task-1", "* * * * *", due)

	s.pass(context.Background())

	execs := listExecs(t, st, "task-1")
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	e := execs[0]
	if e.Status != store.ExecPending || e.Attempt != 1 {
		t.Errorf("execution = %s attempt %d, want pending attempt 1", e.Status, e.Attempt)
	}
	if !e.ScheduledFor.Equal(due) {
		t.Errorf("scheduled_for = %v, want %v", e.ScheduledFor, due)
	}

	task, err := st.GetTask(context.Background(), "org-1", "task-1")
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if !task.Enabled {
		t.Error("cron task disabled after fire")
	}
	if task.NextRunAt == nil || !task.NextRunAt.After(time.Now().UTC()) {
		t.Errorf("next_run_at = %v, want future", task.NextRunAt)
	}
}

func TestPassFiresAndDisablesOneShot(t *testing.T) {
	st := store.NewMemoryStore()
	s := newScheduler(st, 1000)
	seedOrg(t, st, 0)

	now := time.Now().UTC()
	at := now.Add(-2 * time.Second)
	task := &store.Task{
		ID: "task-once", OrganizationID: "org-1", Name: "once",
		URL: "https://api.acme.test/run", Method: "POST",
		ScheduleType: store.ScheduleOnce, ScheduledAt: &at,
		Enabled: true, TimeoutMS: 2000, NextRunAt: &at,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	s.pass(context.Background())

	if execs := listExecs(t, st, "task-once"); len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	got, _ := st.GetTask(context.Background(), "org-1", "task-once")
	if got.Enabled {
		t.Error("one-shot still enabled after firing")
	}
	if got.NextRunAt != nil {
		t.Errorf("next_run_at = %v, want nil", got.NextRunAt)
	}
}

// A leader handover can present the same task snapshot to two passes;
// the (task, scheduled_for, attempt) identity must collapse them.
func TestMaterializeIsIdempotentPerFire(t *testing.T) {
	st := store.NewMemoryStore()
	s := newScheduler(st, 1000)
	seedOrg(t, st, 0)

	due := time.Now().UTC().Add(-time.Minute).Truncate(time.Minute)
	task := seedCronTask(t, st, "task-1", "0 * * * *", due)

	now := time.Now().UTC()
	snapshot := *task
	s.materialize(context.Background(), &snapshot, now)
	s.materialize(context.Background(), &snapshot, now)

	if execs := listExecs(t, st, "task-1"); len(execs) != 1 {
		t.Fatalf("executions = %d, want 1 after duplicate materialize", len(execs))
	}
}

func TestPassSkipsExhaustedOrg(t *testing.T) {
	st := store.NewMemoryStore()
	s := newScheduler(st, 5)
	seedOrg(t, st, 5) // at the cap

	due := time.Now().UTC().Add(-time.Second).Truncate(time.Minute)
	seedCronTask(t, st, "task-1", "* * * * *", due)

	s.pass(context.Background())

	if execs := listExecs(t, st, "task-1"); len(execs) != 0 {
		t.Fatalf("executions = %d, want 0 while quota exhausted", len(execs))
	}
	// The fire is forfeited, not deferred: the schedule moves on.
	task, _ := st.GetTask(context.Background(), "org-1", "task-1")
	if !task.Enabled {
		t.Error("cron task disabled by quota skip")
	}
	if task.NextRunAt == nil || !task.NextRunAt.After(due) {
		t.Errorf("next_run_at = %v, want advanced past %v", task.NextRunAt, due)
	}
}

func TestPassParksUnusableCron(t *testing.T) {
	st := store.NewMemoryStore()
	s := newScheduler(st, 1000)
	seedOrg(t, st, 0)

	due := time.Now().UTC().Add(-time.Second)
	seedCronTask(t, st, "task-bad", "not a cron at all", due)

	s.pass(context.Background())

	if execs := listExecs(t, st, "task-bad"); len(execs) != 0 {
		t.Fatalf("executions = %d, want 0 for unusable expression", len(execs))
	}
	task, _ := st.GetTask(context.Background(), "org-1", "task-bad")
	if task.Enabled {
		t.Error("unusable task left enabled")
	}
}

func TestPassMaterializesWithinHorizon(t *testing.T) {
	st := store.NewMemoryStore()
	s := newScheduler(st, 1000)
	seedOrg(t, st, 0)

	soon := time.Now().UTC().Add(10 * time.Second).Truncate(time.Second)
	seedCronTask(t, st, "task-1", "* * * * *", soon)

	s.pass(context.Background())

	execs := listExecs(t, st, "task-1")
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1 within horizon", len(execs))
	}
	if !execs[0].ScheduledFor.Equal(soon) {
		t.Errorf("scheduled_for = %v, want %v", execs[0].ScheduledFor, soon)
	}
	task, _ := st.GetTask(context.Background(), "org-1", "task-1")
	if task.NextRunAt == nil || !task.NextRunAt.After(soon) {
		t.Errorf("next_run_at = %v, want strictly after %v", task.NextRunAt, soon)
	}
}

func TestRunMaterializesAndStops(t *testing.T) {
	st := store.NewMemoryStore()
	s := newScheduler(st, 1000)
	seedOrg(t, st, 0)

	due := time.Now().UTC().Add(-time.Second).Truncate(time.Minute)
	seedCronTask(t, st, "task-1", "* * * * *", due)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if execs := listExecs(t, st, "task-1"); len(execs) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("nothing materialized")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
