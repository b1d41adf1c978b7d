package coordination

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tickloom/tickloom/server/notify"
	"github.com/tickloom/tickloom/server/quota"
	"github.com/tickloom/tickloom/server/store"
)

type captureSink struct {
	mu       sync.Mutex
	subjects []string
}

func (c *captureSink) SendEmail(ctx context.Context, to, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	return nil
}

func (c *captureSink) PostWebhook(ctx context.Context, url string, body []byte, secret string) error {
	return nil
}

func (c *captureSink) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subjects...)
}

func newJanitorFixture(t *testing.T) (*Janitor, *store.MemoryStore, *captureSink) {
	t.Helper()
	st := store.NewMemoryStore()
	sink := &captureSink{}
	n := notify.New(st, sink)
	qa := quota.NewAccountant(st, n, quota.Limits{Free: 1000, Pro: 100000})
	return NewJanitor(st, qa, n, time.Minute), st, sink
}

func seedStuck(t *testing.T, st *store.MemoryStore, retryAttempts, attempt int, internal bool) (*store.Organization, *store.Task) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	org := &store.Organization{
		ID: "org-1", Name: "acme", Tier: store.TierFree,
		ResetAt: now.AddDate(0, 1, 0), NotifyOnFailure: true,
		NotifyEmail: "ops@acme.test", CreatedAt: now,
	}
	if err := st.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	task := &store.Task{
		ID: "task-1", OrganizationID: org.ID, Name: "job",
		URL: "https://api.acme.test/run", Method: "POST",
		ScheduleType: store.ScheduleOnce, Enabled: true,
		TimeoutMS: 2000, RetryAttempts: retryAttempts,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	exec := &store.Execution{
		ID: "exec-stuck", TaskID: task.ID, OrganizationID: org.ID,
		Status: store.ExecPending, ScheduledFor: now.Add(-time.Hour),
		Attempt: attempt, Internal: internal, CreatedAt: now,
	}
	if internal {
		target := "https://callbacks.acme.test/done"
		exec.TargetURL = &target
		exec.RequestBody = []byte(`{}`)
	}
	if err := st.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	// Claim it, then age the claim past the stuck threshold.
	claimed, err := st.ClaimExecution(ctx, "w-dead", now.Add(-20*time.Minute), 4, 32)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	return org, task
}

func TestSweepReapsAndRetries(t *testing.T) {
	j, st, sink := newJanitorFixture(t)
	ctx := context.Background()
	org, task := seedStuck(t, st, 1, 1, false)

	j.sweep(ctx)

	got, err := st.GetExecution(ctx, org.ID, "exec-stuck")
	if err != nil || got == nil {
		t.Fatalf("get reaped: %v %v", got, err)
	}
	if got.Status != store.ExecFailed {
		t.Errorf("reaped status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "worker lost") {
		t.Errorf("reaped error = %v", got.ErrorMessage)
	}

	// Attempt 1 of 2: a retry is pending, no alert yet.
	execs, err := st.ListExecutions(ctx, org.ID, store.ExecutionFilter{TaskID: &task.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var retry *store.Execution
	for _, e := range execs {
		if e.Attempt == 2 && e.Status == store.ExecPending {
			retry = e
		}
	}
	if retry == nil {
		t.Fatal("no pending retry spawned")
	}
	if subjects := sink.all(); len(subjects) != 0 {
		t.Errorf("alerts = %v, want none", subjects)
	}

	// Quota counted the attempt-1 outcome.
	fresh, err := st.GetOrganization(ctx, org.ID)
	if err != nil || fresh == nil {
		t.Fatalf("get org: %v", err)
	}
	if fresh.ExecCount != 1 {
		t.Errorf("exec count = %d, want 1", fresh.ExecCount)
	}

	// Task remembers the failure.
	tk, err := st.GetTask(ctx, org.ID, task.ID)
	if err != nil || tk == nil {
		t.Fatalf("get task: %v", err)
	}
	if tk.LastExecutionStatus == nil || *tk.LastExecutionStatus != store.ExecFailed {
		t.Errorf("task last status = %v, want failed", tk.LastExecutionStatus)
	}
}

func TestSweepFinalAttemptNotifies(t *testing.T) {
	j, st, sink := newJanitorFixture(t)
	ctx := context.Background()
	org, task := seedStuck(t, st, 0, 1, false)

	j.sweep(ctx)

	subjects := sink.all()
	if len(subjects) != 1 || !strings.Contains(subjects[0], "failed") {
		t.Fatalf("alerts = %v, want one failure", subjects)
	}
	execs, err := st.ListExecutions(ctx, org.ID, store.ExecutionFilter{TaskID: &task.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, e := range execs {
		if e.Status == store.ExecPending {
			t.Errorf("unexpected pending retry %s", e.ID)
		}
	}
}

func TestSweepDropsInternalExecutions(t *testing.T) {
	j, st, sink := newJanitorFixture(t)
	ctx := context.Background()
	org, _ := seedStuck(t, st, 5, 1, true)

	j.sweep(ctx)

	got, err := st.GetExecution(ctx, org.ID, "exec-stuck")
	if err != nil || got == nil {
		t.Fatalf("get reaped: %v %v", got, err)
	}
	if got.Status != store.ExecFailed {
		t.Errorf("reaped status = %s", got.Status)
	}
	if subjects := sink.all(); len(subjects) != 0 {
		t.Errorf("alerts = %v, want none for callbacks", subjects)
	}
	fresh, _ := st.GetOrganization(ctx, org.ID)
	if fresh.ExecCount != 0 {
		t.Errorf("exec count = %d, callbacks must not count", fresh.ExecCount)
	}
}

func TestSweepPurgesIdempotencyAndQuotaWindows(t *testing.T) {
	j, st, _ := newJanitorFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	org := &store.Organization{
		ID: "org-1", Name: "acme", Tier: store.TierFree,
		ExecCount: 42, ResetAt: now.Add(-time.Hour), CreatedAt: now.AddDate(0, -2, 0),
	}
	if err := st.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("seed org: %v", err)
	}

	if _, ok, err := st.BeginIdempotent(ctx, org.ID, "stale-key", now.Add(-48*time.Hour)); err != nil || !ok {
		t.Fatalf("begin stale: %v", err)
	}
	if _, ok, err := st.BeginIdempotent(ctx, org.ID, "fresh-key", now.Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("begin fresh: %v", err)
	}

	j.sweep(ctx)

	if _, ok, _ := st.BeginIdempotent(ctx, org.ID, "stale-key", now); !ok {
		t.Error("stale record survived the purge")
	}
	if _, ok, _ := st.BeginIdempotent(ctx, org.ID, "fresh-key", now); ok {
		t.Error("fresh record was purged")
	}

	fresh, err := st.GetOrganization(ctx, org.ID)
	if err != nil || fresh == nil {
		t.Fatalf("get org: %v", err)
	}
	if fresh.ExecCount != 0 {
		t.Errorf("exec count = %d, want reset", fresh.ExecCount)
	}
	if !fresh.ResetAt.After(now) {
		t.Errorf("reset_at = %v, want advanced past now", fresh.ResetAt)
	}
}
