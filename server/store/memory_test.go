package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedOrg(t *testing.T, s *MemoryStore, id string, tier Tier) *Organization {
	t.Helper()
	org := &Organization{
		ID:        id,
		Name:      id,
		Tier:      tier,
		ResetAt:   time.Now().UTC().AddDate(0, 1, 0),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	return org
}

func seedTask(t *testing.T, s *MemoryStore, orgID, id string) *Task {
	t.Helper()
	task := &Task{
		ID:             id,
		OrganizationID: orgID,
		Name:           id,
		URL:            "https://example.com/hook",
		Method:         "POST",
		ScheduleType:   ScheduleOnce,
		Enabled:        true,
		TimeoutMS:      30000,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func seedExec(t *testing.T, s *MemoryStore, orgID, taskID, id string, at time.Time, queue *string) *Execution {
	t.Helper()
	exec := &Execution{
		ID:             id,
		TaskID:         taskID,
		OrganizationID: orgID,
		Queue:          queue,
		Status:         ExecPending,
		ScheduledFor:   at,
		Attempt:        1,
		CreatedAt:      at,
	}
	if err := s.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return exec
}

func TestClaimOrdersProFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedOrg(t, s, "org-free", TierFree)
	seedOrg(t, s, "org-pro", TierPro)
	seedTask(t, s, "org-free", "t-free")
	seedTask(t, s, "org-pro", "t-pro")

	// The free execution is older, but pro tier claims first.
	seedExec(t, s, "org-free", "t-free", "e-free", now.Add(-2*time.Minute), nil)
	seedExec(t, s, "org-pro", "t-pro", "e-pro", now.Add(-1*time.Minute), nil)

	got, err := s.ClaimExecution(ctx, "w1", now, 2, 10)
	if err != nil {
		t.Fatalf("ClaimExecution: %v", err)
	}
	if got == nil || got.ID != "e-pro" {
		t.Fatalf("claimed %+v, want e-pro", got)
	}
	if got.Status != ExecRunning || got.StartedAt == nil {
		t.Errorf("claimed execution not marked running: %+v", got)
	}
}

func TestClaimRespectsOrgCapAndMovesOn(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedOrg(t, s, "org-a", TierFree)
	seedOrg(t, s, "org-b", TierFree)
	seedTask(t, s, "org-a", "t-a")
	seedTask(t, s, "org-b", "t-b")

	// org-a saturates its cap of 2.
	seedExec(t, s, "org-a", "t-a", "a1", now.Add(-5*time.Minute), nil)
	seedExec(t, s, "org-a", "t-a", "a2", now.Add(-4*time.Minute), nil)
	seedExec(t, s, "org-a", "t-a", "a3", now.Add(-3*time.Minute), nil)
	seedExec(t, s, "org-b", "t-b", "b1", now.Add(-1*time.Minute), nil)

	var claimed []string
	for i := 0; i < 3; i++ {
		got, err := s.ClaimExecution(ctx, "w1", now, 2, 10)
		if err != nil {
			t.Fatalf("ClaimExecution: %v", err)
		}
		if got == nil {
			t.Fatalf("claim %d returned nil", i)
		}
		claimed = append(claimed, got.ID)
	}

	want := []string{"a1", "a2", "b1"}
	for i := range want {
		if claimed[i] != want[i] {
			t.Errorf("claim order = %v, want %v", claimed, want)
			break
		}
	}

	// org-a is at its cap and org-b has nothing left; nothing claimable.
	got, err := s.ClaimExecution(ctx, "w1", now, 2, 10)
	if err != nil {
		t.Fatalf("ClaimExecution: %v", err)
	}
	if got != nil {
		t.Errorf("claimed %s past the org cap", got.ID)
	}
}

func TestClaimSerializesQueue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedOrg(t, s, "org-a", TierFree)
	seedTask(t, s, "org-a", "t-a")
	q := "reports"
	seedExec(t, s, "org-a", "t-a", "q1", now.Add(-3*time.Minute), &q)
	seedExec(t, s, "org-a", "t-a", "q2", now.Add(-2*time.Minute), &q)

	first, err := s.ClaimExecution(ctx, "w1", now, 5, 10)
	if err != nil || first == nil {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	if first.ID != "q1" {
		t.Fatalf("first claim = %s, want q1", first.ID)
	}

	// q2 shares the queue with the running q1 and must wait.
	second, err := s.ClaimExecution(ctx, "w2", now, 5, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("second claim = %s, want nil while queue is busy", second.ID)
	}

	if err := s.FinishExecution(ctx, "q1", ExecutionOutcome{Status: ExecSuccess, FinishedAt: now}); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}

	third, err := s.ClaimExecution(ctx, "w2", now, 5, 10)
	if err != nil || third == nil {
		t.Fatalf("third claim = %v, %v", third, err)
	}
	if third.ID != "q2" {
		t.Errorf("third claim = %s, want q2", third.ID)
	}
}

func TestClaimSkipsPausedQueue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedOrg(t, s, "org-a", TierFree)
	seedTask(t, s, "org-a", "t-a")
	q := "reports"
	if err := s.UpsertQueue(ctx, "org-a", q); err != nil {
		t.Fatalf("UpsertQueue: %v", err)
	}
	if err := s.SetQueuePaused(ctx, "org-a", q, true); err != nil {
		t.Fatalf("SetQueuePaused: %v", err)
	}
	seedExec(t, s, "org-a", "t-a", "q1", now.Add(-time.Minute), &q)
	seedExec(t, s, "org-a", "t-a", "free1", now, nil)

	got, err := s.ClaimExecution(ctx, "w1", now, 5, 10)
	if err != nil {
		t.Fatalf("ClaimExecution: %v", err)
	}
	if got == nil || got.ID != "free1" {
		t.Fatalf("claimed %+v, want free1 (paused queue must be skipped)", got)
	}
}

func TestQuotaWindowRollsOver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedOrg(t, s, "org-a", TierFree)

	// Expire the window.
	warned := time.Now().UTC().Add(-2 * time.Hour)
	s.mu.Lock()
	s.orgs["org-a"].ResetAt = time.Now().UTC().Add(-time.Hour)
	s.orgs["org-a"].WarningSentAt = &warned
	s.orgs["org-a"].ExecCount = 999
	s.mu.Unlock()

	now := time.Now().UTC()
	got, err := s.RecordQuotaUsage(ctx, "org-a", now)
	if err != nil {
		t.Fatalf("RecordQuotaUsage: %v", err)
	}
	if got.ExecCount != 1 {
		t.Errorf("ExecCount after rollover = %d, want 1", got.ExecCount)
	}
	if got.WarningSentAt != nil {
		t.Errorf("WarningSentAt should clear on rollover")
	}
	if !got.ResetAt.After(now) {
		t.Errorf("ResetAt = %v, want after %v", got.ResetAt, now)
	}

	got, err = s.RecordQuotaUsage(ctx, "org-a", now)
	if err != nil {
		t.Fatalf("RecordQuotaUsage: %v", err)
	}
	if got.ExecCount != 2 {
		t.Errorf("ExecCount = %d, want 2", got.ExecCount)
	}
}

func TestMarkQuotaWarningSentOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedOrg(t, s, "org-a", TierFree)

	won, err := s.MarkQuotaWarningSent(ctx, "org-a", time.Now().UTC())
	if err != nil || !won {
		t.Fatalf("first MarkQuotaWarningSent = %v, %v; want true", won, err)
	}
	won, err = s.MarkQuotaWarningSent(ctx, "org-a", time.Now().UTC())
	if err != nil || won {
		t.Fatalf("second MarkQuotaWarningSent = %v, %v; want false", won, err)
	}
}

func TestBeginIdempotentOwnership(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	rec, ok, err := s.BeginIdempotent(ctx, "org-a", "k1", now)
	if err != nil || !ok || rec != nil {
		t.Fatalf("first BeginIdempotent = %+v, %v, %v; want nil, true, nil", rec, ok, err)
	}

	// Duplicate while the first is still in flight sees the placeholder.
	rec, ok, err = s.BeginIdempotent(ctx, "org-a", "k1", now)
	if err != nil || ok {
		t.Fatalf("duplicate BeginIdempotent ok = %v, err = %v", ok, err)
	}
	if rec == nil || rec.Complete() {
		t.Fatalf("duplicate should see incomplete placeholder, got %+v", rec)
	}

	if err := s.CompleteIdempotent(ctx, "org-a", "k1", 201, []byte(`{"data":{}}`)); err != nil {
		t.Fatalf("CompleteIdempotent: %v", err)
	}
	rec, ok, _ = s.BeginIdempotent(ctx, "org-a", "k1", now)
	if ok || rec == nil || !rec.Complete() || *rec.StatusCode != 201 {
		t.Errorf("replay should see completed record, got %+v ok=%v", rec, ok)
	}

	// A different org may reuse the same key.
	seedOrg(t, s, "org-b", TierFree)
	_, ok, err = s.BeginIdempotent(ctx, "org-b", "k1", now)
	if err != nil || !ok {
		t.Errorf("key should be scoped per org, ok = %v, err = %v", ok, err)
	}
}

func TestAbortIdempotentFreesKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	if _, ok, _ := s.BeginIdempotent(ctx, "org-a", "k1", now); !ok {
		t.Fatal("expected ownership")
	}
	if err := s.AbortIdempotent(ctx, "org-a", "k1"); err != nil {
		t.Fatalf("AbortIdempotent: %v", err)
	}
	if _, ok, _ := s.BeginIdempotent(ctx, "org-a", "k1", now); !ok {
		t.Error("aborted key should be claimable again")
	}
}

func TestReapStuckExecutions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedOrg(t, s, "org-a", TierFree)
	seedTask(t, s, "org-a", "t-a")
	seedExec(t, s, "org-a", "t-a", "stuck", now.Add(-30*time.Minute), nil)
	seedExec(t, s, "org-a", "t-a", "fresh", now.Add(-30*time.Minute), nil)

	if got, _ := s.ClaimExecution(ctx, "w1", now.Add(-20*time.Minute), 5, 10); got == nil || got.ID != "stuck" {
		t.Fatalf("setup claim = %+v", got)
	}
	if got, _ := s.ClaimExecution(ctx, "w2", now, 5, 10); got == nil || got.ID != "fresh" {
		t.Fatalf("setup claim = %+v", got)
	}

	reaped, err := s.ReapStuckExecutions(ctx, now.Add(-15*time.Minute), now)
	if err != nil {
		t.Fatalf("ReapStuckExecutions: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != "stuck" {
		t.Fatalf("reaped = %+v, want just stuck", reaped)
	}

	e, _ := s.GetExecution(ctx, "org-a", "stuck")
	if e.Status != ExecFailed || e.ErrorMessage == nil || *e.ErrorMessage != "worker lost" {
		t.Errorf("reaped execution = %+v", e)
	}
	f, _ := s.GetExecution(ctx, "org-a", "fresh")
	if f.Status != ExecRunning {
		t.Errorf("fresh execution reaped early: %+v", f)
	}
}

func TestFinishExecutionRequiresRunning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedOrg(t, s, "org-a", TierFree)
	seedTask(t, s, "org-a", "t-a")
	seedExec(t, s, "org-a", "t-a", "e1", now, nil)

	err := s.FinishExecution(ctx, "e1", ExecutionOutcome{Status: ExecSuccess, FinishedAt: now})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("finishing a pending execution = %v, want ErrConflict", err)
	}
}

func TestMaterializeExecutionDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC().Truncate(time.Minute)

	seedOrg(t, s, "org-a", TierFree)
	task := seedTask(t, s, "org-a", "t-a")

	next := now.Add(5 * time.Minute)
	e1 := &Execution{ID: "e1", TaskID: task.ID, OrganizationID: "org-a", ScheduledFor: now, Attempt: 1, CreatedAt: now}
	if err := s.MaterializeExecution(ctx, e1, &next, false); err != nil {
		t.Fatalf("MaterializeExecution: %v", err)
	}
	// A second leader replays the same tick with a fresh id.
	e2 := &Execution{ID: "e2", TaskID: task.ID, OrganizationID: "org-a", ScheduledFor: now, Attempt: 1, CreatedAt: now}
	if err := s.MaterializeExecution(ctx, e2, &next, false); err != nil {
		t.Fatalf("MaterializeExecution replay: %v", err)
	}

	execs, err := s.ListExecutions(ctx, "org-a", ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("materialized %d executions for one tick, want 1", len(execs))
	}
}

func TestSoftDeleteHidesTask(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedOrg(t, s, "org-a", TierFree)
	seedTask(t, s, "org-a", "t-a")

	if err := s.SoftDeleteTask(ctx, "org-a", "t-a", now); err != nil {
		t.Fatalf("SoftDeleteTask: %v", err)
	}
	got, err := s.GetTask(ctx, "org-a", "t-a")
	if err != nil || got != nil {
		t.Errorf("GetTask after delete = %+v, %v; want nil", got, err)
	}
	tasks, _ := s.ListTasks(ctx, "org-a", TaskFilter{})
	if len(tasks) != 0 {
		t.Errorf("ListTasks after delete = %d entries, want 0", len(tasks))
	}
	if err := s.SoftDeleteTask(ctx, "org-a", "t-a", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestAcceptInvite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedOrg(t, s, "org-a", TierFree)
	inv := &OrgInvite{Token: "tok1", OrganizationID: "org-a", Email: "dev@example.com",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := s.CreateInvite(ctx, inv); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	got, err := s.AcceptInvite(ctx, "tok1", now)
	if err != nil || got.AcceptedAt == nil {
		t.Fatalf("AcceptInvite = %+v, %v", got, err)
	}
	if _, err := s.AcceptInvite(ctx, "tok1", now); !errors.Is(err, ErrConflict) {
		t.Errorf("double accept = %v, want ErrConflict", err)
	}

	expired := &OrgInvite{Token: "tok2", OrganizationID: "org-a", Email: "dev@example.com",
		ExpiresAt: now.Add(-time.Hour), CreatedAt: now}
	if err := s.CreateInvite(ctx, expired); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if _, err := s.AcceptInvite(ctx, "tok2", now); !errors.Is(err, ErrInviteExpired) {
		t.Errorf("expired accept = %v, want ErrInviteExpired", err)
	}
	if _, err := s.AcceptInvite(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing accept = %v, want ErrNotFound", err)
	}
}
