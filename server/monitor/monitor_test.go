package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tickloom/tickloom/server/notify"
	"github.com/tickloom/tickloom/server/store"
)

type memorySink struct {
	mu       sync.Mutex
	subjects []string
}

func (m *memorySink) SendEmail(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	return nil
}

func (m *memorySink) PostWebhook(ctx context.Context, url string, body []byte, secret string) error {
	return nil
}

func (m *memorySink) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subjects...)
}

func setup(t *testing.T) (*store.MemoryStore, *Service, *Watchdog, *memorySink) {
	t.Helper()
	st := store.NewMemoryStore()
	sink := &memorySink{}
	n := notify.New(st, sink)

	now := time.Now().UTC()
	org := &store.Organization{
		ID: "org-1", Name: "acme", Tier: store.TierFree,
		ResetAt: now.AddDate(0, 1, 0), NotifyOnFailure: true, NotifyOnRecovery: true,
		NotifyEmail: "ops@acme.test", CreatedAt: now,
	}
	if err := st.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	return st, NewService(st, n), NewWatchdog(st, n, time.Second), sink
}

func seedMonitor(t *testing.T, st *store.MemoryStore, mutate func(*store.Monitor)) *store.Monitor {
	t.Helper()
	now := time.Now().UTC()
	interval := 60
	m := &store.Monitor{
		ID: "mon-1", OrganizationID: "org-1", Name: "db-backup",
		PingToken: "tok-1", ScheduleType: store.MonitorInterval,
		IntervalSeconds: &interval, GracePeriodSeconds: 30,
		Status: store.MonitorNew, Enabled: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if mutate != nil {
		mutate(m)
	}
	if err := st.CreateMonitor(context.Background(), m); err != nil {
		t.Fatalf("seed monitor: %v", err)
	}
	return m
}

func TestNextExpectedInterval(t *testing.T) {
	interval := 300
	m := &store.Monitor{ID: "m", ScheduleType: store.MonitorInterval, IntervalSeconds: &interval}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextExpected(m, at)
	if err != nil {
		t.Fatalf("NextExpected: %v", err)
	}
	if want := at.Add(5 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextExpectedCron(t *testing.T) {
	expr := "0 * * * *"
	m := &store.Monitor{ID: "m", ScheduleType: store.MonitorCron, CronExpression: &expr}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextExpected(m, at)
	if err != nil {
		t.Fatalf("NextExpected: %v", err)
	}
	if want := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestPingAdvancesMonitor(t *testing.T) {
	st, svc, _, _ := setup(t)
	seedMonitor(t, st, nil)
	now := time.Now().UTC()

	m, err := svc.Ping(context.Background(), "tok-1", now)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if m == nil {
		t.Fatal("ping returned no monitor")
	}
	if m.Status != store.MonitorUp {
		t.Errorf("status = %s, want up", m.Status)
	}
	if m.NextExpectedAt == nil || !m.NextExpectedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("next_expected_at = %v, want %v", m.NextExpectedAt, now.Add(time.Minute))
	}

	pings, err := st.ListPings(context.Background(), "mon-1", 10)
	if err != nil || len(pings) != 1 {
		t.Fatalf("pings = %d (%v), want 1", len(pings), err)
	}
	if pings[0].ExpectedIntervalSeconds != 60 {
		t.Errorf("snapshot interval = %d, want 60", pings[0].ExpectedIntervalSeconds)
	}
}

func TestPingUnknownToken(t *testing.T) {
	_, svc, _, _ := setup(t)
	m, err := svc.Ping(context.Background(), "nope", time.Now().UTC())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if m != nil {
		t.Errorf("monitor = %+v, want nil", m)
	}
}

func TestWatchdogMarksOverdueDown(t *testing.T) {
	st, svc, wd, sink := setup(t)
	seedMonitor(t, st, nil)
	ctx := context.Background()

	// Ping 10 minutes ago: 60s interval + 30s grace is long gone.
	if _, err := svc.Ping(ctx, "tok-1", time.Now().UTC().Add(-10*time.Minute)); err != nil {
		t.Fatalf("ping: %v", err)
	}

	wd.check(ctx)

	m, err := st.GetMonitor(ctx, "org-1", "mon-1")
	if err != nil || m == nil {
		t.Fatalf("get monitor: %v", err)
	}
	if m.Status != store.MonitorDown {
		t.Errorf("status = %s, want down", m.Status)
	}
	subjects := sink.all()
	if len(subjects) != 1 || !strings.Contains(subjects[0], "down") {
		t.Fatalf("alerts = %v, want one down alert", subjects)
	}

	// A second sweep must not alert again.
	wd.check(ctx)
	if got := sink.all(); len(got) != 1 {
		t.Errorf("alerts after second sweep = %v", got)
	}
}

func TestWatchdogSparesMonitorWithinGrace(t *testing.T) {
	st, svc, wd, sink := setup(t)
	seedMonitor(t, st, nil)
	ctx := context.Background()

	// 70s ago: past the 60s interval but inside the 30s grace.
	if _, err := svc.Ping(ctx, "tok-1", time.Now().UTC().Add(-70*time.Second)); err != nil {
		t.Fatalf("ping: %v", err)
	}

	wd.check(ctx)

	m, _ := st.GetMonitor(ctx, "org-1", "mon-1")
	if m.Status != store.MonitorUp {
		t.Errorf("status = %s, want up within grace", m.Status)
	}
	if got := sink.all(); len(got) != 0 {
		t.Errorf("alerts = %v, want none", got)
	}
}

func TestWatchdogIgnoresSilentNewMonitor(t *testing.T) {
	st, _, wd, sink := setup(t)
	seedMonitor(t, st, nil) // never pinged

	wd.check(context.Background())

	m, _ := st.GetMonitor(context.Background(), "org-1", "mon-1")
	if m.Status != store.MonitorNew {
		t.Errorf("status = %s, want new", m.Status)
	}
	if got := sink.all(); len(got) != 0 {
		t.Errorf("alerts = %v, want none", got)
	}
}

func TestPingRecoversDownMonitor(t *testing.T) {
	st, svc, wd, sink := setup(t)
	seedMonitor(t, st, nil)
	ctx := context.Background()

	if _, err := svc.Ping(ctx, "tok-1", time.Now().UTC().Add(-10*time.Minute)); err != nil {
		t.Fatalf("ping: %v", err)
	}
	wd.check(ctx)

	m, err := svc.Ping(ctx, "tok-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("recovery ping: %v", err)
	}
	if m.Status != store.MonitorUp {
		t.Errorf("status = %s, want up", m.Status)
	}

	subjects := sink.all()
	if len(subjects) != 2 {
		t.Fatalf("alerts = %v, want down then recovery", subjects)
	}
	if !strings.Contains(subjects[1], "recovered") {
		t.Errorf("second alert = %q, want recovery", subjects[1])
	}
}
