package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tickloom/tickloom/server/notify"
	"github.com/tickloom/tickloom/server/store"
)

type countingSink struct {
	mu     sync.Mutex
	emails []string
}

func (c *countingSink) SendEmail(ctx context.Context, to, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emails = append(c.emails, subject)
	return nil
}

func (c *countingSink) PostWebhook(ctx context.Context, url string, body []byte, secret string) error {
	return nil
}

func (c *countingSink) subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.emails...)
}

func setup(t *testing.T, limit int64) (*Accountant, *store.MemoryStore, *countingSink) {
	t.Helper()
	st := store.NewMemoryStore()
	org := &store.Organization{
		ID:          "org-1",
		Name:        "acme",
		Tier:        store.TierFree,
		ResetAt:     time.Now().UTC().AddDate(0, 1, 0),
		NotifyEmail: "ops@acme.test",
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	sink := &countingSink{}
	return NewAccountant(st, notify.New(st, sink), Limits{Free: limit, Pro: limit * 100}), st, sink
}

func TestRecordFiresWarningOnce(t *testing.T) {
	a, _, sink := setup(t, 10)
	now := time.Now().UTC()

	for i := 0; i < 8; i++ {
		a.Record(context.Background(), "org-1", now)
	}
	if got := sink.subjects(); len(got) != 1 {
		t.Fatalf("warning emails = %d, want 1 (got %v)", len(got), got)
	}

	// More usage below the cap must not re-warn.
	a.Record(context.Background(), "org-1", now)
	if got := sink.subjects(); len(got) != 1 {
		t.Fatalf("warning re-fired: %v", got)
	}
}

func TestRecordFiresReachedAndExhausts(t *testing.T) {
	a, st, sink := setup(t, 5)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		a.Record(context.Background(), "org-1", now)
	}
	subjects := sink.subjects()
	if len(subjects) != 2 {
		t.Fatalf("emails = %v, want warning then reached", subjects)
	}
	if subjects[1] != "Monthly execution quota reached" {
		t.Errorf("second email = %q", subjects[1])
	}

	org, err := st.GetOrganization(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("get org: %v", err)
	}
	if !a.Exhausted(org, now) {
		t.Error("org at limit should be exhausted")
	}
	if err := a.Admit(context.Background(), "org-1", now); !errors.Is(err, store.ErrQuotaExceeded) {
		t.Errorf("Admit = %v, want ErrQuotaExceeded", err)
	}
}

func TestLapsedWindowIsFresh(t *testing.T) {
	a, st, _ := setup(t, 5)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		a.Record(context.Background(), "org-1", now)
	}

	// Once the reset instant passes, the org is admitted again and the
	// next write rolls the window.
	later := time.Now().UTC().AddDate(0, 1, 1)
	if err := a.Admit(context.Background(), "org-1", later); err != nil {
		t.Fatalf("Admit after reset = %v", err)
	}
	a.Record(context.Background(), "org-1", later)
	org, err := st.GetOrganization(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("get org: %v", err)
	}
	if org.ExecCount != 1 {
		t.Errorf("exec_count after roll = %d, want 1", org.ExecCount)
	}
	if org.WarningSentAt != nil || org.ReachedSentAt != nil {
		t.Error("sent markers should clear when the window rolls")
	}
}

func TestAdmitUnknownOrg(t *testing.T) {
	a, _, _ := setup(t, 5)
	if err := a.Admit(context.Background(), "nope", time.Now().UTC()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Admit unknown org = %v, want ErrNotFound", err)
	}
}
