package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tickloom/tickloom/server/notify"
	"github.com/tickloom/tickloom/server/quota"
	"github.com/tickloom/tickloom/server/store"
)

type recordingSink struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingSink) SendEmail(ctx context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func (r *recordingSink) PostWebhook(ctx context.Context, url string, body []byte, secret string) error {
	return nil
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subjects...)
}

// testPool wires a pool against the memory store with loopback allowed,
// so httptest servers are reachable.
func testPool(t *testing.T, st *store.MemoryStore, sink notify.Sink) *Pool {
	t.Helper()
	guard, err := NewGuard([]string{"127.0.0.0/8", "::1/128"})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	n := notify.New(st, sink)
	qa := quota.NewAccountant(st, n, quota.Limits{Free: 1000, Pro: 100000})
	return NewPool(st, nil, qa, n, nil, guard, Config{
		NodeID:             "test",
		Count:              1,
		PollInterval:       10 * time.Millisecond,
		MaxResponseCapture: 1024,
		FreeConcurrency:    4,
		ProConcurrency:     32,
	})
}

func seedOrgTask(t *testing.T, st *store.MemoryStore, url string, mutate func(*store.Task)) (*store.Organization, *store.Task) {
	t.Helper()
	now := time.Now().UTC()
	org := &store.Organization{
		ID: "org-1", Name: "acme", Tier: store.TierFree,
		ResetAt: now.AddDate(0, 1, 0), NotifyOnFailure: true, NotifyOnRecovery: true,
		NotifyEmail: "ops@acme.test", CreatedAt: now,
	}
	if err := st.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	task := &store.Task{
		ID: "task-1", OrganizationID: org.ID, Name: "job", URL: url,
		Method: http.MethodGet, ScheduleType: store.ScheduleOnce, Enabled: true,
		TimeoutMS: 2000, RetryAttempts: 0, CreatedAt: now, UpdatedAt: now,
	}
	if mutate != nil {
		mutate(task)
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return org, task
}

// claimOne materializes a pending execution and claims it, returning the
// running row the way a worker would receive it.
func claimOne(t *testing.T, st *store.MemoryStore, taskID string) *store.Execution {
	t.Helper()
	now := time.Now().UTC()
	exec := &store.Execution{
		ID: "exec-" + taskID + "-" + now.Format("150405.000000000"), TaskID: taskID,
		OrganizationID: "org-1", Status: store.ExecPending,
		ScheduledFor: now.Add(-time.Second), Attempt: 1, CreatedAt: now,
	}
	if err := st.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	claimed, err := st.ClaimExecution(context.Background(), "w-test", now, 4, 32)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("claim returned nothing")
	}
	return claimed
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	for attempt, want := range map[int]time.Duration{
		1: 10 * time.Second,
		2: 20 * time.Second,
		3: 40 * time.Second,
		7: 10 * time.Minute, // 640s capped
		9: 10 * time.Minute,
	} {
		got := Backoff(attempt)
		lo := want - want/5
		hi := want + want/5
		if got < lo || got > hi {
			t.Errorf("Backoff(%d) = %v, want within [%v, %v]", attempt, got, lo, hi)
		}
	}
}

func TestPerformClassifiesOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"status":"healthy"}`))
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		case "/slow":
			time.Sleep(300 * time.Millisecond)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := testPool(t, store.NewMemoryStore(), &recordingSink{})
	pattern := "healthy"

	cases := []struct {
		name    string
		a       attempt
		status  store.ExecStatus
		errPart string
	}{
		{
			name:   "2xx default",
			a:      attempt{url: srv.URL + "/ok", method: "GET", timeout: time.Second},
			status: store.ExecSuccess,
		},
		{
			name:    "unexpected status",
			a:       attempt{url: srv.URL + "/err", method: "GET", timeout: time.Second},
			status:  store.ExecFailed,
			errPart: "status 500",
		},
		{
			name:   "explicit expected set",
			a:      attempt{url: srv.URL + "/teapot", method: "GET", timeout: time.Second, expectedCodes: []int{418}},
			status: store.ExecSuccess,
		},
		{
			name:   "body pattern match",
			a:      attempt{url: srv.URL + "/ok", method: "GET", timeout: time.Second, bodyPattern: &pattern},
			status: store.ExecSuccess,
		},
		{
			name:    "body pattern miss",
			a:       attempt{url: srv.URL + "/err", method: "GET", timeout: time.Second, expectedCodes: []int{500}, bodyPattern: &pattern},
			status:  store.ExecFailed,
			errPart: "pattern",
		},
		{
			name:    "timeout",
			a:       attempt{url: srv.URL + "/slow", method: "GET", timeout: 50 * time.Millisecond},
			status:  store.ExecTimeout,
			errPart: "within 50ms",
		},
		{
			name:    "blocked scheme",
			a:       attempt{url: "ftp://example.com/x", method: "GET", timeout: time.Second},
			status:  store.ExecFailed,
			errPart: "scheme",
		},
	}
	for _, tc := range cases {
		out := p.perform(context.Background(), tc.a)
		if out.Status != tc.status {
			t.Errorf("%s: status = %s, want %s (err %q)", tc.name, out.Status, tc.status, out.ErrorMessage)
		}
		if tc.errPart != "" && !strings.Contains(out.ErrorMessage, tc.errPart) {
			t.Errorf("%s: error %q does not mention %q", tc.name, out.ErrorMessage, tc.errPart)
		}
	}
}

func TestPerformTruncatesCapture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	defer srv.Close()

	p := testPool(t, store.NewMemoryStore(), &recordingSink{})
	out := p.perform(context.Background(), attempt{url: srv.URL, method: "GET", timeout: time.Second})
	if out.Status != store.ExecSuccess {
		t.Fatalf("status = %s (%s)", out.Status, out.ErrorMessage)
	}
	if len(out.ResponseBody) != 1024 {
		t.Errorf("captured %d bytes, want capped 1024", len(out.ResponseBody))
	}
}

func TestProcessSpawnsRetryThenFinalFailureNotifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	sink := &recordingSink{}
	p := testPool(t, st, sink)
	_, task := seedOrgTask(t, st, srv.URL, func(tk *store.Task) { tk.RetryAttempts = 1 })

	// Attempt 1 fails and spawns attempt 2; no alert yet.
	exec := claimOne(t, st, task.ID)
	p.process(context.Background(), exec)
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("non-final failure alerted: %v", got)
	}
	execs, err := st.ListExecutions(context.Background(), "org-1", store.ExecutionFilter{TaskID: &task.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("executions = %d, want original + retry", len(execs))
	}
	var retry *store.Execution
	for _, e := range execs {
		if e.Attempt == 2 {
			retry = e
		}
	}
	if retry == nil {
		t.Fatal("no attempt-2 execution")
	}
	if retry.Status != store.ExecPending {
		t.Errorf("retry status = %s", retry.Status)
	}
	if !retry.ScheduledFor.After(time.Now().UTC().Add(5 * time.Second)) {
		t.Errorf("retry scheduled too soon: %v", retry.ScheduledFor)
	}

	// Final attempt fails: alert fires.
	now := time.Now().UTC()
	claimed, err := st.ClaimExecution(context.Background(), "w-test", now.Add(15*time.Minute), 4, 32)
	if err != nil || claimed == nil {
		t.Fatalf("claim retry: %v %v", claimed, err)
	}
	p.process(context.Background(), claimed)
	if got := sink.all(); len(got) != 1 || !strings.Contains(got[0], "failed") {
		t.Fatalf("final failure alerts = %v, want one failure", got)
	}
}

func TestProcessRecoveryNotification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	sink := &recordingSink{}
	p := testPool(t, st, sink)
	prev := store.ExecFailed
	_, task := seedOrgTask(t, st, srv.URL, func(tk *store.Task) { tk.LastExecutionStatus = &prev })

	exec := claimOne(t, st, task.ID)
	p.process(context.Background(), exec)

	got := sink.all()
	if len(got) != 1 || !strings.Contains(got[0], "recovered") {
		t.Fatalf("alerts = %v, want one recovery", got)
	}
}

func TestProcessEnqueuesCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	p := testPool(t, st, &recordingSink{})
	cb := "https://callbacks.acme.test/done"
	_, task := seedOrgTask(t, st, srv.URL, func(tk *store.Task) { tk.CallbackURL = &cb })

	exec := claimOne(t, st, task.ID)
	p.process(context.Background(), exec)

	// Internal executions are hidden from listings; claim it instead.
	claimed, err := st.ClaimExecution(context.Background(), "w-test", time.Now().UTC(), 4, 32)
	if err != nil {
		t.Fatalf("claim callback: %v", err)
	}
	if claimed == nil || !claimed.Internal {
		t.Fatalf("claimed = %+v, want internal callback execution", claimed)
	}
	if claimed.TargetURL == nil || *claimed.TargetURL != cb {
		t.Errorf("callback target = %v, want %s", claimed.TargetURL, cb)
	}
	if !strings.Contains(string(claimed.RequestBody), `"task_id":"task-1"`) {
		t.Errorf("callback body = %s", claimed.RequestBody)
	}
	if !strings.Contains(string(claimed.RequestBody), `"status":"success"`) {
		t.Errorf("callback body missing status: %s", claimed.RequestBody)
	}
}

func TestGuardBlocksPrivateTargets(t *testing.T) {
	guard, err := NewGuard(nil)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	for _, addr := range []string{"127.0.0.1:80", "10.0.0.8:443", "169.254.169.254:80", "[::1]:443"} {
		if err := guard.DialControl("tcp", addr, nil); err == nil {
			t.Errorf("dial %s allowed, want blocked", addr)
		}
	}
	if err := guard.DialControl("tcp", "93.184.216.34:443", nil); err != nil {
		t.Errorf("public address blocked: %v", err)
	}
}

func TestGuardAllowlistOverrides(t *testing.T) {
	guard, err := NewGuard([]string{"10.0.0.0/8", "127.0.0.1"})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	for _, addr := range []string{"10.1.2.3:8080", "127.0.0.1:9000"} {
		if err := guard.DialControl("tcp", addr, nil); err != nil {
			t.Errorf("dial %s blocked despite allowlist: %v", addr, err)
		}
	}
	if err := guard.DialControl("tcp", "192.168.1.1:80", nil); err == nil {
		t.Error("192.168.1.1 allowed, want blocked")
	}
}

func TestPoolStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	p := testPool(t, st, &recordingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
