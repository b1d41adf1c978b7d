package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tickloom/tickloom/server/store"
)

type fakeSink struct {
	mu       sync.Mutex
	emails   []string
	webhooks []string
}

func (f *fakeSink) SendEmail(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, subject)
	return nil
}

func (f *fakeSink) PostWebhook(ctx context.Context, url string, body []byte, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, url)
	return nil
}

func (f *fakeSink) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emails), len(f.webhooks)
}

func boolPtr(b bool) *bool { return &b }

func testOrg(notifyFailure bool) *store.Organization {
	return &store.Organization{
		ID:               "org-1",
		Name:             "acme",
		Tier:             store.TierFree,
		WebhookSecret:    "s3cret",
		ResetAt:          time.Now().UTC().AddDate(0, 1, 0),
		NotifyOnFailure:  notifyFailure,
		NotifyOnRecovery: true,
		NotifyEmail:      "ops@acme.test",
		NotifyWebhookURL: "https://hooks.acme.test/tickloom",
	}
}

func failedExec() *store.Execution {
	msg := "status 500 not in expected set"
	return &store.Execution{ID: "exec-1", TaskID: "task-1", Status: store.ExecFailed, Attempt: 3, ErrorMessage: &msg}
}

func TestTaskFailedRespectsFlags(t *testing.T) {
	st := store.NewMemoryStore()
	task := &store.Task{ID: "task-1", Name: "sync"}

	// Org default off, no override: silent.
	sink := &fakeSink{}
	New(st, sink).TaskFailed(context.Background(), testOrg(false), task, failedExec())
	if e, w := sink.counts(); e != 0 || w != 0 {
		t.Fatalf("delivered (%d emails, %d webhooks) with notifications off", e, w)
	}

	// Task override wins over the org default.
	task.NotifyOnFailure = boolPtr(true)
	sink = &fakeSink{}
	New(st, sink).TaskFailed(context.Background(), testOrg(false), task, failedExec())
	if e, w := sink.counts(); e != 1 || w != 1 {
		t.Fatalf("got %d emails, %d webhooks, want 1 and 1", e, w)
	}
}

func TestThrottleSuppressesRepeats(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &fakeSink{}
	n := New(st, sink)
	org := testOrg(true)
	task := &store.Task{ID: "task-1", Name: "sync"}

	n.TaskFailed(context.Background(), org, task, failedExec())
	n.TaskFailed(context.Background(), org, &store.Task{ID: "task-2", Name: "other"}, failedExec())
	if e, _ := sink.counts(); e != 1 {
		t.Fatalf("got %d failure emails inside the window, want 1", e)
	}

	// A different kind has its own bucket.
	n.TaskRecovered(context.Background(), org, task, &store.Execution{ID: "exec-2", Status: store.ExecSuccess, Attempt: 1})
	if e, _ := sink.counts(); e != 2 {
		t.Fatalf("recovery should not share the failure bucket, got %d emails", e)
	}
}

func TestQuotaReachedDelivers(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &fakeSink{}
	New(st, sink).QuotaReached(context.Background(), testOrg(false), 1000, 1000)
	if e, w := sink.counts(); e != 1 || w != 1 {
		t.Fatalf("got %d emails, %d webhooks, want 1 and 1", e, w)
	}
}

func TestEndpointFailurePostsResultHook(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &fakeSink{}
	hook := "https://hooks.acme.test/on-failure"
	ep := &store.Endpoint{ID: "ep-1", Name: "orders", OnFailureURL: &hook}
	task := &store.Task{ID: "task-1", URL: "https://forward.test/a"}

	// Org alerting off: the result hook still fires, the org channels stay
	// quiet.
	New(st, sink).EndpointFailed(context.Background(), testOrg(false), ep, task, failedExec())
	if e, w := sink.counts(); e != 0 || w != 1 {
		t.Fatalf("got %d emails, %d webhooks, want 0 and 1", e, w)
	}
	if sink.webhooks[0] != hook {
		t.Errorf("posted to %s, want %s", sink.webhooks[0], hook)
	}
}

func TestWebhookSinkSignsPayload(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Tickloom-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	body := []byte(`{"kind":"failure"}`)
	if err := NewWebhookSink(2*time.Second).PostWebhook(context.Background(), srv.URL, body, "s3cret"); err != nil {
		t.Fatalf("PostWebhook: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Errorf("signature = %s, want %s", gotSig, want)
	}
	if string(gotBody) != string(body) {
		t.Errorf("body = %s, want %s", gotBody, body)
	}
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewWebhookSink(2*time.Second).PostWebhook(context.Background(), srv.URL, []byte("{}"), "s"); err != nil {
		t.Fatalf("PostWebhook: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
