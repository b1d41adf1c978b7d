// Package notify turns execution, monitor and quota events into email and
// webhook deliveries. The decision to notify is made at most once per
// event (flags, then throttle); delivery itself is attempted with retries.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/store"
)

// throttleWindow caps deliveries at one per (org, kind). A burst of
// failing tasks produces one failure notification, not fifty.
const throttleWindow = 5 * time.Minute

type payload struct {
	Kind           store.NotifyKind `json:"kind"`
	OrganizationID string           `json:"organization_id"`
	Subject        string           `json:"subject"`
	Message        string           `json:"message"`
	TaskID         string           `json:"task_id,omitempty"`
	ExecutionID    string           `json:"execution_id,omitempty"`
	MonitorID      string           `json:"monitor_id,omitempty"`
	EndpointID     string           `json:"endpoint_id,omitempty"`
	SentAt         time.Time        `json:"sent_at"`
}

type Notifier struct {
	store store.Store
	sink  Sink
}

func New(st store.Store, sink Sink) *Notifier {
	return &Notifier{store: st, sink: sink}
}

// effective resolves a resource-level override against the org default.
func effective(override *bool, def bool) bool {
	if override != nil {
		return *override
	}
	return def
}

func (n *Notifier) TaskFailed(ctx context.Context, org *store.Organization, task *store.Task, exec *store.Execution) {
	if !effective(task.NotifyOnFailure, org.NotifyOnFailure) {
		return
	}
	reason := string(exec.Status)
	if exec.ErrorMessage != nil && *exec.ErrorMessage != "" {
		reason = *exec.ErrorMessage
	}
	n.deliver(ctx, org, payload{
		Kind:           store.NotifyFailure,
		OrganizationID: org.ID,
		Subject:        fmt.Sprintf("Task %q failed", task.Name),
		Message:        fmt.Sprintf("Task %q failed after attempt %d: %s", task.Name, exec.Attempt, reason),
		TaskID:         task.ID,
		ExecutionID:    exec.ID,
	}, "")
}

func (n *Notifier) TaskRecovered(ctx context.Context, org *store.Organization, task *store.Task, exec *store.Execution) {
	if !effective(task.NotifyOnRecovery, org.NotifyOnRecovery) {
		return
	}
	n.deliver(ctx, org, payload{
		Kind:           store.NotifyRecovery,
		OrganizationID: org.ID,
		Subject:        fmt.Sprintf("Task %q recovered", task.Name),
		Message:        fmt.Sprintf("Task %q succeeded after a failure streak", task.Name),
		TaskID:         task.ID,
		ExecutionID:    exec.ID,
	}, "")
}

// EndpointFailed additionally posts to the endpoint's on_failure_url when
// one is configured, regardless of throttling: result hooks are wiring,
// not alerting.
func (n *Notifier) EndpointFailed(ctx context.Context, org *store.Organization, ep *store.Endpoint, task *store.Task, exec *store.Execution) {
	hookURL := ""
	if ep.OnFailureURL != nil {
		hookURL = *ep.OnFailureURL
	}
	if !effective(ep.NotifyOnFailure, org.NotifyOnFailure) && hookURL == "" {
		return
	}
	reason := string(exec.Status)
	if exec.ErrorMessage != nil && *exec.ErrorMessage != "" {
		reason = *exec.ErrorMessage
	}
	p := payload{
		Kind:           store.NotifyFailure,
		OrganizationID: org.ID,
		Subject:        fmt.Sprintf("Endpoint %q forward failed", ep.Name),
		Message:        fmt.Sprintf("Forward %s for endpoint %q failed: %s", task.URL, ep.Name, reason),
		TaskID:         task.ID,
		ExecutionID:    exec.ID,
		EndpointID:     ep.ID,
	}
	if !effective(ep.NotifyOnFailure, org.NotifyOnFailure) {
		n.hookOnly(ctx, org, p, hookURL)
		return
	}
	n.deliver(ctx, org, p, hookURL)
}

func (n *Notifier) EndpointRecovered(ctx context.Context, org *store.Organization, ep *store.Endpoint, task *store.Task, exec *store.Execution) {
	hookURL := ""
	if ep.OnRecoveryURL != nil {
		hookURL = *ep.OnRecoveryURL
	}
	if !effective(ep.NotifyOnRecovery, org.NotifyOnRecovery) && hookURL == "" {
		return
	}
	p := payload{
		Kind:           store.NotifyRecovery,
		OrganizationID: org.ID,
		Subject:        fmt.Sprintf("Endpoint %q forward recovered", ep.Name),
		Message:        fmt.Sprintf("Forward %s for endpoint %q succeeded again", task.URL, ep.Name),
		TaskID:         task.ID,
		ExecutionID:    exec.ID,
		EndpointID:     ep.ID,
	}
	if !effective(ep.NotifyOnRecovery, org.NotifyOnRecovery) {
		n.hookOnly(ctx, org, p, hookURL)
		return
	}
	n.deliver(ctx, org, p, hookURL)
}

func (n *Notifier) MonitorDown(ctx context.Context, org *store.Organization, m *store.Monitor) {
	if !effective(m.NotifyOnFailure, org.NotifyOnFailure) {
		return
	}
	n.deliver(ctx, org, payload{
		Kind:           store.NotifyFailure,
		OrganizationID: org.ID,
		Subject:        fmt.Sprintf("Monitor %q is down", m.Name),
		Message:        fmt.Sprintf("Monitor %q missed its expected ping and is now down", m.Name),
		MonitorID:      m.ID,
	}, "")
}

func (n *Notifier) MonitorRecovered(ctx context.Context, org *store.Organization, m *store.Monitor) {
	if !effective(m.NotifyOnRecovery, org.NotifyOnRecovery) {
		return
	}
	n.deliver(ctx, org, payload{
		Kind:           store.NotifyRecovery,
		OrganizationID: org.ID,
		Subject:        fmt.Sprintf("Monitor %q recovered", m.Name),
		Message:        fmt.Sprintf("Monitor %q is pinging again", m.Name),
		MonitorID:      m.ID,
	}, "")
}

// QuotaWarning and QuotaReached are gated by the per-window sent markers,
// so the caller only invokes them after winning the mark.
func (n *Notifier) QuotaWarning(ctx context.Context, org *store.Organization, count, limit int64) {
	n.deliver(ctx, org, payload{
		Kind:           store.NotifyQuotaWarning,
		OrganizationID: org.ID,
		Subject:        "Monthly execution quota at 80%",
		Message:        fmt.Sprintf("Your organization has used %d of %d monthly executions", count, limit),
	}, "")
}

func (n *Notifier) QuotaReached(ctx context.Context, org *store.Organization, count, limit int64) {
	n.deliver(ctx, org, payload{
		Kind:           store.NotifyQuotaReached,
		OrganizationID: org.ID,
		Subject:        "Monthly execution quota reached",
		Message:        fmt.Sprintf("Your organization has used all %d monthly executions; new runs are refused until the window resets", limit),
	}, "")
}

// deliver applies the throttle, records the send, then fans out to the
// configured channels. extraHook adds a resource-level webhook on top of
// the organization defaults.
func (n *Notifier) deliver(ctx context.Context, org *store.Organization, p payload, extraHook string) {
	p.SentAt = time.Now().UTC()

	recent, err := n.store.RecentNotify(ctx, org.ID, p.Kind, p.SentAt.Add(-throttleWindow))
	if err != nil {
		log.Printf("[notify] throttle check %s/%s: %v", org.ID, p.Kind, err)
		return
	}
	if recent {
		observability.NotificationsThrottled.WithLabelValues(string(p.Kind)).Inc()
		return
	}
	if err := n.store.RecordNotify(ctx, org.ID, p.Kind, p.target(), p.SentAt); err != nil {
		log.Printf("[notify] record %s/%s: %v", org.ID, p.Kind, err)
		return
	}

	body, _ := json.Marshal(p)
	if org.NotifyEmail != "" {
		if err := n.sink.SendEmail(ctx, org.NotifyEmail, p.Subject, p.Message); err != nil {
			log.Printf("[notify] email %s: %v", org.ID, err)
		} else {
			observability.NotificationsSent.WithLabelValues(string(p.Kind), "email").Inc()
		}
	}
	for _, url := range dedupe(org.NotifyWebhookURL, extraHook) {
		if err := n.sink.PostWebhook(ctx, url, body, org.WebhookSecret); err != nil {
			log.Printf("[notify] webhook %s: %v", url, err)
		} else {
			observability.NotificationsSent.WithLabelValues(string(p.Kind), "webhook").Inc()
		}
	}
}

// hookOnly posts to a resource hook without touching the throttle or the
// org channels.
func (n *Notifier) hookOnly(ctx context.Context, org *store.Organization, p payload, url string) {
	p.SentAt = time.Now().UTC()
	body, _ := json.Marshal(p)
	if err := n.sink.PostWebhook(ctx, url, body, org.WebhookSecret); err != nil {
		log.Printf("[notify] webhook %s: %v", url, err)
		return
	}
	observability.NotificationsSent.WithLabelValues(string(p.Kind), "webhook").Inc()
}

// target picks the most specific resource id for the audit trail.
func (p payload) target() string {
	switch {
	case p.TaskID != "":
		return p.TaskID
	case p.MonitorID != "":
		return p.MonitorID
	case p.EndpointID != "":
		return p.EndpointID
	}
	return p.OrganizationID
}

func dedupe(urls ...string) []string {
	var out []string
	for _, u := range urls {
		if u == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == u {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, u)
		}
	}
	return out
}
