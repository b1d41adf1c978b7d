package store

import (
	"time"
)

// Tier identifies an organization's plan. Tier decides claim priority,
// the per-org concurrency cap and the monthly execution quota.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// ScheduleType distinguishes recurring cron tasks from one-shot tasks.
type ScheduleType string

const (
	ScheduleCron ScheduleType = "cron"
	ScheduleOnce ScheduleType = "once"
)

// ExecStatus is the lifecycle state of a single execution.
// Transitions are monotonic: pending -> running -> {success|failed|timeout}.
type ExecStatus string

const (
	ExecPending ExecStatus = "pending"
	ExecRunning ExecStatus = "running"
	ExecSuccess ExecStatus = "success"
	ExecFailed  ExecStatus = "failed"
	ExecTimeout ExecStatus = "timeout"
)

// Terminal reports whether s is one of the three terminal outcomes.
func (s ExecStatus) Terminal() bool {
	return s == ExecSuccess || s == ExecFailed || s == ExecTimeout
}

// MonitorStatus is the alerting state of a heartbeat monitor.
// "degraded" is reserved for latency-based signals and is treated as up.
type MonitorStatus string

const (
	MonitorNew      MonitorStatus = "new"
	MonitorUp       MonitorStatus = "up"
	MonitorDegraded MonitorStatus = "degraded"
	MonitorDown     MonitorStatus = "down"
	MonitorPaused   MonitorStatus = "paused"
)

// MonitorScheduleType distinguishes fixed-interval monitors from cron ones.
type MonitorScheduleType string

const (
	MonitorInterval MonitorScheduleType = "interval"
	MonitorCron     MonitorScheduleType = "cron"
)

// Organization is the tenant root. Tasks, monitors, endpoints, queues and
// API keys are children and cascade on delete.
type Organization struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Tier          Tier   `json:"tier"`
	WebhookSecret string `json:"-"`

	// Monthly execution accounting (attempt-1 terminal outcomes only).
	ExecCount     int64      `json:"exec_count"`
	ResetAt       time.Time  `json:"reset_at"`
	WarningSentAt *time.Time `json:"warning_sent_at,omitempty"`
	ReachedSentAt *time.Time `json:"reached_sent_at,omitempty"`

	// Org-level notification defaults; resources may override.
	NotifyOnFailure  bool   `json:"notify_on_failure"`
	NotifyOnRecovery bool   `json:"notify_on_recovery"`
	NotifyEmail      string `json:"notify_email,omitempty"`
	NotifyWebhookURL string `json:"notify_webhook_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of scheduled outbound HTTP work.
type Task struct {
	ID             string  `json:"id" db:"id"`
	OrganizationID string  `json:"organization_id" db:"organization_id"`
	EndpointID     *string `json:"endpoint_id,omitempty" db:"endpoint_id"` // set on fan-out sibling tasks

	Name    string            `json:"name" db:"name"`
	URL     string            `json:"url" db:"url"`
	Method  string            `json:"method" db:"method"` // GET, POST, PUT, PATCH, DELETE
	Headers map[string]string `json:"headers,omitempty" db:"headers"`
	Body    []byte            `json:"body,omitempty" db:"body"`

	ScheduleType   ScheduleType `json:"schedule_type" db:"schedule_type"`
	CronExpression *string      `json:"cron_expression,omitempty" db:"cron_expression"`
	ScheduledAt    *time.Time   `json:"scheduled_at,omitempty" db:"scheduled_at"`

	Enabled       bool    `json:"enabled" db:"enabled"`
	TimeoutMS     int     `json:"timeout_ms" db:"timeout_ms"`         // 1000..300000
	RetryAttempts int     `json:"retry_attempts" db:"retry_attempts"` // 0..10
	CallbackURL   *string `json:"callback_url,omitempty" db:"callback_url"`

	ExpectedStatusCodes []int   `json:"expected_status_codes,omitempty" db:"expected_status_codes"`
	ExpectedBodyPattern *string `json:"expected_body_pattern,omitempty" db:"expected_body_pattern"`

	// Queue serializes executions of tasks sharing (org, queue).
	Queue *string `json:"queue,omitempty" db:"queue"`

	NextRunAt           *time.Time  `json:"next_run_at,omitempty" db:"next_run_at"`
	LastExecutionAt     *time.Time  `json:"last_execution_at,omitempty" db:"last_execution_at"`
	LastExecutionStatus *ExecStatus `json:"last_execution_status,omitempty" db:"last_execution_status"`

	// Nullable overrides of the org notification flags.
	NotifyOnFailure  *bool `json:"notify_on_failure,omitempty" db:"notify_on_failure"`
	NotifyOnRecovery *bool `json:"notify_on_recovery,omitempty" db:"notify_on_recovery"`

	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Deleted reports whether the task has been soft-deleted. Soft-deleted tasks
// are invisible to the scheduler and to list endpoints; in-flight executions
// still finish and record their outcome.
func (t *Task) Deleted() bool { return t.DeletedAt != nil }

// Execution is one attempt to run a task, persisted with its outcome.
type Execution struct {
	ID             string  `json:"id" db:"id"`
	TaskID         string  `json:"task_id" db:"task_id"`
	OrganizationID string  `json:"organization_id" db:"organization_id"` // denormalized for claim ordering
	Queue          *string `json:"queue,omitempty" db:"queue"`           // copied from the task at creation

	Status       ExecStatus `json:"status" db:"status"`
	ScheduledFor time.Time  `json:"scheduled_for" db:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`

	StatusCode   *int    `json:"status_code,omitempty" db:"status_code"`
	DurationMS   *int64  `json:"duration_ms,omitempty" db:"duration_ms"`
	ResponseBody *string `json:"response_body,omitempty" db:"response_body"` // truncated to MaxResponseCapture
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	Attempt     int     `json:"attempt" db:"attempt"` // 1-based
	CallbackURL *string `json:"callback_url,omitempty" db:"callback_url"`

	// Internal executions (result callbacks) carry their own request and are
	// excluded from quota accounting and notifier feedback.
	Internal    bool    `json:"internal,omitempty" db:"internal"`
	TargetURL   *string `json:"target_url,omitempty" db:"target_url"`
	RequestBody []byte  `json:"request_body,omitempty" db:"request_body"`

	ClaimedBy *string   `json:"claimed_by,omitempty" db:"claimed_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Queue is a per-org serialization domain. Created implicitly on first use,
// never removed automatically; only paused/resumed.
type Queue struct {
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Paused         bool      `json:"paused"`
	CreatedAt      time.Time `json:"created_at"`
}

// Endpoint is an inbound webhook receiver that fans out to forward URLs.
type Endpoint struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Slug           string `json:"slug"` // globally unique; acts as capability

	ForwardURLs    []string          `json:"forward_urls"` // 1..10, order preserved
	ForwardMethod  *string           `json:"forward_method,omitempty"`
	ForwardHeaders map[string]string `json:"forward_headers,omitempty"`
	ForwardBody    []byte            `json:"forward_body,omitempty"`

	RetryAttempts int  `json:"retry_attempts"` // 0..10, default 5
	UseQueue      bool `json:"use_queue"`      // queue=slug on spawned executions
	Enabled       bool `json:"enabled"`

	NotifyOnFailure  *bool   `json:"notify_on_failure,omitempty"`
	NotifyOnRecovery *bool   `json:"notify_on_recovery,omitempty"`
	OnFailureURL     *string `json:"on_failure_url,omitempty"`
	OnRecoveryURL    *string `json:"on_recovery_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InboundEvent is one received webhook, kept for inspection and replay.
// TaskIDs is ordered to match the endpoint's forward_urls at receive time.
type InboundEvent struct {
	ID         string            `json:"id"`
	EndpointID string            `json:"endpoint_id"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"` // authorization family dropped
	Body       []byte            `json:"body,omitempty"`
	SourceIP   string            `json:"source_ip"`
	ReceivedAt time.Time         `json:"received_at"`
	TaskIDs    []string          `json:"task_ids"`
}

// Monitor is a passive heartbeat watchdog.
type Monitor struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Name           string `json:"name" db:"name"`
	PingToken      string `json:"ping_token" db:"ping_token"` // unique capability

	ScheduleType    MonitorScheduleType `json:"schedule_type" db:"schedule_type"`
	IntervalSeconds *int                `json:"interval_seconds,omitempty" db:"interval_seconds"` // 60..604800
	CronExpression  *string             `json:"cron_expression,omitempty" db:"cron_expression"`

	GracePeriodSeconds int           `json:"grace_period_seconds" db:"grace_period_seconds"` // 0..3600, default 300
	Status             MonitorStatus `json:"status" db:"status"`
	Enabled            bool          `json:"enabled" db:"enabled"`

	LastPingAt     *time.Time `json:"last_ping_at,omitempty" db:"last_ping_at"`
	NextExpectedAt *time.Time `json:"next_expected_at,omitempty" db:"next_expected_at"`

	NotifyOnFailure  *bool `json:"notify_on_failure,omitempty" db:"notify_on_failure"`
	NotifyOnRecovery *bool `json:"notify_on_recovery,omitempty" db:"notify_on_recovery"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MonitorPing is one received heartbeat. ExpectedIntervalSeconds snapshots
// the monitor's expectation at ping time for timeline reconstruction.
type MonitorPing struct {
	ID                      string    `json:"id"`
	MonitorID               string    `json:"monitor_id"`
	ReceivedAt              time.Time `json:"received_at"`
	ExpectedIntervalSeconds int       `json:"expected_interval_seconds"`
}

// APIKey is a bearer credential. The secret is never stored; KeyHash is an
// HMAC-SHA256 of the secret, verifiable in constant time.
type APIKey struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	KeyID          string     `json:"key_id"` // public prefix
	KeyHash        string     `json:"-"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IdempotencyRecord caches one response per (org, key). A record with a nil
// StatusCode is a placeholder: the first writer is still executing.
type IdempotencyRecord struct {
	OrganizationID string    `json:"organization_id"`
	Key            string    `json:"key"`
	StatusCode     *int      `json:"status_code,omitempty"`
	ResponseBody   []byte    `json:"response_body,omitempty"`
	InsertedAt     time.Time `json:"inserted_at"`
}

// Complete reports whether a result has been written for the record.
func (r *IdempotencyRecord) Complete() bool { return r.StatusCode != nil }

// OrgInvite is covered at the interface level only: token, expiry and
// membership creation on redeem.
type OrgInvite struct {
	Token          string     `json:"token"`
	OrganizationID string     `json:"organization_id"`
	Email          string     `json:"email"`
	ExpiresAt      time.Time  `json:"expires_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// APILatency is a per-route, per-minute latency aggregate.
type APILatency struct {
	Route   string    `json:"route"`
	Bucket  time.Time `json:"bucket"` // truncated to the minute
	Count   int64     `json:"count"`
	TotalMS int64     `json:"total_ms"`
	MaxMS   int64     `json:"max_ms"`
}

// ExecutionOutcome is what the worker writes when finalizing an execution.
type ExecutionOutcome struct {
	Status       ExecStatus
	FinishedAt   time.Time
	StatusCode   *int
	DurationMS   int64
	ResponseBody string // already truncated by the caller
	ErrorMessage string // empty on success
}

// NotifyKind distinguishes throttle buckets in the recent-sent index.
type NotifyKind string

const (
	NotifyFailure      NotifyKind = "failure"
	NotifyRecovery     NotifyKind = "recovery"
	NotifyQuotaWarning NotifyKind = "quota_warning"
	NotifyQuotaReached NotifyKind = "quota_reached"
)
