package store

import (
	"context"
	"time"
)

// TaskFilter narrows ListTasks. Nil fields are ignored.
type TaskFilter struct {
	Enabled      *bool
	Queue        *string
	ScheduleType *ScheduleType
	Limit        int
	Offset       int
}

// ExecutionFilter narrows ListExecutions. Nil fields are ignored.
// Internal executions (result callbacks) are always excluded.
type ExecutionFilter struct {
	TaskID *string
	Status *ExecStatus
	Queue  *string
	Since  *time.Time
	Limit  int
	Offset int
}

// OrgOverview is the dashboard aggregate for one organization.
type OrgOverview struct {
	Tasks        int64 `json:"tasks"`
	EnabledTasks int64 `json:"enabled_tasks"`
	Monitors     int64 `json:"monitors"`
	MonitorsDown int64 `json:"monitors_down"`
	Pending      int64 `json:"pending"`
	Running      int64 `json:"running"`
	Success24h   int64 `json:"success_24h"`
	Failed24h    int64 `json:"failed_24h"`
	Timeout24h   int64 `json:"timeout_24h"`
}

// ReapedExecution is returned by ReapStuckExecutions so the janitor can
// feed quota accounting and notifications for executions whose worker
// disappeared.
type ReapedExecution struct {
	ID             string
	TaskID         string
	OrganizationID string
	Attempt        int
	Internal       bool
}

// Store is the persistence boundary. PostgresStore is the production
// implementation; MemoryStore backs single-node development and tests.
type Store interface {
	// Organizations and quota accounting
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	UpdateOrganizationNotify(ctx context.Context, org *Organization) error
	// RecordQuotaUsage rolls the monthly window forward if reset_at has
	// passed, then increments exec_count by one. It returns the row after
	// the increment.
	RecordQuotaUsage(ctx context.Context, orgID string, now time.Time) (*Organization, error)
	// MarkQuotaWarningSent and MarkQuotaReachedSent set their marker only
	// when it is still unset for the current window, and report whether
	// this caller won.
	MarkQuotaWarningSent(ctx context.Context, orgID string, at time.Time) (bool, error)
	MarkQuotaReachedSent(ctx context.Context, orgID string, at time.Time) (bool, error)
	// ResetExpiredQuotas zeroes counters and clears sent markers for every
	// org whose window has lapsed. RecordQuotaUsage rolls windows lazily;
	// this sweep covers orgs that went quiet.
	ResetExpiredQuotas(ctx context.Context, now time.Time) (int64, error)

	// API keys
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByKeyID(ctx context.Context, keyID string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, orgID string) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, orgID, id string) error
	TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, orgID, id string) (*Task, error)
	// GetTaskByID loads by primary key, soft-deleted rows included, so
	// in-flight executions can finish after their task is deleted.
	GetTaskByID(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, orgID string, f TaskFilter) ([]*Task, error)
	ListTasksByEndpoint(ctx context.Context, endpointID string) ([]*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	SetTaskEnabled(ctx context.Context, orgID, id string, enabled bool, nextRunAt *time.Time) error
	SoftDeleteTask(ctx context.Context, orgID, id string, at time.Time) error
	UpdateTaskLastExecution(ctx context.Context, taskID string, at time.Time, status ExecStatus) error

	// Scheduler
	// DueTasks returns enabled, non-deleted tasks whose next_run_at has
	// arrived, oldest first.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// NextDueAt returns the nearest next_run_at within the horizon, or nil
	// when nothing is due that soon. Lets the scheduler sleep precisely.
	NextDueAt(ctx context.Context, now time.Time, horizon time.Duration) (*time.Time, error)
	// MaterializeExecution inserts exec and moves the task's next_run_at
	// in one transaction. Inserting the same (task, scheduled_for,
	// attempt) twice is a no-op, so a leader handover cannot duplicate
	// work. disable additionally flips the task off (one-shot tasks).
	MaterializeExecution(ctx context.Context, exec *Execution, nextRunAt *time.Time, disable bool) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, orgID, id string) (*Execution, error)
	ListExecutions(ctx context.Context, orgID string, f ExecutionFilter) ([]*Execution, error)
	// ClaimExecution atomically picks the best eligible pending execution
	// and marks it running for workerID. Eligible means due, org below its
	// tier's concurrency cap, queue not paused and queue idle. Returns
	// (nil, nil) when nothing is claimable.
	ClaimExecution(ctx context.Context, workerID string, now time.Time, freeCap, proCap int) (*Execution, error)
	// FinishExecution records a terminal outcome. The row must still be
	// running; anything else returns ErrConflict.
	FinishExecution(ctx context.Context, id string, out ExecutionOutcome) error
	DeletePendingByQueue(ctx context.Context, orgID, queue string) (int64, error)
	// ReapStuckExecutions fails running executions started before cutoff
	// (their worker is gone) and returns them for follow-up accounting.
	ReapStuckExecutions(ctx context.Context, cutoff, now time.Time) ([]*ReapedExecution, error)

	// Queues
	UpsertQueue(ctx context.Context, orgID, name string) error
	GetQueue(ctx context.Context, orgID, name string) (*Queue, error)
	ListQueues(ctx context.Context, orgID string) ([]*Queue, error)
	SetQueuePaused(ctx context.Context, orgID, name string, paused bool) error

	// Endpoints and inbound events
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, orgID, id string) (*Endpoint, error)
	GetEndpointBySlug(ctx context.Context, slug string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	// DeleteEndpoint removes the endpoint and soft-deletes its fan-out
	// tasks in one transaction.
	DeleteEndpoint(ctx context.Context, orgID, id string, at time.Time) error
	CreateInboundEvent(ctx context.Context, ev *InboundEvent) error
	GetInboundEvent(ctx context.Context, endpointID, id string) (*InboundEvent, error)
	ListInboundEvents(ctx context.Context, endpointID string, limit int) ([]*InboundEvent, error)

	// Monitors
	CreateMonitor(ctx context.Context, m *Monitor) error
	GetMonitor(ctx context.Context, orgID, id string) (*Monitor, error)
	GetMonitorByToken(ctx context.Context, token string) (*Monitor, error)
	ListMonitors(ctx context.Context, orgID string) ([]*Monitor, error)
	UpdateMonitor(ctx context.Context, m *Monitor) error
	DeleteMonitor(ctx context.Context, orgID, id string) error
	// RecordPing stores the ping and advances the monitor's state in one
	// transaction.
	RecordPing(ctx context.Context, ping *MonitorPing, nextExpected time.Time, status MonitorStatus) error
	ListPings(ctx context.Context, monitorID string, limit int) ([]*MonitorPing, error)
	// OverdueMonitors returns enabled monitors that have pinged before and
	// are past next_expected_at plus grace.
	OverdueMonitors(ctx context.Context, now time.Time) ([]*Monitor, error)
	// MarkMonitorDown flips the monitor to down unless it already is, and
	// reports whether this caller performed the transition.
	MarkMonitorDown(ctx context.Context, id string, at time.Time) (bool, error)

	// Idempotency
	// BeginIdempotent claims (orgID, key) with a placeholder. ok means the
	// caller owns the key and must complete or abort it; otherwise the
	// existing record is returned.
	BeginIdempotent(ctx context.Context, orgID, key string, at time.Time) (rec *IdempotencyRecord, ok bool, err error)
	CompleteIdempotent(ctx context.Context, orgID, key string, status int, body []byte) error
	AbortIdempotent(ctx context.Context, orgID, key string) error
	PurgeIdempotency(ctx context.Context, olderThan time.Time) (int64, error)

	// Invites
	CreateInvite(ctx context.Context, inv *OrgInvite) error
	GetInvite(ctx context.Context, token string) (*OrgInvite, error)
	AcceptInvite(ctx context.Context, token string, at time.Time) (*OrgInvite, error)

	// Notification throttle log. The throttle bucket is (org, kind);
	// target is recorded for the audit trail only.
	RecentNotify(ctx context.Context, orgID string, kind NotifyKind, since time.Time) (bool, error)
	RecordNotify(ctx context.Context, orgID string, kind NotifyKind, target string, at time.Time) error

	// Stats
	OrgOverview(ctx context.Context, orgID string, now time.Time) (*OrgOverview, error)
	RecordAPILatency(ctx context.Context, route string, bucket time.Time, durMS int64) error
	LatencyStats(ctx context.Context, since time.Time) ([]*APILatency, error)

	Ping(ctx context.Context) error
	Close()
}
