package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds all state in process memory. It implements the Store
// interface and backs single-node development and tests. A single mutex
// makes every operation atomic, which is what the claim path needs.
type MemoryStore struct {
	mu            sync.Mutex
	orgs          map[string]*Organization
	apiKeys       map[string]*APIKey
	keyIDs        map[string]string // key_id -> id
	tasks         map[string]*Task
	executions    map[string]*Execution
	queues        map[string]*Queue // orgID/name
	endpoints     map[string]*Endpoint
	slugs         map[string]string // slug -> id
	inboundEvents map[string][]*InboundEvent
	monitors      map[string]*Monitor
	tokens        map[string]string // ping_token -> id
	pings         map[string][]*MonitorPing
	idempotency   map[string]*IdempotencyRecord // orgID/key
	invites       map[string]*OrgInvite
	notifyLog     []notifyEntry
	latency       map[string]*APILatency // route/bucket
}

type notifyEntry struct {
	orgID  string
	kind   NotifyKind
	target string
	sentAt time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:          make(map[string]*Organization),
		apiKeys:       make(map[string]*APIKey),
		keyIDs:        make(map[string]string),
		tasks:         make(map[string]*Task),
		executions:    make(map[string]*Execution),
		queues:        make(map[string]*Queue),
		endpoints:     make(map[string]*Endpoint),
		slugs:         make(map[string]string),
		inboundEvents: make(map[string][]*InboundEvent),
		monitors:      make(map[string]*Monitor),
		tokens:        make(map[string]string),
		pings:         make(map[string][]*MonitorPing),
		idempotency:   make(map[string]*IdempotencyRecord),
		invites:       make(map[string]*OrgInvite),
		latency:       make(map[string]*APILatency),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func queueKey(orgID, name string) string { return orgID + "/" + name }

// --- Organization Operations ---

func (s *MemoryStore) CreateOrganization(ctx context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return fmt.Errorf("organization %s: %w", org.ID, ErrConflict)
	}
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, nil
	}
	cp := *org
	return &cp, nil
}

func (s *MemoryStore) UpdateOrganizationNotify(ctx context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orgs[org.ID]
	if !ok {
		return fmt.Errorf("organization %s: %w", org.ID, ErrNotFound)
	}
	cur.Name = org.Name
	cur.Tier = org.Tier
	cur.NotifyOnFailure = org.NotifyOnFailure
	cur.NotifyOnRecovery = org.NotifyOnRecovery
	cur.NotifyEmail = org.NotifyEmail
	cur.NotifyWebhookURL = org.NotifyWebhookURL
	return nil
}

func nextMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func (s *MemoryStore) RecordQuotaUsage(ctx context.Context, orgID string, now time.Time) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return nil, fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
	}
	if !org.ResetAt.After(now) {
		org.ExecCount = 0
		org.WarningSentAt = nil
		org.ReachedSentAt = nil
		org.ResetAt = nextMonth(now)
	}
	org.ExecCount++
	cp := *org
	return &cp, nil
}

func (s *MemoryStore) MarkQuotaWarningSent(ctx context.Context, orgID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgID]
	if !ok || org.WarningSentAt != nil {
		return false, nil
	}
	t := at
	org.WarningSentAt = &t
	return true, nil
}

func (s *MemoryStore) MarkQuotaReachedSent(ctx context.Context, orgID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgID]
	if !ok || org.ReachedSentAt != nil {
		return false, nil
	}
	t := at
	org.ReachedSentAt = &t
	return true, nil
}

func (s *MemoryStore) ResetExpiredQuotas(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, org := range s.orgs {
		if org.ResetAt.After(now) {
			continue
		}
		org.ExecCount = 0
		org.WarningSentAt = nil
		org.ReachedSentAt = nil
		org.ResetAt = nextMonth(now)
		n++
	}
	return n, nil
}

// --- API Key Operations ---

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keyIDs[key.KeyID]; ok {
		return fmt.Errorf("key id %s: %w", key.KeyID, ErrConflict)
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	s.keyIDs[key.KeyID] = key.ID
	return nil
}

func (s *MemoryStore) GetAPIKeyByKeyID(ctx context.Context, keyID string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keyIDs[keyID]
	if !ok {
		return nil, nil
	}
	cp := *s.apiKeys[id]
	return &cp, nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context, orgID string) ([]*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*APIKey
	for _, k := range s.apiKeys {
		if k.OrganizationID == orgID {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) DeleteAPIKey(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.OrganizationID != orgID {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	delete(s.apiKeys, id)
	delete(s.keyIDs, k.KeyID)
	return nil
}

func (s *MemoryStore) TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		t := at
		k.LastUsedAt = &t
	}
	return nil
}

// --- Task Operations ---

func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, orgID, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.OrganizationID != orgID || t.DeletedAt != nil {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTaskByID(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, orgID string, f TaskFilter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []*Task
	for _, t := range s.tasks {
		if t.OrganizationID != orgID || t.DeletedAt != nil || t.EndpointID != nil {
			continue
		}
		if f.Enabled != nil && t.Enabled != *f.Enabled {
			continue
		}
		if f.Queue != nil && (t.Queue == nil || *t.Queue != *f.Queue) {
			continue
		}
		if f.ScheduleType != nil && t.ScheduleType != *f.ScheduleType {
			continue
		}
		cp := *t
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[f.Offset:]
	}
	if f.Limit > 0 && len(tasks) > f.Limit {
		tasks = tasks[:f.Limit]
	}
	return tasks, nil
}

func (s *MemoryStore) ListTasksByEndpoint(ctx context.Context, endpointID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []*Task
	for _, t := range s.tasks {
		if t.EndpointID != nil && *t.EndpointID == endpointID && t.DeletedAt == nil {
			cp := *t
			tasks = append(tasks, &cp)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[task.ID]
	if !ok || cur.OrganizationID != task.OrganizationID || cur.DeletedAt != nil {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	cp := *task
	cp.CreatedAt = cur.CreatedAt
	cp.LastExecutionAt = cur.LastExecutionAt
	cp.LastExecutionStatus = cur.LastExecutionStatus
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) SetTaskEnabled(ctx context.Context, orgID, id string, enabled bool, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.OrganizationID != orgID || t.DeletedAt != nil {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.Enabled = enabled
	t.NextRunAt = nextRunAt
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SoftDeleteTask(ctx context.Context, orgID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.OrganizationID != orgID || t.DeletedAt != nil {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	ts := at
	t.DeletedAt = &ts
	t.Enabled = false
	t.NextRunAt = nil
	t.UpdatedAt = at
	return nil
}

func (s *MemoryStore) UpdateTaskLastExecution(ctx context.Context, taskID string, at time.Time, status ExecStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		ts := at
		st := status
		t.LastExecutionAt = &ts
		t.LastExecutionStatus = &st
	}
	return nil
}

// --- Scheduler Operations ---

func (s *MemoryStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Task
	for _, t := range s.tasks {
		if !t.Enabled || t.DeletedAt != nil || t.NextRunAt == nil {
			continue
		}
		if t.NextRunAt.After(now) {
			continue
		}
		cp := *t
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) NextDueAt(ctx context.Context, now time.Time, horizon time.Duration) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	edge := now.Add(horizon)
	var next *time.Time
	for _, t := range s.tasks {
		if !t.Enabled || t.DeletedAt != nil || t.NextRunAt == nil {
			continue
		}
		if t.NextRunAt.After(edge) {
			continue
		}
		if next == nil || t.NextRunAt.Before(*next) {
			cp := *t.NextRunAt
			next = &cp
		}
	}
	return next, nil
}

func (s *MemoryStore) MaterializeExecution(ctx context.Context, exec *Execution, nextRunAt *time.Time, disable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasExecutionLocked(exec.TaskID, exec.ScheduledFor, exec.Attempt) {
		cp := *exec
		cp.Status = ExecPending
		s.executions[exec.ID] = &cp
	}
	if t, ok := s.tasks[exec.TaskID]; ok {
		t.NextRunAt = nextRunAt
		if disable {
			t.Enabled = false
		}
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) hasExecutionLocked(taskID string, scheduledFor time.Time, attempt int) bool {
	for _, e := range s.executions {
		if e.TaskID == taskID && e.ScheduledFor.Equal(scheduledFor) && e.Attempt == attempt {
			return true
		}
	}
	return false
}

// --- Execution Operations ---

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasExecutionLocked(exec.TaskID, exec.ScheduledFor, exec.Attempt) {
		return nil
	}
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, orgID, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.OrganizationID != orgID {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, orgID string, f ExecutionFilter) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var execs []*Execution
	for _, e := range s.executions {
		if e.OrganizationID != orgID || e.Internal {
			continue
		}
		if f.TaskID != nil && e.TaskID != *f.TaskID {
			continue
		}
		if f.Status != nil && e.Status != *f.Status {
			continue
		}
		if f.Queue != nil && (e.Queue == nil || *e.Queue != *f.Queue) {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		cp := *e
		execs = append(execs, &cp)
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].CreatedAt.After(execs[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(execs) {
			return nil, nil
		}
		execs = execs[f.Offset:]
	}
	if f.Limit > 0 && len(execs) > f.Limit {
		execs = execs[:f.Limit]
	}
	return execs, nil
}

func (s *MemoryStore) ClaimExecution(ctx context.Context, workerID string, now time.Time, freeCap, proCap int) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := make(map[string]int)     // orgID -> running count
	busyQueues := make(map[string]bool) // orgID/queue -> running
	for _, e := range s.executions {
		if e.Status != ExecRunning {
			continue
		}
		running[e.OrganizationID]++
		if e.Queue != nil {
			busyQueues[queueKey(e.OrganizationID, *e.Queue)] = true
		}
	}

	var best *Execution
	var bestPro bool
	for _, e := range s.executions {
		if e.Status != ExecPending || e.ScheduledFor.After(now) {
			continue
		}
		org, ok := s.orgs[e.OrganizationID]
		if !ok {
			continue
		}
		orgCap := freeCap
		if org.Tier == TierPro {
			orgCap = proCap
		}
		if running[e.OrganizationID] >= orgCap {
			continue
		}
		if e.Queue != nil {
			if q, ok := s.queues[queueKey(e.OrganizationID, *e.Queue)]; ok && q.Paused {
				continue
			}
			if busyQueues[queueKey(e.OrganizationID, *e.Queue)] {
				continue
			}
		}
		pro := org.Tier == TierPro
		if best == nil || claimBefore(e, pro, best, bestPro) {
			best, bestPro = e, pro
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = ExecRunning
	ts := now
	best.StartedAt = &ts
	w := workerID
	best.ClaimedBy = &w
	cp := *best
	return &cp, nil
}

// claimBefore orders candidates by tier (pro first), scheduled_for, id.
func claimBefore(a *Execution, aPro bool, b *Execution, bPro bool) bool {
	if aPro != bPro {
		return aPro
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) FinishExecution(ctx context.Context, id string, out ExecutionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != ExecRunning {
		return fmt.Errorf("execution %s is not running: %w", id, ErrConflict)
	}
	e.Status = out.Status
	ts := out.FinishedAt
	e.FinishedAt = &ts
	e.StatusCode = out.StatusCode
	d := out.DurationMS
	e.DurationMS = &d
	e.ResponseBody = nullString(out.ResponseBody)
	e.ErrorMessage = nullString(out.ErrorMessage)
	return nil
}

func (s *MemoryStore) DeletePendingByQueue(ctx context.Context, orgID, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.executions {
		if e.OrganizationID == orgID && e.Queue != nil && *e.Queue == queue && e.Status == ExecPending {
			delete(s.executions, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReapStuckExecutions(ctx context.Context, cutoff, now time.Time) ([]*ReapedExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reaped []*ReapedExecution
	for _, e := range s.executions {
		if e.Status != ExecRunning || e.StartedAt == nil || !e.StartedAt.Before(cutoff) {
			continue
		}
		e.Status = ExecFailed
		ts := now
		e.FinishedAt = &ts
		msg := "worker lost"
		e.ErrorMessage = &msg
		reaped = append(reaped, &ReapedExecution{
			ID:             e.ID,
			TaskID:         e.TaskID,
			OrganizationID: e.OrganizationID,
			Attempt:        e.Attempt,
			Internal:       e.Internal,
		})
	}
	return reaped, nil
}

// --- Queue Operations ---

func (s *MemoryStore) UpsertQueue(ctx context.Context, orgID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := queueKey(orgID, name)
	if _, ok := s.queues[key]; !ok {
		s.queues[key] = &Queue{
			OrganizationID: orgID,
			Name:           name,
			CreatedAt:      time.Now().UTC(),
		}
	}
	return nil
}

func (s *MemoryStore) GetQueue(ctx context.Context, orgID, name string) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueKey(orgID, name)]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) ListQueues(ctx context.Context, orgID string) ([]*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queues []*Queue
	for _, q := range s.queues {
		if q.OrganizationID == orgID {
			cp := *q
			queues = append(queues, &cp)
		}
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

func (s *MemoryStore) SetQueuePaused(ctx context.Context, orgID, name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueKey(orgID, name)]
	if !ok {
		return fmt.Errorf("queue %s: %w", name, ErrNotFound)
	}
	q.Paused = paused
	return nil
}

// --- Endpoint Operations ---

func (s *MemoryStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slugs[ep.Slug]; ok {
		return fmt.Errorf("slug %s already taken: %w", ep.Slug, ErrConflict)
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	s.slugs[ep.Slug] = ep.ID
	return nil
}

func (s *MemoryStore) GetEndpoint(ctx context.Context, orgID, id string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok || ep.OrganizationID != orgID {
		return nil, nil
	}
	cp := *ep
	return &cp, nil
}

func (s *MemoryStore) GetEndpointBySlug(ctx context.Context, slug string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.slugs[slug]
	if !ok {
		return nil, nil
	}
	cp := *s.endpoints[id]
	return &cp, nil
}

func (s *MemoryStore) ListEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var eps []*Endpoint
	for _, ep := range s.endpoints {
		if ep.OrganizationID == orgID {
			cp := *ep
			eps = append(eps, &cp)
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].CreatedAt.After(eps[j].CreatedAt) })
	return eps, nil
}

func (s *MemoryStore) UpdateEndpoint(ctx context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.endpoints[ep.ID]
	if !ok || cur.OrganizationID != ep.OrganizationID {
		return fmt.Errorf("endpoint %s: %w", ep.ID, ErrNotFound)
	}
	cp := *ep
	cp.Slug = cur.Slug
	cp.CreatedAt = cur.CreatedAt
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteEndpoint(ctx context.Context, orgID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok || ep.OrganizationID != orgID {
		return fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	for _, t := range s.tasks {
		if t.EndpointID != nil && *t.EndpointID == id && t.DeletedAt == nil {
			ts := at
			t.DeletedAt = &ts
			t.Enabled = false
			t.NextRunAt = nil
			t.UpdatedAt = at
		}
	}
	delete(s.endpoints, id)
	delete(s.slugs, ep.Slug)
	return nil
}

func (s *MemoryStore) CreateInboundEvent(ctx context.Context, ev *InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.inboundEvents[ev.EndpointID] = append(s.inboundEvents[ev.EndpointID], &cp)
	return nil
}

func (s *MemoryStore) GetInboundEvent(ctx context.Context, endpointID, id string) (*InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.inboundEvents[endpointID] {
		if ev.ID == id {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListInboundEvents(ctx context.Context, endpointID string, limit int) ([]*InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.inboundEvents[endpointID]
	var events []*InboundEvent
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(events) < limit); i-- {
		cp := *all[i]
		events = append(events, &cp)
	}
	return events, nil
}

// --- Monitor Operations ---

func (s *MemoryStore) CreateMonitor(ctx context.Context, m *Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[m.PingToken]; ok {
		return fmt.Errorf("ping token: %w", ErrConflict)
	}
	cp := *m
	s.monitors[m.ID] = &cp
	s.tokens[m.PingToken] = m.ID
	return nil
}

func (s *MemoryStore) GetMonitor(ctx context.Context, orgID, id string) (*Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok || m.OrganizationID != orgID {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMonitorByToken(ctx context.Context, token string) (*Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return nil, nil
	}
	cp := *s.monitors[id]
	return &cp, nil
}

func (s *MemoryStore) ListMonitors(ctx context.Context, orgID string) ([]*Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var monitors []*Monitor
	for _, m := range s.monitors {
		if m.OrganizationID == orgID {
			cp := *m
			monitors = append(monitors, &cp)
		}
	}
	sort.Slice(monitors, func(i, j int) bool { return monitors[i].CreatedAt.After(monitors[j].CreatedAt) })
	return monitors, nil
}

func (s *MemoryStore) UpdateMonitor(ctx context.Context, m *Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.monitors[m.ID]
	if !ok || cur.OrganizationID != m.OrganizationID {
		return fmt.Errorf("monitor %s: %w", m.ID, ErrNotFound)
	}
	cp := *m
	cp.PingToken = cur.PingToken
	cp.LastPingAt = cur.LastPingAt
	cp.CreatedAt = cur.CreatedAt
	s.monitors[m.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteMonitor(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok || m.OrganizationID != orgID {
		return fmt.Errorf("monitor %s: %w", id, ErrNotFound)
	}
	delete(s.monitors, id)
	delete(s.tokens, m.PingToken)
	delete(s.pings, id)
	return nil
}

func (s *MemoryStore) RecordPing(ctx context.Context, ping *MonitorPing, nextExpected time.Time, status MonitorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[ping.MonitorID]
	if !ok {
		return fmt.Errorf("monitor %s: %w", ping.MonitorID, ErrNotFound)
	}
	cp := *ping
	s.pings[ping.MonitorID] = append(s.pings[ping.MonitorID], &cp)
	ts := ping.ReceivedAt
	ne := nextExpected
	m.LastPingAt = &ts
	m.NextExpectedAt = &ne
	m.Status = status
	m.UpdatedAt = ping.ReceivedAt
	return nil
}

func (s *MemoryStore) ListPings(ctx context.Context, monitorID string, limit int) ([]*MonitorPing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.pings[monitorID]
	var pings []*MonitorPing
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(pings) < limit); i-- {
		cp := *all[i]
		pings = append(pings, &cp)
	}
	return pings, nil
}

func (s *MemoryStore) OverdueMonitors(ctx context.Context, now time.Time) ([]*Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var overdue []*Monitor
	for _, m := range s.monitors {
		if !m.Enabled || m.Status == MonitorDown || m.LastPingAt == nil || m.NextExpectedAt == nil {
			continue
		}
		deadline := m.NextExpectedAt.Add(time.Duration(m.GracePeriodSeconds) * time.Second)
		if deadline.Before(now) {
			cp := *m
			overdue = append(overdue, &cp)
		}
	}
	return overdue, nil
}

func (s *MemoryStore) MarkMonitorDown(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok || m.Status == MonitorDown {
		return false, nil
	}
	m.Status = MonitorDown
	m.UpdatedAt = at
	return true, nil
}

// --- Idempotency Operations ---

func (s *MemoryStore) BeginIdempotent(ctx context.Context, orgID, key string, at time.Time) (*IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := orgID + "/" + key
	if rec, ok := s.idempotency[k]; ok {
		cp := *rec
		return &cp, false, nil
	}
	s.idempotency[k] = &IdempotencyRecord{
		OrganizationID: orgID,
		Key:            key,
		InsertedAt:     at,
	}
	return nil, true, nil
}

func (s *MemoryStore) CompleteIdempotent(ctx context.Context, orgID, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.idempotency[orgID+"/"+key]; ok {
		st := status
		rec.StatusCode = &st
		rec.ResponseBody = body
	}
	return nil
}

func (s *MemoryStore) AbortIdempotent(ctx context.Context, orgID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := orgID + "/" + key
	if rec, ok := s.idempotency[k]; ok && rec.StatusCode == nil {
		delete(s.idempotency, k)
	}
	return nil
}

func (s *MemoryStore) PurgeIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.idempotency {
		if rec.InsertedAt.Before(olderThan) {
			delete(s.idempotency, k)
			n++
		}
	}
	return n, nil
}

// --- Invite Operations ---

func (s *MemoryStore) CreateInvite(ctx context.Context, inv *OrgInvite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.invites[inv.Token] = &cp
	return nil
}

func (s *MemoryStore) GetInvite(ctx context.Context, token string) (*OrgInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[token]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryStore) AcceptInvite(ctx context.Context, token string, at time.Time) (*OrgInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[token]
	if !ok {
		return nil, fmt.Errorf("invite: %w", ErrNotFound)
	}
	if inv.AcceptedAt != nil {
		return nil, fmt.Errorf("invite already accepted: %w", ErrConflict)
	}
	if !inv.ExpiresAt.After(at) {
		return nil, ErrInviteExpired
	}
	ts := at
	inv.AcceptedAt = &ts
	cp := *inv
	return &cp, nil
}

// --- Notification Throttle Log ---

func (s *MemoryStore) RecentNotify(ctx context.Context, orgID string, kind NotifyKind, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.notifyLog {
		if e.orgID == orgID && e.kind == kind && e.sentAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) RecordNotify(ctx context.Context, orgID string, kind NotifyKind, target string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyLog = append(s.notifyLog, notifyEntry{orgID: orgID, kind: kind, target: target, sentAt: at})
	return nil
}

// --- Stats Operations ---

func (s *MemoryStore) OrgOverview(ctx context.Context, orgID string, now time.Time) (*OrgOverview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := now.Add(-24 * time.Hour)
	var ov OrgOverview
	for _, t := range s.tasks {
		if t.OrganizationID != orgID || t.DeletedAt != nil || t.EndpointID != nil {
			continue
		}
		ov.Tasks++
		if t.Enabled {
			ov.EnabledTasks++
		}
	}
	for _, m := range s.monitors {
		if m.OrganizationID != orgID {
			continue
		}
		ov.Monitors++
		if m.Status == MonitorDown {
			ov.MonitorsDown++
		}
	}
	for _, e := range s.executions {
		if e.OrganizationID != orgID || e.Internal {
			continue
		}
		switch e.Status {
		case ExecPending:
			ov.Pending++
		case ExecRunning:
			ov.Running++
		case ExecSuccess, ExecFailed, ExecTimeout:
			if e.FinishedAt != nil && e.FinishedAt.After(since) {
				switch e.Status {
				case ExecSuccess:
					ov.Success24h++
				case ExecFailed:
					ov.Failed24h++
				case ExecTimeout:
					ov.Timeout24h++
				}
			}
		}
	}
	return &ov, nil
}

func (s *MemoryStore) RecordAPILatency(ctx context.Context, route string, bucket time.Time, durMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := route + "/" + bucket.UTC().Format(time.RFC3339)
	l, ok := s.latency[k]
	if !ok {
		l = &APILatency{Route: route, Bucket: bucket}
		s.latency[k] = l
	}
	l.Count++
	l.TotalMS += durMS
	if durMS > l.MaxMS {
		l.MaxMS = durMS
	}
	return nil
}

func (s *MemoryStore) LatencyStats(ctx context.Context, since time.Time) ([]*APILatency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats []*APILatency
	for _, l := range s.latency {
		if !l.Bucket.Before(since) {
			cp := *l
			stats = append(stats, &cp)
		}
	}
	sort.Slice(stats, func(i, j int) bool {
		if !stats[i].Bucket.Equal(stats[j].Bucket) {
			return stats[i].Bucket.After(stats[j].Bucket)
		}
		return stats[i].Route < stats[j].Route
	})
	return stats, nil
}
