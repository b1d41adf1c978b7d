package main

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tickloom/tickloom/server/cron"
	"github.com/tickloom/tickloom/server/store"
)

const (
	minTimeoutMS     = 1000
	maxTimeoutMS     = 300000
	defaultTimeoutMS = 30000
	maxRetryAttempts = 10
	maxBatchSize     = 1000
)

var (
	allowedMethods = map[string]bool{
		http.MethodGet:    true,
		http.MethodPost:   true,
		http.MethodPut:    true,
		http.MethodPatch:  true,
		http.MethodDelete: true,
	}
	queueNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)
)

// taskRequest is the wire shape shared by create, update, batch items
// and sync entries. Body travels as a plain string.
type taskRequest struct {
	Name                string            `json:"name"`
	URL                 string            `json:"url"`
	Method              string            `json:"method"`
	Headers             map[string]string `json:"headers"`
	Body                string            `json:"body"`
	ScheduleType        string            `json:"schedule_type"`
	CronExpression      *string           `json:"cron_expression"`
	ScheduledAt         *time.Time        `json:"scheduled_at"`
	Enabled             *bool             `json:"enabled"`
	TimeoutMS           *int              `json:"timeout_ms"`
	RetryAttempts       *int              `json:"retry_attempts"`
	CallbackURL         *string           `json:"callback_url"`
	ExpectedStatusCodes []int             `json:"expected_status_codes"`
	ExpectedBodyPattern *string           `json:"expected_body_pattern"`
	Queue               *string           `json:"queue"`
	NotifyOnFailure     *bool             `json:"notify_on_failure"`
	NotifyOnRecovery    *bool             `json:"notify_on_recovery"`
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// validateTask normalizes req in place and returns per-field messages.
// An empty map means the request is acceptable.
func validateTask(req *taskRequest) map[string]string {
	details := map[string]string{}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		details["name"] = "required"
	} else if len(req.Name) > 200 {
		details["name"] = "at most 200 characters"
	}

	if req.URL == "" {
		details["url"] = "required"
	} else if !validHTTPURL(req.URL) {
		details["url"] = "must be an absolute http(s) URL"
	}

	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	if !allowedMethods[req.Method] {
		details["method"] = "must be one of GET, POST, PUT, PATCH, DELETE"
	}

	switch store.ScheduleType(req.ScheduleType) {
	case store.ScheduleCron:
		if req.CronExpression == nil || *req.CronExpression == "" {
			details["cron_expression"] = "required for cron tasks"
		} else if err := cron.Validate(*req.CronExpression); err != nil {
			details["cron_expression"] = err.Error()
		}
	case store.ScheduleOnce:
		if req.ScheduledAt == nil {
			details["scheduled_at"] = "required for one-shot tasks"
		}
	default:
		details["schedule_type"] = "must be cron or once"
	}

	if req.TimeoutMS != nil && (*req.TimeoutMS < minTimeoutMS || *req.TimeoutMS > maxTimeoutMS) {
		details["timeout_ms"] = "must be between 1000 and 300000"
	}
	if req.RetryAttempts != nil && (*req.RetryAttempts < 0 || *req.RetryAttempts > maxRetryAttempts) {
		details["retry_attempts"] = "must be between 0 and 10"
	}
	if req.CallbackURL != nil && *req.CallbackURL != "" && !validHTTPURL(*req.CallbackURL) {
		details["callback_url"] = "must be an absolute http(s) URL"
	}
	for _, c := range req.ExpectedStatusCodes {
		if c < 100 || c > 599 {
			details["expected_status_codes"] = "status codes must be between 100 and 599"
			break
		}
	}
	if req.Queue != nil && !queueNameRe.MatchString(*req.Queue) {
		details["queue"] = "letters, digits, dot, dash and underscore only, at most 64 characters"
	}
	return details
}

// buildTask turns a validated request into a task row with defaults
// applied and the first next_run_at computed.
func buildTask(orgID string, req *taskRequest, now time.Time) *store.Task {
	t := &store.Task{
		ID:                  uuid.NewString(),
		OrganizationID:      orgID,
		Name:                req.Name,
		URL:                 req.URL,
		Method:              req.Method,
		Headers:             req.Headers,
		ScheduleType:        store.ScheduleType(req.ScheduleType),
		CronExpression:      req.CronExpression,
		ScheduledAt:         req.ScheduledAt,
		Enabled:             true,
		TimeoutMS:           defaultTimeoutMS,
		CallbackURL:         req.CallbackURL,
		ExpectedStatusCodes: req.ExpectedStatusCodes,
		ExpectedBodyPattern: req.ExpectedBodyPattern,
		Queue:               req.Queue,
		NotifyOnFailure:     req.NotifyOnFailure,
		NotifyOnRecovery:    req.NotifyOnRecovery,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if req.Body != "" {
		t.Body = []byte(req.Body)
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	if req.TimeoutMS != nil {
		t.TimeoutMS = *req.TimeoutMS
	}
	if req.RetryAttempts != nil {
		t.RetryAttempts = *req.RetryAttempts
	}
	if t.Enabled {
		t.NextRunAt = initialNextRun(t, now)
	}
	return t
}

func initialNextRun(t *store.Task, now time.Time) *time.Time {
	switch t.ScheduleType {
	case store.ScheduleCron:
		next, err := cron.Next(*t.CronExpression, now)
		if err != nil {
			return nil
		}
		return &next
	case store.ScheduleOnce:
		// Past scheduled_at is allowed; one-shot tasks fire even late.
		return t.ScheduledAt
	}
	return nil
}

// --- Task CRUD ---

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if details := validateTask(&req); len(details) > 0 {
		writeValidation(w, details)
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	task := buildTask(org.ID, &req, now)
	if task.Queue != nil {
		if err := a.store.UpsertQueue(ctx, org.ID, *task.Queue); err != nil {
			a.storeError(w, err)
			return
		}
	}
	if err := a.store.CreateTask(ctx, task); err != nil {
		a.storeError(w, err)
		return
	}
	a.bus.WakeScheduler(ctx)
	writeData(w, http.StatusCreated, task)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	task, err := a.store.GetTask(r.Context(), org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeData(w, http.StatusOK, task)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	q := r.URL.Query()
	limit, offset := pageParams(r, 50, 500)
	f := store.TaskFilter{Limit: limit, Offset: offset}
	if v := q.Get("enabled"); v != "" {
		b := v == "true"
		f.Enabled = &b
	}
	if v := q.Get("queue"); v != "" {
		f.Queue = &v
	}
	if v := q.Get("schedule_type"); v != "" {
		st := store.ScheduleType(v)
		f.ScheduleType = &st
	}
	tasks, err := a.store.ListTasks(r.Context(), org.ID, f)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeData(w, http.StatusOK, tasks)
}

// handleUpdateTask replaces the mutable fields wholesale and recomputes
// next_run_at from the new schedule. Execution history and identity are
// preserved.
func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	existing, err := a.store.GetTask(ctx, org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}

	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if details := validateTask(&req); len(details) > 0 {
		writeValidation(w, details)
		return
	}

	now := time.Now().UTC()
	updated := buildTask(org.ID, &req, now)
	updated.ID = existing.ID
	updated.EndpointID = existing.EndpointID
	updated.CreatedAt = existing.CreatedAt

	if updated.Queue != nil {
		if err := a.store.UpsertQueue(ctx, org.ID, *updated.Queue); err != nil {
			a.storeError(w, err)
			return
		}
	}
	if err := a.store.UpdateTask(ctx, updated); err != nil {
		a.storeError(w, err)
		return
	}
	a.bus.WakeScheduler(ctx)
	writeData(w, http.StatusOK, updated)
}

func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	id := r.PathValue("id")
	if err := a.store.SoftDeleteTask(r.Context(), org.ID, id, time.Now().UTC()); err != nil {
		a.storeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, map[string]string{"id": id}, "task deleted")
}

// handleCancelQueue removes every pending execution in ?queue=. Running
// executions finish on their own.
func (a *API) handleCancelQueue(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	queue := r.URL.Query().Get("queue")
	if queue == "" {
		writeValidation(w, map[string]string{"queue": "required"})
		return
	}
	n, err := a.store.DeletePendingByQueue(r.Context(), org.ID, queue)
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, map[string]any{"cancelled": n, "queue": queue}, "pending executions cancelled")
}

// handleTriggerTask inserts an immediate pending execution outside the
// schedule. Quota admission applies; the run itself happens async.
func (a *API) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	task, err := a.store.GetTask(ctx, org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}

	now := time.Now().UTC()
	if err := a.quota.Admit(ctx, org.ID, now); err != nil {
		a.storeError(w, err)
		return
	}

	exec := &store.Execution{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		OrganizationID: org.ID,
		Queue:          task.Queue,
		Status:         store.ExecPending,
		ScheduledFor:   now,
		Attempt:        1,
		CallbackURL:    task.CallbackURL,
		CreatedAt:      now,
	}
	if err := a.store.CreateExecution(ctx, exec); err != nil {
		a.storeError(w, err)
		return
	}
	a.bus.WakeWorkers(ctx)
	writeData(w, http.StatusAccepted, map[string]any{
		"execution_id":  exec.ID,
		"status":        exec.Status,
		"scheduled_for": exec.ScheduledFor,
	})
}

func (a *API) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	task, err := a.store.GetTask(ctx, org.ID, id)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if err := a.store.SetTaskEnabled(ctx, org.ID, id, false, task.NextRunAt); err != nil {
		a.storeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, map[string]any{"id": id, "enabled": false}, "task paused")
}

func (a *API) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	task, err := a.store.GetTask(ctx, org.ID, id)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	next := initialNextRun(task, time.Now().UTC())
	if err := a.store.SetTaskEnabled(ctx, org.ID, id, true, next); err != nil {
		a.storeError(w, err)
		return
	}
	a.bus.WakeScheduler(ctx)
	writeMessage(w, http.StatusOK, map[string]any{"id": id, "enabled": true, "next_run_at": next}, "task resumed")
}

// --- Batch create ---

type batchRequest struct {
	Queue        string        `json:"queue"`
	ScheduledFor *time.Time    `json:"scheduled_for"`
	Tasks        []taskRequest `json:"tasks"`
}

// handleBatchCreate bulk-creates one-shot tasks sharing a queue and a
// fire time. Validation is all-or-nothing before any row is written.
func (a *API) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}

	details := map[string]string{}
	if req.Queue == "" {
		details["queue"] = "required"
	} else if !queueNameRe.MatchString(req.Queue) {
		details["queue"] = "letters, digits, dot, dash and underscore only, at most 64 characters"
	}
	if len(req.Tasks) == 0 {
		details["tasks"] = "at least one task"
	} else if len(req.Tasks) > maxBatchSize {
		details["tasks"] = "at most 1000 tasks per batch"
	}
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}

	now := time.Now().UTC()
	scheduledFor := now
	if req.ScheduledFor != nil {
		scheduledFor = req.ScheduledFor.UTC()
	}
	for i := range req.Tasks {
		item := &req.Tasks[i]
		item.ScheduleType = string(store.ScheduleOnce)
		item.ScheduledAt = &scheduledFor
		item.Queue = &req.Queue
		for field, msg := range validateTask(item) {
			details["tasks["+strconv.Itoa(i)+"]."+field] = msg
		}
	}
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}

	ctx := r.Context()
	if err := a.quota.Admit(ctx, org.ID, now); err != nil {
		a.storeError(w, err)
		return
	}
	if err := a.store.UpsertQueue(ctx, org.ID, req.Queue); err != nil {
		a.storeError(w, err)
		return
	}
	for i := range req.Tasks {
		if err := a.store.CreateTask(ctx, buildTask(org.ID, &req.Tasks[i], now)); err != nil {
			a.storeError(w, err)
			return
		}
	}
	a.bus.WakeScheduler(ctx)
	writeData(w, http.StatusCreated, map[string]any{
		"created":       len(req.Tasks),
		"queue":         req.Queue,
		"scheduled_for": scheduledFor,
	})
}

// --- Declarative sync ---

type syncRequest struct {
	Tasks         []taskRequest `json:"tasks"`
	DeleteRemoved bool          `json:"delete_removed"`
}

// handleSync upserts the submitted task set keyed by name. With
// delete_removed, tasks absent from the submission are soft-deleted.
// Fan-out sibling tasks are machine-managed and never touched here.
func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}

	details := map[string]string{}
	seen := map[string]bool{}
	for i := range req.Tasks {
		item := &req.Tasks[i]
		for field, msg := range validateTask(item) {
			details["tasks["+strconv.Itoa(i)+"]."+field] = msg
		}
		if seen[item.Name] {
			details["tasks["+strconv.Itoa(i)+"].name"] = "duplicate name in submission"
		}
		seen[item.Name] = true
	}
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}

	ctx := r.Context()
	existing, err := a.store.ListTasks(ctx, org.ID, store.TaskFilter{})
	if err != nil {
		a.storeError(w, err)
		return
	}
	byName := make(map[string]*store.Task, len(existing))
	for _, t := range existing {
		if _, dup := byName[t.Name]; !dup {
			byName[t.Name] = t
		}
	}

	now := time.Now().UTC()
	var created, updated, deleted int
	for i := range req.Tasks {
		item := &req.Tasks[i]
		next := buildTask(org.ID, item, now)
		if item.Queue != nil {
			if err := a.store.UpsertQueue(ctx, org.ID, *item.Queue); err != nil {
				a.storeError(w, err)
				return
			}
		}
		if cur, ok := byName[item.Name]; ok {
			next.ID = cur.ID
			next.CreatedAt = cur.CreatedAt
			if err := a.store.UpdateTask(ctx, next); err != nil {
				a.storeError(w, err)
				return
			}
			updated++
		} else {
			if err := a.store.CreateTask(ctx, next); err != nil {
				a.storeError(w, err)
				return
			}
			created++
		}
	}
	if req.DeleteRemoved {
		for name, t := range byName {
			if seen[name] {
				continue
			}
			if err := a.store.SoftDeleteTask(ctx, org.ID, t.ID, now); err != nil {
				a.storeError(w, err)
				return
			}
			deleted++
		}
	}
	a.bus.WakeScheduler(ctx)
	writeData(w, http.StatusOK, map[string]int{
		"created": created,
		"updated": updated,
		"deleted": deleted,
	})
}

// --- Executions ---

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	q := r.URL.Query()
	limit, offset := pageParams(r, 50, 500)
	f := store.ExecutionFilter{Limit: limit, Offset: offset}
	if v := q.Get("task_id"); v != "" {
		f.TaskID = &v
	}
	if v := q.Get("status"); v != "" {
		st := store.ExecStatus(v)
		f.Status = &st
	}
	if v := q.Get("queue"); v != "" {
		f.Queue = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeValidation(w, map[string]string{"since": "must be RFC 3339"})
			return
		}
		f.Since = &since
	}
	execs, err := a.store.ListExecutions(r.Context(), org.ID, f)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	writeData(w, http.StatusOK, execs)
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	exec, err := a.store.GetExecution(r.Context(), org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	// Internal callback executions are plumbing, not API surface.
	if exec == nil || exec.Internal {
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
		return
	}
	writeData(w, http.StatusOK, exec)
}

func (a *API) handleListTaskExecutions(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	task, err := a.store.GetTask(ctx, org.ID, id)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	limit, offset := pageParams(r, 50, 500)
	execs, err := a.store.ListExecutions(ctx, org.ID, store.ExecutionFilter{TaskID: &id, Limit: limit, Offset: offset})
	if err != nil {
		a.storeError(w, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	writeData(w, http.StatusOK, execs)
}

// --- Queues ---

func (a *API) handleListQueues(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	queues, err := a.store.ListQueues(r.Context(), org.ID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if queues == nil {
		queues = []*store.Queue{}
	}
	writeData(w, http.StatusOK, queues)
}

// handlePauseQueue upserts first so a queue can be paused before any
// task references it.
func (a *API) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	name := r.PathValue("name")
	if !queueNameRe.MatchString(name) {
		writeValidation(w, map[string]string{"name": "letters, digits, dot, dash and underscore only, at most 64 characters"})
		return
	}
	if err := a.store.UpsertQueue(ctx, org.ID, name); err != nil {
		a.storeError(w, err)
		return
	}
	if err := a.store.SetQueuePaused(ctx, org.ID, name, true); err != nil {
		a.storeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, map[string]any{"name": name, "paused": true}, "queue paused")
}

func (a *API) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	name := r.PathValue("name")
	if err := a.store.SetQueuePaused(ctx, org.ID, name, false); err != nil {
		a.storeError(w, err)
		return
	}
	a.bus.WakeWorkers(ctx)
	writeMessage(w, http.StatusOK, map[string]any{"name": name, "paused": false}, "queue resumed")
}
