package main

import (
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tickloom/tickloom/server/auth"
	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/store"
)

const (
	maxForwardURLs       = 10
	defaultEndpointRetry = 5
)

var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,63}$`)

// Inbound headers never persisted: anything that carries a credential.
var strippedHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"X-Api-Key":           true,
}

type endpointRequest struct {
	Name             string            `json:"name"`
	Slug             string            `json:"slug"`
	ForwardURLs      []string          `json:"forward_urls"`
	ForwardMethod    *string           `json:"forward_method"`
	ForwardHeaders   map[string]string `json:"forward_headers"`
	ForwardBody      *string           `json:"forward_body"`
	RetryAttempts    *int              `json:"retry_attempts"`
	UseQueue         bool              `json:"use_queue"`
	Enabled          *bool             `json:"enabled"`
	NotifyOnFailure  *bool             `json:"notify_on_failure"`
	NotifyOnRecovery *bool             `json:"notify_on_recovery"`
	OnFailureURL     *string           `json:"on_failure_url"`
	OnRecoveryURL    *string           `json:"on_recovery_url"`
}

func validateEndpoint(req *endpointRequest) map[string]string {
	details := map[string]string{}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		details["name"] = "required"
	}
	if req.Slug != "" && !slugRe.MatchString(req.Slug) {
		details["slug"] = "lowercase letters, digits and dashes, 3 to 64 characters"
	}
	if len(req.ForwardURLs) == 0 {
		details["forward_urls"] = "at least one forward URL"
	} else if len(req.ForwardURLs) > maxForwardURLs {
		details["forward_urls"] = "at most 10 forward URLs"
	} else {
		for _, u := range req.ForwardURLs {
			if !validHTTPURL(u) {
				details["forward_urls"] = "every entry must be an absolute http(s) URL"
				break
			}
		}
	}
	if req.ForwardMethod != nil {
		*req.ForwardMethod = strings.ToUpper(strings.TrimSpace(*req.ForwardMethod))
		if *req.ForwardMethod != "" && !allowedMethods[*req.ForwardMethod] {
			details["forward_method"] = "must be one of GET, POST, PUT, PATCH, DELETE"
		}
	}
	if req.RetryAttempts != nil && (*req.RetryAttempts < 0 || *req.RetryAttempts > maxRetryAttempts) {
		details["retry_attempts"] = "must be between 0 and 10"
	}
	if req.OnFailureURL != nil && *req.OnFailureURL != "" && !validHTTPURL(*req.OnFailureURL) {
		details["on_failure_url"] = "must be an absolute http(s) URL"
	}
	if req.OnRecoveryURL != nil && *req.OnRecoveryURL != "" && !validHTTPURL(*req.OnRecoveryURL) {
		details["on_recovery_url"] = "must be an absolute http(s) URL"
	}
	return details
}

func applyEndpoint(ep *store.Endpoint, req *endpointRequest) {
	ep.Name = req.Name
	ep.ForwardURLs = req.ForwardURLs
	ep.ForwardMethod = req.ForwardMethod
	ep.ForwardHeaders = req.ForwardHeaders
	if req.ForwardBody != nil {
		ep.ForwardBody = []byte(*req.ForwardBody)
	} else {
		ep.ForwardBody = nil
	}
	ep.RetryAttempts = defaultEndpointRetry
	if req.RetryAttempts != nil {
		ep.RetryAttempts = *req.RetryAttempts
	}
	ep.UseQueue = req.UseQueue
	ep.Enabled = true
	if req.Enabled != nil {
		ep.Enabled = *req.Enabled
	}
	ep.NotifyOnFailure = req.NotifyOnFailure
	ep.NotifyOnRecovery = req.NotifyOnRecovery
	ep.OnFailureURL = req.OnFailureURL
	ep.OnRecoveryURL = req.OnRecoveryURL
}

// --- Endpoint CRUD ---

func (a *API) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	var req endpointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if details := validateEndpoint(&req); len(details) > 0 {
		writeValidation(w, details)
		return
	}

	slug := req.Slug
	if slug == "" {
		var err error
		slug, err = auth.RandomToken(8)
		if err != nil {
			a.storeError(w, err)
			return
		}
	}

	now := time.Now().UTC()
	ep := &store.Endpoint{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		Slug:           slug,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	applyEndpoint(ep, &req)
	if err := a.store.CreateEndpoint(r.Context(), ep); err != nil {
		a.storeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, ep)
}

func (a *API) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ep, err := a.store.GetEndpoint(r.Context(), org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if ep == nil {
		writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
		return
	}
	writeData(w, http.StatusOK, ep)
}

func (a *API) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	eps, err := a.store.ListEndpoints(r.Context(), org.ID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if eps == nil {
		eps = []*store.Endpoint{}
	}
	writeData(w, http.StatusOK, eps)
}

// handleUpdateEndpoint replaces the mutable fields. The slug is the
// delivery capability and stays fixed for the endpoint's lifetime.
func (a *API) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	ep, err := a.store.GetEndpoint(ctx, org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if ep == nil {
		writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
		return
	}

	var req endpointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	req.Slug = ""
	if details := validateEndpoint(&req); len(details) > 0 {
		writeValidation(w, details)
		return
	}

	applyEndpoint(ep, &req)
	ep.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateEndpoint(ctx, ep); err != nil {
		a.storeError(w, err)
		return
	}
	writeData(w, http.StatusOK, ep)
}

func (a *API) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	id := r.PathValue("id")
	if err := a.store.DeleteEndpoint(r.Context(), org.ID, id, time.Now().UTC()); err != nil {
		a.storeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, map[string]string{"id": id}, "endpoint deleted")
}

func (a *API) handleListInboundEvents(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	ep, err := a.store.GetEndpoint(ctx, org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if ep == nil {
		writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
		return
	}
	limit, _ := pageParams(r, 50, 200)
	events, err := a.store.ListInboundEvents(ctx, ep.ID, limit)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if events == nil {
		events = []*store.InboundEvent{}
	}
	writeData(w, http.StatusOK, events)
}

// --- Fan-out receive ---

// siblingTask is the per-forward-URL task backing fan-out executions.
// It stays disabled so the scheduler never materializes it; executions
// are inserted directly on receive and replay.
func siblingTask(ep *store.Endpoint, target string, now time.Time) *store.Task {
	method := http.MethodPost
	if ep.ForwardMethod != nil && *ep.ForwardMethod != "" {
		method = *ep.ForwardMethod
	}
	t := &store.Task{
		ID:               uuid.NewString(),
		OrganizationID:   ep.OrganizationID,
		EndpointID:       &ep.ID,
		Name:             ep.Slug + " -> " + target,
		URL:              target,
		Method:           method,
		Headers:          ep.ForwardHeaders,
		Body:             ep.ForwardBody,
		ScheduleType:     store.ScheduleOnce,
		ScheduledAt:      &now,
		Enabled:          false,
		TimeoutMS:        defaultTimeoutMS,
		RetryAttempts:    ep.RetryAttempts,
		NotifyOnFailure:  ep.NotifyOnFailure,
		NotifyOnRecovery: ep.NotifyOnRecovery,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if ep.UseQueue {
		q := ep.Slug
		t.Queue = &q
	}
	return t
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleInbound receives a webhook on /in/{slug} and fans it out: one
// pending execution per forward URL, order preserved, all asynchronous.
// The slug is the only credential.
func (a *API) handleInbound(w http.ResponseWriter, r *http.Request) {
	if !a.inboundLimiter.Allow() {
		a.writeRateLimitError(w, "inbound")
		return
	}

	ctx := r.Context()
	ep, err := a.store.GetEndpointBySlug(ctx, r.PathValue("slug"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if ep == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown endpoint")
		return
	}
	if !ep.Enabled {
		writeError(w, http.StatusGone, "disabled", "endpoint is disabled")
		return
	}

	now := time.Now().UTC()
	if err := a.quota.Admit(ctx, ep.OrganizationID, now); err != nil {
		a.storeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable request body")
		return
	}
	r.Body.Close()

	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if strippedHeaders[http.CanonicalHeaderKey(k)] || len(vs) == 0 {
			continue
		}
		headers[k] = vs[0]
	}

	siblings, err := a.store.ListTasksByEndpoint(ctx, ep.ID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	byURL := make(map[string]*store.Task, len(siblings))
	for _, t := range siblings {
		if _, ok := byURL[t.URL]; !ok {
			byURL[t.URL] = t
		}
	}

	var queue *string
	if ep.UseQueue {
		q := ep.Slug
		if err := a.store.UpsertQueue(ctx, ep.OrganizationID, q); err != nil {
			a.storeError(w, err)
			return
		}
		queue = &q
	}

	taskIDs := make([]string, 0, len(ep.ForwardURLs))
	for _, target := range ep.ForwardURLs {
		task, ok := byURL[target]
		if !ok {
			task = siblingTask(ep, target, now)
			if err := a.store.CreateTask(ctx, task); err != nil {
				a.storeError(w, err)
				return
			}
			byURL[target] = task
		}
		exec := &store.Execution{
			ID:             uuid.NewString(),
			TaskID:         task.ID,
			OrganizationID: ep.OrganizationID,
			Queue:          queue,
			Status:         store.ExecPending,
			ScheduledFor:   now,
			Attempt:        1,
			CreatedAt:      now,
		}
		// A static forward_body on the endpoint wins over the event body.
		if ep.ForwardBody == nil {
			exec.RequestBody = body
		}
		if err := a.store.CreateExecution(ctx, exec); err != nil {
			a.storeError(w, err)
			return
		}
		taskIDs = append(taskIDs, task.ID)
	}

	ev := &store.InboundEvent{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		Method:     r.Method,
		Headers:    headers,
		Body:       body,
		SourceIP:   clientIP(r),
		ReceivedAt: now,
		TaskIDs:    taskIDs,
	}
	if err := a.store.CreateInboundEvent(ctx, ev); err != nil {
		a.storeError(w, err)
		return
	}

	observability.InboundEvents.WithLabelValues(ep.Slug).Inc()
	a.bus.WakeWorkers(ctx)
	writeData(w, http.StatusAccepted, map[string]any{"event_id": ev.ID, "task_ids": taskIDs})
}

// handleReplayEvent re-inserts one pending execution per task recorded
// on the event. Tasks deleted since receive are skipped; if none remain
// the replay is refused.
func (a *API) handleReplayEvent(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	ep, err := a.store.GetEndpoint(ctx, org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if ep == nil {
		writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
		return
	}
	ev, err := a.store.GetInboundEvent(ctx, ep.ID, r.PathValue("event"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "not_found", "event not found")
		return
	}

	now := time.Now().UTC()
	if err := a.quota.Admit(ctx, org.ID, now); err != nil {
		a.storeError(w, err)
		return
	}

	var queue *string
	if ep.UseQueue {
		q := ep.Slug
		if err := a.store.UpsertQueue(ctx, org.ID, q); err != nil {
			a.storeError(w, err)
			return
		}
		queue = &q
	}

	executionIDs := make([]string, 0, len(ev.TaskIDs))
	for _, taskID := range ev.TaskIDs {
		task, err := a.store.GetTaskByID(ctx, taskID)
		if err != nil {
			a.storeError(w, err)
			return
		}
		if task == nil || task.Deleted() {
			continue
		}
		exec := &store.Execution{
			ID:             uuid.NewString(),
			TaskID:         task.ID,
			OrganizationID: org.ID,
			Queue:          queue,
			Status:         store.ExecPending,
			ScheduledFor:   now,
			Attempt:        1,
			CreatedAt:      now,
		}
		if ep.ForwardBody == nil {
			exec.RequestBody = ev.Body
		}
		if err := a.store.CreateExecution(ctx, exec); err != nil {
			a.storeError(w, err)
			return
		}
		executionIDs = append(executionIDs, exec.ID)
	}
	if len(executionIDs) == 0 {
		writeError(w, http.StatusConflict, "no_tasks", "no tasks remain for this event")
		return
	}

	a.bus.WakeWorkers(ctx)
	writeData(w, http.StatusAccepted, map[string]any{
		"executions":    len(executionIDs),
		"execution_ids": executionIDs,
	})
}
