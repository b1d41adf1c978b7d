package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/tickloom/tickloom/server/auth"
	"github.com/tickloom/tickloom/server/idempotency"
	"github.com/tickloom/tickloom/server/middleware"
	"github.com/tickloom/tickloom/server/monitor"
	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/quota"
	"github.com/tickloom/tickloom/server/signals"
	"github.com/tickloom/tickloom/server/store"
	"github.com/tickloom/tickloom/server/stream"
)

const maxBodyBytes = 1 << 20

// API owns the HTTP surface: the authenticated /api/v1 routes, the
// capability endpoints /in/{slug} and /ping/{token}, and the operational
// endpoints /healthz and /metrics.
type API struct {
	store    store.Store
	auth     *auth.Service
	quota    *quota.Accountant
	monitors *monitor.Service
	hub      *stream.Hub
	bus      *signals.Bus

	idemWait time.Duration

	// Storm protection for the unauthenticated capability endpoints.
	pingLimiter    *rate.Limiter
	inboundLimiter *rate.Limiter
}

func NewAPI(st store.Store, authSvc *auth.Service, qa *quota.Accountant, ms *monitor.Service, hub *stream.Hub, bus *signals.Bus, idemWait time.Duration) *API {
	return &API{
		store:          st,
		auth:           authSvc,
		quota:          qa,
		monitors:       ms,
		hub:            hub,
		bus:            bus,
		idemWait:       idemWait,
		pingLimiter:    rate.NewLimiter(rate.Limit(100), 200),
		inboundLimiter: rate.NewLimiter(rate.Limit(100), 200),
	}
}

// Routes assembles the mux. Authenticated routes pass through the key
// middleware; mutating ones additionally honor Idempotency-Key. The
// whole tree is wrapped in the latency recorder.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	authed := middleware.Auth(a.auth)
	reads := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}
	writes := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(idempotency.Wrap(a.store, a.idemWait, h)))
	}

	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Capability endpoints: the token in the path is the credential.
	mux.HandleFunc("GET /ping/{token}", a.handleMonitorPing)
	mux.HandleFunc("POST /ping/{token}", a.handleMonitorPing)
	mux.HandleFunc("/in/{slug}", a.handleInbound)

	// Signup and invite redemption happen before the caller has a key.
	mux.HandleFunc("POST /api/v1/orgs", a.handleSignup)
	mux.HandleFunc("POST /api/v1/invites/{token}/accept", a.handleAcceptInvite)

	reads("GET /api/v1/me", a.handleMe)
	writes("PUT /api/v1/me/notifications", a.handleUpdateNotifications)

	reads("GET /api/v1/api-keys", a.handleListAPIKeys)
	writes("POST /api/v1/api-keys", a.handleCreateAPIKey)
	writes("DELETE /api/v1/api-keys/{id}", a.handleDeleteAPIKey)
	writes("POST /api/v1/invites", a.handleCreateInvite)

	reads("GET /api/v1/tasks", a.handleListTasks)
	writes("POST /api/v1/tasks", a.handleCreateTask)
	writes("POST /api/v1/tasks/batch", a.handleBatchCreate)
	writes("DELETE /api/v1/tasks", a.handleCancelQueue)
	reads("GET /api/v1/tasks/{id}", a.handleGetTask)
	writes("PUT /api/v1/tasks/{id}", a.handleUpdateTask)
	writes("DELETE /api/v1/tasks/{id}", a.handleDeleteTask)
	writes("POST /api/v1/tasks/{id}/trigger", a.handleTriggerTask)
	writes("POST /api/v1/tasks/{id}/pause", a.handlePauseTask)
	writes("POST /api/v1/tasks/{id}/resume", a.handleResumeTask)
	reads("GET /api/v1/tasks/{id}/executions", a.handleListTaskExecutions)
	writes("PUT /api/v1/sync", a.handleSync)

	reads("GET /api/v1/executions", a.handleListExecutions)
	reads("GET /api/v1/executions/{id}", a.handleGetExecution)

	reads("GET /api/v1/queues", a.handleListQueues)
	writes("POST /api/v1/queues/{name}/pause", a.handlePauseQueue)
	writes("POST /api/v1/queues/{name}/resume", a.handleResumeQueue)

	reads("GET /api/v1/endpoints", a.handleListEndpoints)
	writes("POST /api/v1/endpoints", a.handleCreateEndpoint)
	reads("GET /api/v1/endpoints/{id}", a.handleGetEndpoint)
	writes("PUT /api/v1/endpoints/{id}", a.handleUpdateEndpoint)
	writes("DELETE /api/v1/endpoints/{id}", a.handleDeleteEndpoint)
	reads("GET /api/v1/endpoints/{id}/events", a.handleListInboundEvents)
	writes("POST /api/v1/endpoints/{id}/events/{event}/replay", a.handleReplayEvent)

	reads("GET /api/v1/monitors", a.handleListMonitors)
	writes("POST /api/v1/monitors", a.handleCreateMonitor)
	reads("GET /api/v1/monitors/{id}", a.handleGetMonitor)
	writes("PUT /api/v1/monitors/{id}", a.handleUpdateMonitor)
	writes("DELETE /api/v1/monitors/{id}", a.handleDeleteMonitor)
	writes("POST /api/v1/monitors/{id}/pause", a.handlePauseMonitor)
	writes("POST /api/v1/monitors/{id}/resume", a.handleResumeMonitor)
	reads("GET /api/v1/monitors/{id}/pings", a.handleListPings)

	reads("GET /api/v1/stats/overview", a.handleStatsOverview)
	reads("GET /api/v1/stats/latency", a.handleStatsLatency)

	reads("GET /api/v1/stream", a.handleStream)

	return middleware.Latency(a.store)(mux)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "store unreachable")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Response envelope ---

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

func writeMessage(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, map[string]any{"data": data, "message": message})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": apiError{Code: code, Message: message}})
}

func writeValidation(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"error": apiError{Code: "invalid_input", Message: "validation failed", Details: fields},
	})
}

// storeError maps store sentinel errors onto the HTTP vocabulary.
// Anything unrecognized becomes an opaque 500 with a log reference.
func (a *API) storeError(w http.ResponseWriter, err error) {
	if ve, ok := store.AsValidation(err); ok {
		writeValidation(w, ve.Fields)
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, store.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
	case errors.Is(err, store.ErrQuotaExceeded):
		writeError(w, http.StatusPaymentRequired, "quota_exceeded", "monthly execution quota exhausted")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "resource state conflict")
	case errors.Is(err, store.ErrQueuePaused):
		writeError(w, http.StatusConflict, "queue_paused", "queue is paused")
	case errors.Is(err, store.ErrInviteExpired):
		writeError(w, http.StatusGone, "invite_expired", "invite has expired")
	case errors.Is(err, store.ErrInvalidExpression):
		writeValidation(w, map[string]string{"cron_expression": "invalid cron expression"})
	default:
		ref := uuid.NewString()
		log.Printf("[api] internal error %s: %v", ref, err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error, reference "+ref)
	}
}

// writeRateLimitError writes a 429 with a jittered Retry-After so that a
// synchronized caller storm does not come back as one wave.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

// --- Request helpers ---

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

// orgFrom pulls the authenticated organization off the request context.
// Auth middleware guarantees it on /api/v1 routes; a miss means a wiring
// bug, answered as 401 rather than a panic.
func orgFrom(w http.ResponseWriter, r *http.Request) *store.Organization {
	org, err := middleware.GetOrgFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing organization context")
		return nil
	}
	return org
}

func pageParams(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
