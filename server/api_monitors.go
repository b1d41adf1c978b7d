package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tickloom/tickloom/server/auth"
	"github.com/tickloom/tickloom/server/cron"
	"github.com/tickloom/tickloom/server/monitor"
	"github.com/tickloom/tickloom/server/store"
)

const (
	minMonitorInterval = 60
	maxMonitorInterval = 604800
	maxGraceSeconds    = 3600
	defaultGraceSecs   = 300
)

type monitorRequest struct {
	Name               string  `json:"name"`
	ScheduleType       string  `json:"schedule_type"`
	IntervalSeconds    *int    `json:"interval_seconds"`
	CronExpression     *string `json:"cron_expression"`
	GracePeriodSeconds *int    `json:"grace_period_seconds"`
	Enabled            *bool   `json:"enabled"`
	NotifyOnFailure    *bool   `json:"notify_on_failure"`
	NotifyOnRecovery   *bool   `json:"notify_on_recovery"`
}

func validateMonitor(req *monitorRequest) map[string]string {
	details := map[string]string{}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		details["name"] = "required"
	}

	switch store.MonitorScheduleType(req.ScheduleType) {
	case store.MonitorInterval:
		if req.IntervalSeconds == nil {
			details["interval_seconds"] = "required for interval monitors"
		} else if *req.IntervalSeconds < minMonitorInterval || *req.IntervalSeconds > maxMonitorInterval {
			details["interval_seconds"] = "must be between 60 and 604800"
		}
	case store.MonitorCron:
		if req.CronExpression == nil || *req.CronExpression == "" {
			details["cron_expression"] = "required for cron monitors"
		} else if err := cron.Validate(*req.CronExpression); err != nil {
			details["cron_expression"] = err.Error()
		}
	default:
		details["schedule_type"] = "must be interval or cron"
	}

	if req.GracePeriodSeconds != nil && (*req.GracePeriodSeconds < 0 || *req.GracePeriodSeconds > maxGraceSeconds) {
		details["grace_period_seconds"] = "must be between 0 and 3600"
	}
	return details
}

func applyMonitor(m *store.Monitor, req *monitorRequest) {
	m.Name = req.Name
	m.ScheduleType = store.MonitorScheduleType(req.ScheduleType)
	m.IntervalSeconds = req.IntervalSeconds
	m.CronExpression = req.CronExpression
	m.GracePeriodSeconds = defaultGraceSecs
	if req.GracePeriodSeconds != nil {
		m.GracePeriodSeconds = *req.GracePeriodSeconds
	}
	m.Enabled = true
	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}
	m.NotifyOnFailure = req.NotifyOnFailure
	m.NotifyOnRecovery = req.NotifyOnRecovery
}

func (a *API) handleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	var req monitorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if details := validateMonitor(&req); len(details) > 0 {
		writeValidation(w, details)
		return
	}

	token, err := auth.RandomToken(16)
	if err != nil {
		a.storeError(w, err)
		return
	}
	now := time.Now().UTC()
	m := &store.Monitor{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		PingToken:      token,
		Status:         store.MonitorNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	applyMonitor(m, &req)
	if err := a.store.CreateMonitor(r.Context(), m); err != nil {
		a.storeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, m)
}

func (a *API) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	m, err := a.store.GetMonitor(r.Context(), org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "monitor not found")
		return
	}
	writeData(w, http.StatusOK, m)
}

func (a *API) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	monitors, err := a.store.ListMonitors(r.Context(), org.ID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if monitors == nil {
		monitors = []*store.Monitor{}
	}
	writeData(w, http.StatusOK, monitors)
}

// handleUpdateMonitor replaces schedule and notification fields. When
// the monitor has pinged before, the expectation is recomputed from the
// last ping so the new schedule takes effect immediately.
func (a *API) handleUpdateMonitor(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	m, err := a.store.GetMonitor(ctx, org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "monitor not found")
		return
	}

	var req monitorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if details := validateMonitor(&req); len(details) > 0 {
		writeValidation(w, details)
		return
	}

	applyMonitor(m, &req)
	if m.LastPingAt != nil {
		if next, err := monitor.NextExpected(m, *m.LastPingAt); err == nil {
			m.NextExpectedAt = &next
		}
	}
	m.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateMonitor(ctx, m); err != nil {
		a.storeError(w, err)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (a *API) handleDeleteMonitor(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	id := r.PathValue("id")
	if err := a.store.DeleteMonitor(r.Context(), org.ID, id); err != nil {
		a.storeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, map[string]string{"id": id}, "monitor deleted")
}

// handlePauseMonitor silences the watchdog. Pings received while paused
// are still recorded but do not change the status.
func (a *API) handlePauseMonitor(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	m, err := a.store.GetMonitor(ctx, org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "monitor not found")
		return
	}
	m.Status = store.MonitorPaused
	m.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateMonitor(ctx, m); err != nil {
		a.storeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, map[string]any{"id": m.ID, "status": m.Status}, "monitor paused")
}

// handleResumeMonitor restores alerting. The expectation restarts from
// now so resuming never produces an immediate down transition.
func (a *API) handleResumeMonitor(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	m, err := a.store.GetMonitor(ctx, org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "monitor not found")
		return
	}

	now := time.Now().UTC()
	if m.LastPingAt != nil {
		m.Status = store.MonitorUp
		if next, err := monitor.NextExpected(m, now); err == nil {
			m.NextExpectedAt = &next
		}
	} else {
		m.Status = store.MonitorNew
	}
	m.UpdatedAt = now
	if err := a.store.UpdateMonitor(ctx, m); err != nil {
		a.storeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, map[string]any{"id": m.ID, "status": m.Status}, "monitor resumed")
}

func (a *API) handleListPings(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	m, err := a.store.GetMonitor(ctx, org.ID, r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "monitor not found")
		return
	}
	limit, _ := pageParams(r, 50, 500)
	pings, err := a.store.ListPings(ctx, m.ID, limit)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if pings == nil {
		pings = []*store.MonitorPing{}
	}
	writeData(w, http.StatusOK, pings)
}

// handleMonitorPing is the heartbeat intake. The token is the only
// credential, so the reply leaks nothing beyond liveness.
func (a *API) handleMonitorPing(w http.ResponseWriter, r *http.Request) {
	if !a.pingLimiter.Allow() {
		a.writeRateLimitError(w, "ping")
		return
	}
	m, err := a.monitors.Ping(r.Context(), r.PathValue("token"), time.Now().UTC())
	if err != nil {
		a.storeError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown ping token")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"status":           m.Status,
		"next_expected_at": m.NextExpectedAt,
	})
}
