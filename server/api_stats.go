package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tickloom/tickloom/server/store"
)

func (a *API) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	overview, err := a.store.OrgOverview(r.Context(), org.ID, time.Now().UTC())
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeData(w, http.StatusOK, overview)
}

// handleStatsLatency returns the per-route, per-minute aggregates for
// the requested window (?minutes=, default 60, at most a day). The
// aggregates carry no tenant data.
func (a *API) handleStatsLatency(w http.ResponseWriter, r *http.Request) {
	if orgFrom(w, r) == nil {
		return
	}
	minutes := 60
	if v := r.URL.Query().Get("minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeValidation(w, map[string]string{"minutes": "must be a positive integer"})
			return
		}
		minutes = n
	}
	if minutes > 1440 {
		minutes = 1440
	}
	since := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	stats, err := a.store.LatencyStats(r.Context(), since)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if stats == nil {
		stats = []*store.APILatency{}
	}
	writeData(w, http.StatusOK, stats)
}
