// Package monitor tracks heartbeats: ping arrival drives a monitor up,
// the leader-only watchdog drives silent ones down.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tickloom/tickloom/server/cron"
	"github.com/tickloom/tickloom/server/notify"
	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/store"
)

// NextExpected computes when the following ping is due after a ping
// arriving at `at`: interval monitors count from the ping, cron monitors
// take the next occurrence after it.
func NextExpected(m *store.Monitor, at time.Time) (time.Time, error) {
	switch m.ScheduleType {
	case store.MonitorInterval:
		if m.IntervalSeconds == nil {
			return time.Time{}, fmt.Errorf("monitor %s has no interval", m.ID)
		}
		return at.Add(time.Duration(*m.IntervalSeconds) * time.Second), nil
	case store.MonitorCron:
		if m.CronExpression == nil {
			return time.Time{}, fmt.Errorf("monitor %s has no cron expression", m.ID)
		}
		return cron.Next(*m.CronExpression, at.Add(time.Second))
	default:
		return time.Time{}, fmt.Errorf("monitor %s: unknown schedule type %q", m.ID, m.ScheduleType)
	}
}

// Service ingests pings. It is called from the public /ping/{token}
// handler; the token is the only credential.
type Service struct {
	store    store.Store
	notifier *notify.Notifier
}

func NewService(st store.Store, n *notify.Notifier) *Service {
	return &Service{store: st, notifier: n}
}

// Ping records a heartbeat and advances the monitor. A ping on a down
// monitor is the recovery transition. Paused monitors keep their status;
// the ping still lands in the timeline. Returns nil when no monitor owns
// the token.
func (s *Service) Ping(ctx context.Context, token string, now time.Time) (*store.Monitor, error) {
	m, err := s.store.GetMonitorByToken(ctx, token)
	if err != nil || m == nil {
		return nil, err
	}

	next, err := NextExpected(m, now)
	if err != nil {
		return nil, err
	}

	// The snapshot keeps the timeline reconstructable after the schedule
	// changes. Cron monitors snapshot the gap to the next occurrence.
	interval := int(next.Sub(now) / time.Second)
	if m.IntervalSeconds != nil {
		interval = *m.IntervalSeconds
	}

	status := store.MonitorUp
	if m.Status == store.MonitorPaused {
		status = store.MonitorPaused
	}
	wasDown := m.Status == store.MonitorDown

	ping := &store.MonitorPing{
		ID:                      uuid.New().String(),
		MonitorID:               m.ID,
		ReceivedAt:              now,
		ExpectedIntervalSeconds: interval,
	}
	if err := s.store.RecordPing(ctx, ping, next, status); err != nil {
		return nil, err
	}

	if wasDown {
		observability.MonitorTransitions.WithLabelValues("recovered").Inc()
		observability.MonitorsDown.Dec()
		log.Printf("[monitor] %s (%s) recovered", m.ID, m.Name)
		if org, err := s.store.GetOrganization(ctx, m.OrganizationID); err == nil && org != nil {
			s.notifier.MonitorRecovered(ctx, org, m)
		}
	}

	m.Status = status
	m.LastPingAt = &now
	m.NextExpectedAt = &next
	return m, nil
}

// Watchdog flips monitors to down once next_expected_at plus grace has
// passed. Runs on the leader; MarkMonitorDown decides a unique winner if
// a stale leader races a fresh one.
type Watchdog struct {
	store    store.Store
	notifier *notify.Notifier
	interval time.Duration
}

func NewWatchdog(st store.Store, n *notify.Notifier, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watchdog{store: st, notifier: n, interval: interval}
}

func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watchdog) check(ctx context.Context) {
	now := time.Now().UTC()
	overdue, err := w.store.OverdueMonitors(ctx, now)
	if err != nil {
		log.Printf("[watchdog] overdue monitors: %v", err)
		return
	}
	for _, m := range overdue {
		if m.Status == store.MonitorPaused {
			continue
		}
		won, err := w.store.MarkMonitorDown(ctx, m.ID, now)
		if err != nil {
			log.Printf("[watchdog] mark %s down: %v", m.ID, err)
			continue
		}
		if !won {
			continue
		}
		observability.MonitorTransitions.WithLabelValues("down").Inc()
		observability.MonitorsDown.Inc()
		log.Printf("[watchdog] monitor %s (%s) is down, expected ping by %v", m.ID, m.Name, m.NextExpectedAt)

		org, err := w.store.GetOrganization(ctx, m.OrganizationID)
		if err != nil || org == nil {
			continue
		}
		m.Status = store.MonitorDown
		w.notifier.MonitorDown(ctx, org, m)
	}
}
