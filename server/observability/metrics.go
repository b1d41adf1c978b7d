package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsClaimed tracks executions handed to workers.
	ExecutionsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickloom_executions_claimed_total",
		Help: "Executions claimed by workers",
	}, []string{"tier"})

	// ExecutionsFinished tracks terminal outcomes by status.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickloom_executions_finished_total",
		Help: "Executions that reached a terminal status",
	}, []string{"status"})

	// ExecutionDuration tracks outbound request duration.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tickloom_execution_duration_seconds",
		Help:    "Outbound HTTP request duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})

	// ExecutionRetries counts retry attempts materialized after failures.
	ExecutionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickloom_execution_retries_total",
		Help: "Retry executions created after failed attempts",
	})

	// ExecutionLag tracks how late executions start relative to their
	// scheduled time. The early-warning signal for worker saturation.
	ExecutionLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tickloom_execution_lag_seconds",
		Help:    "Delay between scheduled_for and claim time",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})

	// SchedulerTicks counts scheduler loop iterations on the leader.
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickloom_scheduler_ticks_total",
		Help: "Scheduler materialization loop iterations",
	})

	// TasksMaterialized counts executions created from due tasks.
	TasksMaterialized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickloom_tasks_materialized_total",
		Help: "Executions materialized from due tasks",
	})

	// SchedulerSkips counts due tasks the scheduler declined to
	// materialize, by reason.
	SchedulerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickloom_scheduler_skips_total",
		Help: "Due tasks skipped instead of materialized",
	}, []string{"reason"}) // quota_exceeded, bad_expression

	// LeaderStatus tracks current leader status.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickloom_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickloom_leader_transitions_total",
		Help: "Leadership transitions",
	}, []string{"event"}) // elected, lost

	// MonitorsDown tracks monitors currently in the down state.
	MonitorsDown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickloom_monitors_down",
		Help: "Monitors currently marked down",
	})

	// MonitorTransitions counts watchdog and ping driven state changes.
	MonitorTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickloom_monitor_transitions_total",
		Help: "Monitor state transitions",
	}, []string{"transition"}) // down, recovered

	// InboundEvents counts webhook deliveries accepted per endpoint.
	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickloom_inbound_events_total",
		Help: "Inbound webhook events accepted",
	}, []string{"endpoint"})

	// NotificationsSent counts notifier deliveries by kind and channel.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickloom_notifications_sent_total",
		Help: "Notifications dispatched",
	}, []string{"kind", "channel"})

	// NotificationsThrottled counts notifications suppressed by the
	// per-kind cooldown.
	NotificationsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickloom_notifications_throttled_total",
		Help: "Notifications suppressed by throttling",
	}, []string{"kind"})

	// QuotaRefusals counts API requests refused with payment required.
	QuotaRefusals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickloom_quota_refusals_total",
		Help: "Requests refused because the monthly quota is exhausted",
	})

	// APIRateLimited tracks requests rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickloom_api_rate_limited_total",
		Help: "Requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"}) // ping, inbound

	// IdempotencyReplays counts responses served from the idempotency cache.
	IdempotencyReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickloom_idempotency_replays_total",
		Help: "Responses replayed from idempotency records",
	})

	// APIKeyCacheHits tracks authentication cache effectiveness.
	APIKeyCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickloom_apikey_cache_total",
		Help: "API key cache lookups",
	}, []string{"outcome"}) // hit, miss

	// ReapedExecutions counts running executions failed by the janitor.
	ReapedExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickloom_reaped_executions_total",
		Help: "Running executions failed because their worker disappeared",
	})

	// StreamClients tracks connected websocket stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickloom_stream_clients",
		Help: "Currently connected event stream clients",
	})
)
