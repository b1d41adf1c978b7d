// Package worker claims pending executions and runs them: outbound HTTP
// with a hard timeout, outcome classification, retries with backoff,
// quota accounting, notifications and result callbacks.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickloom/tickloom/server/notify"
	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/quota"
	"github.com/tickloom/tickloom/server/signals"
	"github.com/tickloom/tickloom/server/store"
	"github.com/tickloom/tickloom/server/stream"
)

const (
	defaultTimeout  = 30 * time.Second
	callbackTimeout = 30 * time.Second
	settleTimeout   = 10 * time.Second
)

type Config struct {
	NodeID             string
	Count              int
	PollInterval       time.Duration
	MaxResponseCapture int
	FreeConcurrency    int
	ProConcurrency     int
}

// Pool runs Config.Count claim loops against the store. Workers are
// stateless; any node's workers can finish any node's claims.
type Pool struct {
	store    store.Store
	bus      *signals.Bus
	quota    *quota.Accountant
	notifier *notify.Notifier
	hub      *stream.Hub
	guard    *Guard
	client   *http.Client
	cfg      Config
	wg       sync.WaitGroup
}

func NewPool(st store.Store, bus *signals.Bus, qa *quota.Accountant, n *notify.Notifier, hub *stream.Hub, guard *Guard, cfg Config) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxResponseCapture <= 0 {
		cfg.MaxResponseCapture = 64 * 1024
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   guard.DialControl,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Pool{
		store:    st,
		bus:      bus,
		quota:    qa,
		notifier: n,
		hub:      hub,
		guard:    guard,
		client:   &http.Client{Transport: transport},
		cfg:      cfg,
	}
}

// Start launches the claim loops. They exit when ctx is cancelled;
// in-flight requests are interrupted through the same context.
func (p *Pool) Start(ctx context.Context) {
	wake := p.bus.WorkerWake(ctx)
	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go p.run(ctx, fmt.Sprintf("%s-w%d", p.cfg.NodeID, i), wake)
	}
	log.Printf("[worker] started %d workers on node %s", p.cfg.Count, p.cfg.NodeID)
}

// Wait blocks until every worker has drained.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string, wake <-chan string) {
	defer p.wg.Done()
	retryIn := p.cfg.PollInterval

	for {
		if ctx.Err() != nil {
			return
		}
		exec, err := p.store.ClaimExecution(ctx, workerID, time.Now().UTC(), p.cfg.FreeConcurrency, p.cfg.ProConcurrency)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Store outage: back off instead of hammering.
			log.Printf("[worker] %s claim: %v", workerID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryIn):
			}
			if retryIn *= 2; retryIn > maxBackoff {
				retryIn = maxBackoff
			}
			continue
		}
		retryIn = p.cfg.PollInterval

		if exec == nil {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.process(ctx, exec)
	}
}

func (p *Pool) process(ctx context.Context, exec *store.Execution) {
	observability.ExecutionLag.Observe(time.Since(exec.ScheduledFor).Seconds())

	org, err := p.store.GetOrganization(ctx, exec.OrganizationID)
	if err != nil || org == nil {
		// Org deletion cascades to executions; nothing left to finalize.
		log.Printf("[worker] execution %s: organization %s unavailable (%v)", exec.ID, exec.OrganizationID, err)
		return
	}
	observability.ExecutionsClaimed.WithLabelValues(string(org.Tier)).Inc()

	var task *store.Task
	var a attempt
	if exec.Internal {
		target := ""
		if exec.TargetURL != nil {
			target = *exec.TargetURL
		}
		a = attempt{
			url:     target,
			method:  http.MethodPost,
			headers: map[string]string{"Content-Type": "application/json"},
			body:    exec.RequestBody,
			timeout: callbackTimeout,
		}
	} else {
		task, err = p.store.GetTaskByID(ctx, exec.TaskID)
		if err != nil || task == nil {
			out := finished(store.ExecFailed, nil, time.Now(), "", "task no longer exists")
			if err := p.finalize(exec.ID, out); err != nil {
				log.Printf("[worker] finish orphaned execution %s: %v", exec.ID, err)
			}
			return
		}
		a = attempt{
			url:           task.URL,
			method:        task.Method,
			headers:       task.Headers,
			body:          task.Body,
			timeout:       time.Duration(task.TimeoutMS) * time.Millisecond,
			expectedCodes: task.ExpectedStatusCodes,
			bodyPattern:   task.ExpectedBodyPattern,
		}
		if a.timeout <= 0 {
			a.timeout = defaultTimeout
		}
		if len(exec.RequestBody) > 0 {
			// Fan-out executions carry the received event body; their
			// sibling task holds only the forward target.
			a.body = exec.RequestBody
		}
	}

	p.hub.Publish(exec.OrganizationID, stream.Event{Type: "execution.claimed", Execution: exec})

	out := p.perform(ctx, a)

	if err := p.finalize(exec.ID, out); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The janitor reaped this row while we were running it; it
			// owns the accounting now.
			log.Printf("[worker] execution %s finished after being reaped", exec.ID)
			return
		}
		log.Printf("[worker] finish execution %s: %v", exec.ID, err)
		return
	}
	observability.ExecutionsFinished.WithLabelValues(string(out.Status)).Inc()
	observability.ExecutionDuration.Observe(float64(out.DurationMS) / 1000)

	done := *exec
	done.Status = out.Status
	done.FinishedAt = &out.FinishedAt
	done.StatusCode = out.StatusCode
	done.DurationMS = &out.DurationMS
	if out.ErrorMessage != "" {
		msg := out.ErrorMessage
		done.ErrorMessage = &msg
	}
	p.hub.Publish(exec.OrganizationID, stream.Event{Type: "execution.finished", Execution: &done})

	if exec.Internal {
		// Callbacks get one retry and stay out of quota and alerting.
		if out.Status != store.ExecSuccess && exec.Attempt == 1 {
			sctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			defer cancel()
			if _, err := SpawnRetry(sctx, p.store, exec, out.FinishedAt); err != nil {
				log.Printf("[worker] retry callback %s: %v", exec.ID, err)
			}
		}
		return
	}

	p.settle(org, task, &done, out)
}

// finalize persists the outcome on a detached context: the write must
// land even when the worker is shutting down.
func (p *Pool) finalize(execID string, out store.ExecutionOutcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.store.FinishExecution(ctx, execID, out)
}

// settle feeds everything that hangs off a real terminal outcome: task
// bookkeeping, quota, retries, notifications and the result callback.
func (p *Pool) settle(org *store.Organization, task *store.Task, exec *store.Execution, out store.ExecutionOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	// task is nil only when the row vanished mid-flight; the outcome is
	// already recorded, nothing else applies.
	if task == nil {
		if exec.Attempt == 1 {
			p.quota.Record(ctx, org.ID, out.FinishedAt)
		}
		return
	}

	if err := p.store.UpdateTaskLastExecution(ctx, task.ID, out.FinishedAt, out.Status); err != nil {
		log.Printf("[worker] update task %s last execution: %v", task.ID, err)
	}
	if exec.Attempt == 1 {
		p.quota.Record(ctx, org.ID, out.FinishedAt)
	}

	switch {
	case out.Status == store.ExecSuccess:
		prev := task.LastExecutionStatus
		if prev != nil && (*prev == store.ExecFailed || *prev == store.ExecTimeout) {
			p.notifyRecovered(ctx, org, task, exec)
		}

	case exec.Attempt <= task.RetryAttempts:
		if _, err := SpawnRetry(ctx, p.store, exec, out.FinishedAt); err != nil {
			log.Printf("[worker] spawn retry for %s: %v", exec.ID, err)
		}

	default:
		// Out of attempts: this failure is final.
		p.notifyFailed(ctx, org, task, exec)
	}

	p.enqueueCallback(ctx, task, exec, out)
}

func (p *Pool) notifyFailed(ctx context.Context, org *store.Organization, task *store.Task, exec *store.Execution) {
	if task.EndpointID != nil {
		ep, err := p.store.GetEndpoint(ctx, org.ID, *task.EndpointID)
		if err == nil && ep != nil {
			p.notifier.EndpointFailed(ctx, org, ep, task, exec)
			return
		}
	}
	p.notifier.TaskFailed(ctx, org, task, exec)
}

func (p *Pool) notifyRecovered(ctx context.Context, org *store.Organization, task *store.Task, exec *store.Execution) {
	if task.EndpointID != nil {
		ep, err := p.store.GetEndpoint(ctx, org.ID, *task.EndpointID)
		if err == nil && ep != nil {
			p.notifier.EndpointRecovered(ctx, org, ep, task, exec)
			return
		}
	}
	p.notifier.TaskRecovered(ctx, org, task, exec)
}

// enqueueCallback turns the outcome into a synthetic internal execution
// POSTing {task_id, execution_id, status, status_code, duration_ms} to
// the callback URL. Best effort: one retry, no quota, no alerting.
func (p *Pool) enqueueCallback(ctx context.Context, task *store.Task, exec *store.Execution, out store.ExecutionOutcome) {
	url := task.CallbackURL
	if exec.CallbackURL != nil {
		url = exec.CallbackURL
	}
	if url == nil || *url == "" {
		return
	}

	body, _ := json.Marshal(map[string]any{
		"task_id":      task.ID,
		"execution_id": exec.ID,
		"status":       out.Status,
		"status_code":  out.StatusCode,
		"duration_ms":  out.DurationMS,
	})
	cb := &store.Execution{
		ID:             uuid.New().String(),
		TaskID:         task.ID,
		OrganizationID: task.OrganizationID,
		Status:         store.ExecPending,
		ScheduledFor:   out.FinishedAt,
		Attempt:        1,
		Internal:       true,
		TargetURL:      url,
		RequestBody:    body,
		CreatedAt:      out.FinishedAt,
	}
	if err := p.store.CreateExecution(ctx, cb); err != nil {
		log.Printf("[worker] enqueue callback for %s: %v", exec.ID, err)
		return
	}
	p.bus.WakeWorkers(ctx)
}
