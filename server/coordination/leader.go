// Package coordination keeps multi-node deployments honest: one node
// holds a Postgres advisory lock and runs the singleton loops
// (scheduler, janitor, monitor watchdog); the janitor cleans up after
// workers that died mid-execution.
package coordination

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tickloom/tickloom/server/observability"
)

// leaderLockID is the advisory lock key every node contends on. The
// value is arbitrary but must be identical across the fleet.
const leaderLockID int64 = 0x7469636B6C6F636B

const (
	campaignInterval = 5 * time.Second
	healthInterval   = 5 * time.Second
)

// LeaderElector contends for a session-scoped pg_advisory_lock. Holding
// the lock means holding the connection: if the session dies, Postgres
// releases the lock and a peer takes over. With no pool (memory mode)
// the single node is always leader.
type LeaderElector struct {
	pool   *pgxpool.Pool
	nodeID string

	mu           sync.RWMutex
	isLeader     bool
	leaderCancel context.CancelFunc

	onElected func(context.Context)
	onLost    func()
}

func NewLeaderElector(pool *pgxpool.Pool, nodeID string) *LeaderElector {
	return &LeaderElector{pool: pool, nodeID: nodeID}
}

// SetCallbacks registers the hooks invoked on transition. onElected
// receives a context that is cancelled when leadership is lost; the
// singleton loops run under it.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) loop(ctx context.Context) {
	if l.pool == nil {
		l.becomeLeader(ctx)
		<-ctx.Done()
		l.stepDown()
		return
	}
	for ctx.Err() == nil {
		l.campaign(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(campaignInterval):
		}
	}
}

// campaign pins one connection and tries the advisory lock on it. On
// success it holds the connection for the whole tenure, pinging to
// detect a dead session. Any error ends the tenure; the caller retries
// with a fresh connection.
func (l *LeaderElector) campaign(ctx context.Context) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[leader] %s acquire connection: %v", l.nodeID, err)
		}
		return
	}
	defer conn.Release()

	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, leaderLockID).Scan(&got); err != nil {
		if ctx.Err() == nil {
			log.Printf("[leader] %s try lock: %v", l.nodeID, err)
		}
		return
	}
	if !got {
		return
	}

	l.becomeLeader(ctx)
	defer l.stepDown()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unlock explicitly so a peer does not wait for the TCP
			// session to time out.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if _, err := conn.Exec(rctx, `SELECT pg_advisory_unlock($1)`, leaderLockID); err != nil {
				log.Printf("[leader] %s unlock: %v", l.nodeID, err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				log.Printf("[leader] %s session lost: %v", l.nodeID, err)
				return
			}
		}
	}
}

func (l *LeaderElector) becomeLeader(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	l.mu.Lock()
	l.isLeader = true
	l.leaderCancel = cancel
	l.mu.Unlock()

	observability.LeaderStatus.Set(1)
	observability.LeadershipTransitions.WithLabelValues("elected").Inc()
	log.Printf("[leader] %s acquired leadership", l.nodeID)

	if l.onElected != nil {
		go l.onElected(ctx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues("lost").Inc()
	log.Printf("[leader] %s lost leadership", l.nodeID)

	if l.onLost != nil {
		l.onLost()
	}
}
