package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/store"
)

const (
	baseBackoff = 10 * time.Second
	maxBackoff  = 10 * time.Minute
)

// Backoff returns the delay before the attempt after a runs: exponential
// from 10s, capped at 10 minutes, with ±20% jitter so synchronized
// failures do not retry in lockstep.
func Backoff(attempt int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	span := int64(d) / 5
	return d + time.Duration(rand.Int63n(2*span+1)-span)
}

// SpawnRetry inserts the follow-up attempt for a failed or timed-out
// execution. The janitor uses it too when it reaps a lost worker's row.
func SpawnRetry(ctx context.Context, st store.Store, prev *store.Execution, now time.Time) (*store.Execution, error) {
	next := &store.Execution{
		ID:             uuid.New().String(),
		TaskID:         prev.TaskID,
		OrganizationID: prev.OrganizationID,
		Queue:          prev.Queue,
		Status:         store.ExecPending,
		ScheduledFor:   now.Add(Backoff(prev.Attempt)),
		Attempt:        prev.Attempt + 1,
		CallbackURL:    prev.CallbackURL,
		Internal:       prev.Internal,
		TargetURL:      prev.TargetURL,
		RequestBody:    prev.RequestBody,
		CreatedAt:      now,
	}
	if err := st.CreateExecution(ctx, next); err != nil {
		return nil, err
	}
	observability.ExecutionRetries.Inc()
	return next, nil
}
