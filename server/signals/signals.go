// Package signals fans lightweight wake-up signals across instances
// through Redis pub/sub. The database stays the source of truth; a missed
// signal only delays work until the next poll tick. Every method is safe
// on a nil Bus so single-node deployments can run without Redis.
package signals

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	channelWakeScheduler = "tickloom:wake:scheduler"
	channelWakeWorkers   = "tickloom:wake:workers"
	channelKeyInvalidate = "tickloom:auth:invalidate"
)

// Bus publishes and subscribes to cross-instance signals.
type Bus struct {
	client *redis.Client
}

// Connect dials Redis and verifies connectivity.
func Connect(addr, password string, db int) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Bus{client: client}, nil
}

func (b *Bus) Close() {
	if b != nil && b.client != nil {
		b.client.Close()
	}
}

// WakeScheduler nudges the leader to materialize ahead of its next tick,
// used after task create, enable or trigger.
func (b *Bus) WakeScheduler(ctx context.Context) {
	b.publish(ctx, channelWakeScheduler, "")
}

// WakeWorkers nudges idle workers after new pending executions appear.
func (b *Bus) WakeWorkers(ctx context.Context) {
	b.publish(ctx, channelWakeWorkers, "")
}

// InvalidateAPIKey broadcasts a cache eviction for keyID after the key is
// deleted, so other instances stop honoring it inside their cache TTL.
func (b *Bus) InvalidateAPIKey(ctx context.Context, keyID string) {
	b.publish(ctx, channelKeyInvalidate, keyID)
}

func (b *Bus) publish(ctx context.Context, channel, payload string) {
	if b == nil || b.client == nil {
		return
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("[signals] publish %s: %v", channel, err)
	}
}

// SchedulerWake returns a channel that receives one message per scheduler
// wake signal. Returns nil without Redis; a nil channel simply never
// fires inside a select.
func (b *Bus) SchedulerWake(ctx context.Context) <-chan string {
	return b.subscribe(ctx, channelWakeScheduler)
}

// WorkerWake returns a channel that receives one message per worker wake
// signal.
func (b *Bus) WorkerWake(ctx context.Context) <-chan string {
	return b.subscribe(ctx, channelWakeWorkers)
}

// KeyInvalidations returns a channel of key IDs that must be evicted from
// local auth caches.
func (b *Bus) KeyInvalidations(ctx context.Context) <-chan string {
	return b.subscribe(ctx, channelKeyInvalidate)
}

func (b *Bus) subscribe(ctx context.Context, channel string) <-chan string {
	if b == nil || b.client == nil {
		return nil
	}
	ch := make(chan string, 8)
	sub := b.client.Subscribe(ctx, channel)

	go func() {
		defer sub.Close()
		defer close(ch)
		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[signals] subscribe %s: %v", channel, err)
				time.Sleep(time.Second)
				continue
			}
			select {
			case ch <- msg.Payload:
			default:
				// Receiver is behind; wake signals coalesce.
			}
		}
	}()

	return ch
}
