package auth

import (
	"context"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/signals"
	"github.com/tickloom/tickloom/server/store"
)

const (
	cacheTTL      = 60 * time.Second
	touchDebounce = 5 * time.Minute
)

// Principal is an authenticated caller: the key that was presented and
// the organization it belongs to.
type Principal struct {
	Key *store.APIKey
	Org *store.Organization
}

// Service verifies presented keys against the store with a short-lived
// local cache in front, so the hot path does not hit the database on
// every request. Deletions propagate through the signal bus; within the
// cache TTL a deleted key may still authenticate on other instances.
type Service struct {
	store store.Store
	cache *gocache.Cache
	bus   *signals.Bus
}

func NewService(st store.Store, bus *signals.Bus) *Service {
	return &Service{
		store: st,
		cache: gocache.New(cacheTTL, 5*time.Minute),
		bus:   bus,
	}
}

// Authenticate resolves a presented key to a Principal. Every failure
// mode collapses to ErrUnauthorized so callers cannot probe for which
// half was wrong.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	keyID, secret, err := SplitKey(token)
	if err != nil {
		return nil, store.ErrUnauthorized
	}

	if v, ok := s.cache.Get(keyID); ok {
		observability.APIKeyCacheHits.WithLabelValues("hit").Inc()
		p := v.(*Principal)
		if !Verify(p.Key.KeyHash, secret) {
			return nil, store.ErrUnauthorized
		}
		s.touch(ctx, p.Key)
		return p, nil
	}
	observability.APIKeyCacheHits.WithLabelValues("miss").Inc()

	key, err := s.store.GetAPIKeyByKeyID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil || !Verify(key.KeyHash, secret) {
		return nil, store.ErrUnauthorized
	}

	org, err := s.store.GetOrganization(ctx, key.OrganizationID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, store.ErrUnauthorized
	}

	p := &Principal{Key: key, Org: org}
	s.cache.Set(keyID, p, gocache.DefaultExpiration)
	s.touch(ctx, key)
	return p, nil
}

// touch updates last_used_at at most once per debounce window. The
// marker entry expires on its own, which is the whole debounce.
func (s *Service) touch(ctx context.Context, key *store.APIKey) {
	marker := "touched:" + key.KeyID
	if _, ok := s.cache.Get(marker); ok {
		return
	}
	s.cache.Set(marker, struct{}{}, touchDebounce)
	if err := s.store.TouchAPIKeyLastUsed(ctx, key.ID, time.Now().UTC()); err != nil {
		log.Printf("[auth] touch last_used for %s: %v", key.KeyID, err)
	}
}

// Invalidate drops keyID from the local cache and broadcasts the
// eviction to other instances.
func (s *Service) Invalidate(ctx context.Context, keyID string) {
	s.cache.Delete(keyID)
	s.bus.InvalidateAPIKey(ctx, keyID)
}

// WatchInvalidations applies evictions broadcast by other instances.
// Blocks until ctx is done; run it in its own goroutine.
func (s *Service) WatchInvalidations(ctx context.Context) {
	ch := s.bus.KeyInvalidations(ctx)
	if ch == nil {
		return
	}
	for keyID := range ch {
		s.cache.Delete(keyID)
	}
}
