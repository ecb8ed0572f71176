package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drape/core/internal/cache"
)

// RouteEntry is what the session registry resolves a routing token or
// /@user/project prefix to (§4.8 resolution order, step 3).
type RouteEntry struct {
	MachineID string `json:"machine_id"`
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	Ready     bool   `json:"ready"`
	Step      string `json:"step"`
	Percent   int    `json:"percent"`
}

// SessionRegistry maps routing tokens and user/project prefixes to the
// VM currently serving them, backing the gateway's URL-prefix fallback
// and the `/session` cookie-establishment endpoint. Lookups go through
// a TieredCache (in-process L1 over the shared Redis L2) so a busy
// gateway doesn't round-trip to Redis on every proxied request; binds
// and unbinds publish a Pub/Sub invalidation so every other process's
// L1 drops the stale entry immediately instead of riding out its TTL.
type SessionRegistry struct {
	store       cache.Cache
	invalidator *cache.CacheInvalidator
	ttl         time.Duration
}

func NewSessionRegistry(client *redis.Client, ttl time.Duration) *SessionRegistry {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	l1 := cache.NewInMemoryCache()
	l2 := cache.NewRedisCacheFromClient(client, "drape:route:")
	return &SessionRegistry{
		store:       cache.NewTieredCache(l1, l2, 10*time.Second),
		invalidator: cache.NewCacheInvalidator(l1, client),
		ttl:         ttl,
	}
}

// RunInvalidationListener blocks, evicting this process's L1 entries as
// other processes rebind or release routes. Run it in its own goroutine
// for the daemon's lifetime.
func (r *SessionRegistry) RunInvalidationListener(ctx context.Context) {
	r.invalidator.Start(ctx)
}

func machineKey(machineID string) string { return "machine:" + machineID }
func prefixKey(user, project string) string { return "prefix:" + user + "/" + project }

// BindMachine records the routing entry for a machine_id (used by the
// cookie and header resolution paths).
func (r *SessionRegistry) BindMachine(ctx context.Context, machineID string, e RouteEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal route entry: %w", err)
	}
	key := machineKey(machineID)
	if err := r.store.Set(ctx, key, body, r.ttl); err != nil {
		return fmt.Errorf("bind machine route: %w", err)
	}
	_ = r.invalidator.PublishInvalidation(ctx, key)
	return nil
}

// BindPrefix records the /@user/project → route mapping.
func (r *SessionRegistry) BindPrefix(ctx context.Context, user, project string, e RouteEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal route entry: %w", err)
	}
	key := prefixKey(user, project)
	if err := r.store.Set(ctx, key, body, r.ttl); err != nil {
		return fmt.Errorf("bind prefix route: %w", err)
	}
	_ = r.invalidator.PublishInvalidation(ctx, key)
	return nil
}

// Lookup resolves a machine_id routing token.
func (r *SessionRegistry) Lookup(ctx context.Context, machineID string) (*RouteEntry, error) {
	return r.get(ctx, machineKey(machineID))
}

// LookupPrefix resolves a /@user/project prefix.
func (r *SessionRegistry) LookupPrefix(ctx context.Context, user, project string) (*RouteEntry, error) {
	return r.get(ctx, prefixKey(user, project))
}

func (r *SessionRegistry) get(ctx context.Context, key string) (*RouteEntry, error) {
	body, err := r.store.Get(ctx, key)
	if err == cache.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup route: %w", err)
	}
	var e RouteEntry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("unmarshal route entry: %w", err)
	}
	return &e, nil
}

// Unbind removes a machine's routing entry (on release/eviction).
func (r *SessionRegistry) Unbind(ctx context.Context, machineID string) error {
	key := machineKey(machineID)
	if err := r.store.Delete(ctx, key); err != nil {
		return err
	}
	_ = r.invalidator.PublishInvalidation(ctx, key)
	return nil
}
