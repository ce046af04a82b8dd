package client

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// CachedOracle memoises another RoleOracle for a short TTL. Failures are
// never cached.
type CachedOracle struct {
	next RoleOracle
	ttl  time.Duration
	now  func() time.Time

	mu        sync.Mutex
	entries   map[string]cachedRoles
	lastSweep time.Time
}

type cachedRoles struct {
	roles   []repository.Role
	expires time.Time
}

// NewCachedOracle wraps next. A non-positive ttl disables caching.
func NewCachedOracle(next RoleOracle, ttl time.Duration) *CachedOracle {
	return &CachedOracle{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]cachedRoles{},
	}
}

// GetRolesForUser implements RoleOracle.
func (c *CachedOracle) GetRolesForUser(ctx context.Context, userID string) ([]repository.Role, error) {
	if c.ttl <= 0 {
		return c.next.GetRolesForUser(ctx, userID)
	}

	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[userID]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return append([]repository.Role(nil), e.roles...), nil
	}
	c.mu.Unlock()

	roles, err := c.next.GetRolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sweepLocked(now)
	c.entries[userID] = cachedRoles{roles: roles, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return append([]repository.Role(nil), roles...), nil
}

// Invalidate drops a cached user, e.g. after a role change event.
func (c *CachedOracle) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// sweepLocked drops expired entries at most once per ttl, so the map stays
// bounded by the users seen within roughly two ttls.
func (c *CachedOracle) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.ttl {
		return
	}
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}
	c.lastSweep = now
}
