package internal

import (
	"context"
	"sync"
	"time"
)

// identityBudget bounds how long the data plane will wait on the external
// identity lookup before treating it as unknown (spec §6: "best-effort,
// never blocks the data plane for more than a bounded budget").
const identityBudget = 50 * time.Millisecond

const identityCacheTTL = 30 * time.Second

// IdentityResolver is the external collaborator that maps a flow's 5-tuple
// to the local process responsible for it. Implementations are free to read
// host-local kernel tables or issue a platform-specific query; per spec §9
// the contract is best-effort and "unknown" is an acceptable, frequent
// answer. Out of scope: how identity is actually resolved.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, protocol uint8, key FlowKey) (identity int, ok bool)
}

type identityCacheEntry struct {
	identity int
	ok       bool
	expiry   time.Time
}

// CachedIdentityResolver wraps an IdentityResolver with a short-lived cache
// and a bounded call budget, so a slow or hanging external lookup never
// stalls flow creation (spec §3 "Identity resolver ... with its own cache").
type CachedIdentityResolver struct {
	resolver IdentityResolver

	mu    sync.Mutex
	cache map[FlowKey]identityCacheEntry
}

// NewCachedIdentityResolver wraps resolver. A nil resolver always reports
// unknown, matching the "no identity resolver configured" case.
func NewCachedIdentityResolver(resolver IdentityResolver) *CachedIdentityResolver {
	return &CachedIdentityResolver{resolver: resolver, cache: make(map[FlowKey]identityCacheEntry)}
}

// Resolve returns the identity for key, or ok=false if unknown, the
// resolver is nil, the call errors, or the budget expires — all treated
// identically per spec §7 (IdentityResolveFailure ⇒ unknown).
func (c *CachedIdentityResolver) Resolve(protocol uint8, key FlowKey) (identity int, ok bool) {
	if c.resolver == nil {
		return 0, false
	}

	c.mu.Lock()
	if e, found := c.cache[key]; found && time.Now().Before(e.expiry) {
		c.mu.Unlock()
		return e.identity, e.ok
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), identityBudget)
	defer cancel()

	done := make(chan struct{})
	var id int
	var resolved bool
	go func() {
		id, resolved = c.resolver.ResolveIdentity(ctx, protocol, key)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Budget exceeded: treat as unknown, but let the goroutine finish
		// on its own time so it doesn't leak; its result is never observed.
		return 0, false
	}

	c.mu.Lock()
	c.cache[key] = identityCacheEntry{identity: id, ok: resolved, expiry: time.Now().Add(identityCacheTTL)}
	c.mu.Unlock()
	return id, resolved
}
