package recorder

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/theater-run/theater/manifest"
)

// PermissionGate enforces a manifest's per-capability permission
// grant-set and an optional per-capability rate limit ahead of every
// capability call.
type PermissionGate struct {
	grants manifest.Permissions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPermissionGate constructs a gate over a manifest's permission
// grant-set. grants may be nil, in which case every call is denied
// (absence of a grant denies the capability entirely, per
// manifest.Permissions.Allowed).
func NewPermissionGate(grants manifest.Permissions) *PermissionGate {
	return &PermissionGate{grants: grants, limiters: make(map[string]*rate.Limiter)}
}

// Allowed reports whether op is permitted for capability.
func (g *PermissionGate) Allowed(capability, op string) bool {
	return g.grants.Allowed(capability, op)
}

// Wait blocks until the capability's rate limiter admits one more call, or
// ctx is done. Capabilities with no configured rate limit return
// immediately.
func (g *PermissionGate) Wait(ctx context.Context, capability string) error {
	grant, ok := g.grants[capability]
	if !ok || grant.RatePerSec <= 0 {
		return nil
	}
	g.mu.Lock()
	lim, ok := g.limiters[capability]
	if !ok {
		burst := grant.BurstSize
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(grant.RatePerSec), burst)
		g.limiters[capability] = lim
	}
	g.mu.Unlock()
	return lim.Wait(ctx)
}
