/*
Package upstream tracks the reachability of the configured DoT resolvers and decides,
each dispatcher tick, which one to try next. It is a thin domain wrapper around
internal/bestserver's cooldown algorithm: bestserver owns the generic
lock-protected-slice-plus-index machinery, this package supplies the DNS-specific
Resolver type and the ordered-iteration query shape the dispatcher needs.
*/
package upstream

import (
	"fmt"
	"time"

	"github.com/tehego/dot-relay/internal/bestserver"
)

// Resolver is one configured upstream DoT server.
type Resolver struct {
	Address    string // host:port dialed over TCP, e.g. "1.1.1.1:853"
	ServerName string // TLS SNI / certificate verification name
}

// Name implements bestserver.Server. The dial address is unique across the configured
// list by construction (duplicates are rejected at Registry construction time).
func (r *Resolver) Name() string {
	return r.Address
}

// Registry is the C7 upstream health registry: per-resolver reachability plus the
// cooldown deadline that makes a failed resolver ineligible for a while.
type Registry struct {
	mgr       *bestserver.Cooldown
	resolvers []*Resolver // Same order as supplied to NewRegistry
}

// NewRegistry builds a Registry for resolvers, tried in the given order. cooldown is
// how long a resolver that failed to connect is skipped before being probed again.
func NewRegistry(resolvers []*Resolver, cooldown time.Duration) (*Registry, error) {
	if len(resolvers) == 0 {
		return nil, fmt.Errorf("upstream: at least one resolver is required")
	}

	servers := make([]bestserver.Server, len(resolvers))
	seen := make(map[string]bool, len(resolvers))
	for i, r := range resolvers {
		if seen[r.Address] {
			return nil, fmt.Errorf("upstream: duplicate resolver %s", r.Address)
		}
		seen[r.Address] = true
		servers[i] = r
	}

	mgr, err := bestserver.NewCooldown(bestserver.CooldownConfig{Cooldown: cooldown}, servers)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	return &Registry{mgr: mgr, resolvers: resolvers}, nil
}

// Resolvers returns the configured resolvers in fixed declaration order.
func (r *Registry) Resolvers() []*Resolver {
	return append([]*Resolver{}, r.resolvers...)
}

// Eligible reports whether the resolver at index ix may be attempted at time now: it is
// either currently marked reachable, or its cooldown window has elapsed since the last
// failed attempt.
func (r *Registry) Eligible(ix int, now time.Time) bool {
	return r.mgr.Eligible(ix, now)
}

// Record stores the outcome of a connect attempt against resolver. success=true marks
// it Healthy; success=false marks it Cooling starting at now, per spec's
// Healthy<->Cooling state machine.
func (r *Registry) Record(resolver *Resolver, success bool, now time.Time) {
	r.mgr.Result(resolver, success, now, 0)
}

// Name implements reporter.Reporter.
func (r *Registry) Name() string {
	return "Upstream"
}

// Report implements reporter.Reporter. Reachability is current state, not an
// accumulated counter, so resetCounters has nothing to reset.
func (r *Registry) Report(resetCounters bool) string {
	now := time.Now()
	report := ""
	for ix, resolver := range r.resolvers {
		if ix > 0 {
			report += " "
		}
		state := "healthy"
		if !r.Eligible(ix, now) {
			state = "cooling"
		}
		report += fmt.Sprintf("%s=%s", resolver.Address, state)
	}

	return report
}
