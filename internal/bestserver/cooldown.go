package bestserver

import (
	"time"
)

// CooldownAlgorithm selects servers in fixed declaration order, skipping any that are
// currently judged unreachable until their cooldown period has elapsed.
const CooldownAlgorithm algorithm = "cooldown"

// CooldownConfig defines the single tunable: how long an unreachable server is skipped
// for before it is probed again.
type CooldownConfig struct {
	Cooldown time.Duration
}

// DefaultCooldownConfig matches the 60s retry window a DoT relay typically wants.
var DefaultCooldownConfig = CooldownConfig{Cooldown: time.Minute}

// serverState tracks reachability per-server, index aligned with baseManager.servers.
type serverState struct {
	reachable bool
	retryAt   time.Time // Zero until the first failure
}

// cooldown implements Manager with fixed-order, cooldown-gated server selection -- the
// shape res_send(3) and the teacher's "traditional" algorithm both use, but with an
// explicit unreachable-for-duration window rather than an unconditional fail-to-next.
type Cooldown struct {
	CooldownConfig
	baseManager

	state []serverState
}

// NewCooldown constructs a cooldown Manager. Every server starts reachable.
func NewCooldown(config CooldownConfig, servers []Server) (*Cooldown, error) {
	t := &Cooldown{CooldownConfig: config}
	if t.Cooldown <= 0 {
		t.Cooldown = DefaultCooldownConfig.Cooldown
	}
	if err := t.baseManager.init(CooldownAlgorithm, servers); err != nil {
		return nil, err
	}

	t.state = make([]serverState, len(servers))
	for ix := range t.state {
		t.state[ix].reachable = true
	}

	return t, nil
}

// eligible reports whether the server at ix may be attempted at time now. Caller holds
// the lock.
func (t *Cooldown) eligible(ix int, now time.Time) bool {
	st := t.state[ix]
	return st.reachable || now.Sub(st.retryAt) >= t.Cooldown
}

// Eligible is the exported, locked form of eligible -- used by reporting and tests.
func (t *Cooldown) Eligible(ix int, now time.Time) bool {
	t.rlock()
	defer t.runlock()

	return t.eligible(ix, now)
}

// Best returns the first eligible server in declaration order. If no server is
// currently eligible it still returns the first server overall: the caller (the
// upstream dispatcher) leaves messages queued and retries next tick rather than
// treating "nothing eligible" as fatal.
func (t *Cooldown) Best() (Server, int) {
	return t.BestAt(time.Now())
}

// BestAt is Best() with an explicit clock, so selection is deterministic under test.
func (t *Cooldown) BestAt(now time.Time) (Server, int) {
	t.rlock()
	defer t.runlock()

	for ix := range t.servers {
		if t.eligible(ix, now) {
			return t.servers[ix], ix
		}
	}

	return t.servers[t.bestIndex], t.bestIndex
}

// Result records a connect outcome. success=true transitions the server to Healthy and
// clears its retry deadline; success=false transitions it to Cooling with retryAt=now.
func (t *Cooldown) Result(server Server, success bool, now time.Time, latency time.Duration) bool {
	t.lock()
	defer t.unlock()

	ix, found := t.serverToIndex[server]
	if !found {
		return false
	}

	if success {
		t.state[ix] = serverState{reachable: true}
		return true
	}

	t.state[ix] = serverState{reachable: false, retryAt: now}
	return true
}
