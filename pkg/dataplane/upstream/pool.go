// Package upstream maintains a pool's set of backend targets, selects
// one per request under the pool's load-balancing policy, and runs a
// background TCP health check against each target.
package upstream

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/meshrelay/gateway/pkg/apis/config"
	"github.com/meshrelay/gateway/pkg/util/id"
)

// target is one backend, with the bookkeeping its load-balancing policy
// and health checker need.
type target struct {
	config.UpstreamTarget

	healthy  atomic.Bool
	inFlight atomic.Int64
}

// Pool selects a healthy, enabled target for one pool under its
// configured load-balancing policy. Target membership is a plain
// mutex-guarded slice, not a framework: membership changes (reconciler
// apply) and reads (request dispatch) are both infrequent and cheap
// enough that a full replace-under-lock beats any lock-free structure.
type Pool struct {
	id     id.ID
	policy config.LBPolicy

	mu      sync.RWMutex
	targets []*target

	rrCounter atomic.Uint64
}

// NewPool constructs an empty Pool for poolID under policy.
func NewPool(poolID id.ID, policy config.LBPolicy) *Pool {
	return &Pool{id: poolID, policy: policy}
}

// SetTargets replaces the pool's target list wholesale, carrying over
// health state for targets whose id is unchanged.
func (p *Pool) SetTargets(targets []config.UpstreamTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := make(map[id.ID]*target, len(p.targets))
	for _, t := range p.targets {
		prev[t.ID] = t
	}

	next := make([]*target, 0, len(targets))
	for _, ut := range targets {
		t := &target{UpstreamTarget: ut}
		if old, ok := prev[ut.ID]; ok {
			t.healthy.Store(old.healthy.Load())
			// in-flight counts do not carry over: a target that is
			// replaced wholesale starts with no tracked connections.
		} else {
			// Targets start healthy until the first probe proves
			// otherwise, so a newly-added target is usable immediately.
			t.healthy.Store(true)
		}
		next = append(next, t)
	}
	p.targets = next
}

// Targets returns a snapshot of the pool's current targets, for the
// health checker to iterate without holding the pool lock across probes.
func (p *Pool) Targets() []config.UpstreamTarget {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]config.UpstreamTarget, len(p.targets))
	for i, t := range p.targets {
		out[i] = t.UpstreamTarget
	}
	return out
}

// MarkHealth records the outcome of a health probe for targetID and
// reports whether that outcome changed the target's health state, so a
// caller can track up/down transitions without its own bookkeeping.
func (p *Pool) MarkHealth(targetID id.ID, healthy bool) (transitioned bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, t := range p.targets {
		if t.ID == targetID {
			return t.healthy.Swap(healthy) != healthy
		}
	}
	return false
}

// Selection is a chosen target plus the release function the caller
// must invoke when the request it was chosen for has finished (used by
// least_conn to keep its in-flight counters accurate).
type Selection struct {
	Target  config.UpstreamTarget
	Release func()
}

// ErrNoHealthyTarget is returned by Select when no enabled, healthy
// target is available.
type errNoHealthyTarget struct{}

func (errNoHealthyTarget) Error() string { return "no healthy upstream target" }

// ErrNoHealthyTarget is the sentinel Select returns when a pool has no
// eligible target.
var ErrNoHealthyTarget error = errNoHealthyTarget{}

func (p *Pool) eligible() []*target {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*target, 0, len(p.targets))
	for _, t := range p.targets {
		if t.Enabled && t.healthy.Load() {
			out = append(out, t)
		}
	}
	return out
}

// Select chooses one target under the pool's load-balancing policy.
func (p *Pool) Select() (Selection, error) {
	candidates := p.eligible()
	if len(candidates) == 0 {
		return Selection{}, ErrNoHealthyTarget
	}

	var chosen *target
	switch p.policy {
	case config.LBWeighted:
		chosen = selectWeighted(candidates)
	case config.LBLeastConn:
		chosen = selectLeastConn(candidates, &p.rrCounter)
	default: // config.LBRoundRobin and unset
		chosen = selectRoundRobin(candidates, &p.rrCounter)
	}

	chosen.inFlight.Add(1)
	return Selection{
		Target:  chosen.UpstreamTarget,
		Release: func() { chosen.inFlight.Add(-1) },
	}, nil
}

func selectRoundRobin(candidates []*target, counter *atomic.Uint64) *target {
	i := counter.Add(1) - 1
	return candidates[i%uint64(len(candidates))]
}

func selectWeighted(candidates []*target) *target {
	total := 0
	for _, t := range candidates {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return candidates[rand.Intn(len(candidates))] //nolint:gosec
	}

	pick := rand.Intn(total) //nolint:gosec
	for _, t := range candidates {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		if pick < w {
			return t
		}
		pick -= w
	}
	return candidates[len(candidates)-1]
}

// selectLeastConn picks the target with the fewest in-flight requests,
// breaking ties among the tied minimum by round-robin so a sustained
// stream of equally-loaded requests fans out across all of them instead
// of always landing on the earliest slice entry.
func selectLeastConn(candidates []*target, counter *atomic.Uint64) *target {
	min := candidates[0].inFlight.Load()
	for _, t := range candidates[1:] {
		if v := t.inFlight.Load(); v < min {
			min = v
		}
	}

	tied := candidates[:0:0]
	for _, t := range candidates {
		if t.inFlight.Load() == min {
			tied = append(tied, t)
		}
	}
	return selectRoundRobin(tied, counter)
}
