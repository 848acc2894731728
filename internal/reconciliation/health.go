package reconciliation

import (
	"sort"
	"sync"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
)

// HealthStatus represents the health state of a chain's reconciliation.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive aborted runs
	// before a chain is considered unhealthy.
	DefaultUnhealthyThreshold = 3
)

// ChainHealth tracks the outcome of recent runs for one chain.
type ChainHealth struct {
	mu                  sync.RWMutex
	chain               model.Chain
	network             model.Network
	status              HealthStatus
	consecutiveFailures int
	unhealthyThreshold  int
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
	lastRun             *RunResult
}

func NewChainHealth(chain model.Chain) *ChainHealth {
	return &ChainHealth{
		chain:              chain,
		status:             HealthStatusUnknown,
		unhealthyThreshold: DefaultUnhealthyThreshold,
	}
}

// RecordSuccess records a finished run and returns true if it represents a
// recovery from an unhealthy state. A run that left keys unresolved marks
// the chain degraded.
func (h *ChainHealth) RecordSuccess(res *RunResult) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.network = res.Network
	h.lastRun = res
	if res.Unresolved() > 0 {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return wasUnhealthy
}

// RecordFailure records an aborted run. Returns true if the chain
// transitioned to unhealthy on this call.
func (h *ChainHealth) RecordFailure(res *RunResult) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if res != nil {
		h.network = res.Network
		h.lastRun = res
	}
	if h.consecutiveFailures >= h.unhealthyThreshold {
		if h.status != HealthStatusUnhealthy {
			h.status = HealthStatusUnhealthy
			return true
		}
		return false
	}
	h.status = HealthStatusDegraded
	return false
}

func (h *ChainHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Chain:               string(h.chain),
		Network:             string(h.network),
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastRun:             h.lastRun,
	}
}

// HealthSnapshot is a point-in-time view of chain health (JSON-safe).
type HealthSnapshot struct {
	Chain               string     `json:"chain"`
	Network             string     `json:"network"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastRun             *RunResult `json:"last_run,omitempty"`
}

// HealthRegistry holds one tracker per chain.
type HealthRegistry struct {
	mu     sync.Mutex
	chains map[model.Chain]*ChainHealth
}

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{chains: make(map[model.Chain]*ChainHealth)}
}

// For returns the tracker for chain, creating it on first use.
func (r *HealthRegistry) For(chain model.Chain) *ChainHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.chains[chain]
	if !ok {
		h = NewChainHealth(chain)
		r.chains[chain] = h
	}
	return h
}

// Snapshots returns all trackers sorted by chain.
func (r *HealthRegistry) Snapshots() []HealthSnapshot {
	r.mu.Lock()
	trackers := make([]*ChainHealth, 0, len(r.chains))
	for _, h := range r.chains {
		trackers = append(trackers, h)
	}
	r.mu.Unlock()

	out := make([]HealthSnapshot, 0, len(trackers))
	for _, h := range trackers {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out
}

// Healthy reports whether no chain is unhealthy.
func (r *HealthRegistry) Healthy() bool {
	for _, s := range r.Snapshots() {
		if s.Status == string(HealthStatusUnhealthy) {
			return false
		}
	}
	return true
}
