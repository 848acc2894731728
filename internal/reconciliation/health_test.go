package reconciliation

import (
	"testing"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/stretchr/testify/assert"
)

func TestChainHealth_RecordSuccess(t *testing.T) {
	h := NewChainHealth(model.ChainArbitrum)
	assert.Equal(t, string(HealthStatusUnknown), h.Snapshot().Status)

	recovered := h.RecordSuccess(&RunResult{Network: model.NetworkMainnet, Completed: 2})
	assert.False(t, recovered)

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Equal(t, "mainnet", snap.Network)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.NotNil(t, snap.LastSuccessAt)
	assert.Equal(t, 2, snap.LastRun.Completed)
}

func TestChainHealth_UnresolvedKeysDegrade(t *testing.T) {
	h := NewChainHealth(model.ChainAvalanche)
	h.RecordSuccess(&RunResult{ReadFailed: 1})
	assert.Equal(t, string(HealthStatusDegraded), h.Snapshot().Status)

	h.RecordSuccess(&RunResult{Pending: 1})
	assert.Equal(t, string(HealthStatusDegraded), h.Snapshot().Status)

	h.RecordSuccess(&RunResult{})
	assert.Equal(t, string(HealthStatusHealthy), h.Snapshot().Status)
}

func TestChainHealth_RecordFailure_Threshold(t *testing.T) {
	h := NewChainHealth(model.ChainArbitrum)
	for i := 0; i < DefaultUnhealthyThreshold-1; i++ {
		transitioned := h.RecordFailure(&RunResult{Aborted: true})
		assert.False(t, transitioned, "should not transition before threshold")
		assert.Equal(t, string(HealthStatusDegraded), h.Snapshot().Status)
	}

	transitioned := h.RecordFailure(&RunResult{Aborted: true})
	assert.True(t, transitioned, "should transition at threshold")
	assert.Equal(t, string(HealthStatusUnhealthy), h.Snapshot().Status)

	assert.False(t, h.RecordFailure(nil), "already unhealthy")
	assert.Equal(t, DefaultUnhealthyThreshold+1, h.Snapshot().ConsecutiveFailures)
}

func TestChainHealth_Recovery(t *testing.T) {
	h := NewChainHealth(model.ChainArbitrum)
	for i := 0; i < DefaultUnhealthyThreshold; i++ {
		h.RecordFailure(nil)
	}
	assert.Equal(t, string(HealthStatusUnhealthy), h.Snapshot().Status)

	assert.True(t, h.RecordSuccess(&RunResult{}))
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.NotNil(t, snap.LastFailureAt)
}

func TestHealthRegistry(t *testing.T) {
	r := NewHealthRegistry()
	assert.Empty(t, r.Snapshots())
	assert.True(t, r.Healthy())

	r.For(model.ChainAvalanche).RecordSuccess(&RunResult{})
	assert.Same(t, r.For(model.ChainAvalanche), r.For(model.ChainAvalanche))
	for i := 0; i < DefaultUnhealthyThreshold; i++ {
		r.For(model.ChainArbitrum).RecordFailure(nil)
	}

	snaps := r.Snapshots()
	if assert.Len(t, snaps, 2) {
		assert.Equal(t, "Arbitrum", snaps[0].Chain)
		assert.Equal(t, "Avalanche", snaps[1].Chain)
	}
	assert.False(t, r.Healthy())
}
