package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
)

const testChain = model.Chain("evm:byzantium:8996:bloxberg")

var errTick = errors.New("boom")

func TestRoleHealth_Success(t *testing.T) {
	h := NewRoleHealth(testChain, RoleDispatcher, 0)
	assert.Equal(t, NoTransition, h.Observe(time.Millisecond, nil))

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.NotNil(t, snap.LastSuccessAt)
	assert.Nil(t, snap.LastFailureAt)
}

func TestRoleHealth_UnhealthyAtThreshold(t *testing.T) {
	h := NewRoleHealth(testChain, RoleDispatcher, 0)
	for i := 0; i < DefaultUnhealthyThreshold-1; i++ {
		assert.Equal(t, NoTransition, h.Observe(0, errTick))
	}
	assert.Equal(t, BecameUnhealthy, h.Observe(0, errTick))
	assert.Equal(t, NoTransition, h.Observe(0, errTick), "reported once")

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusUnhealthy), snap.Status)
	assert.Equal(t, DefaultUnhealthyThreshold+1, snap.ConsecutiveFailures)
	assert.Equal(t, "boom", snap.LastError)
}

func TestRoleHealth_Recovery(t *testing.T) {
	h := NewRoleHealth(testChain, RoleStraggler, 2)
	h.Observe(0, errTick)
	h.Observe(0, errTick)

	assert.Equal(t, Recovered, h.Observe(time.Millisecond, nil))
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Empty(t, snap.LastError)
	assert.NotNil(t, snap.LastFailureAt, "last failure is kept")
	assert.Equal(t, NoTransition, h.Observe(time.Millisecond, nil))
}

func TestRoleHealth_FailuresBelowThresholdDoNotFlapStatus(t *testing.T) {
	h := NewRoleHealth(testChain, RoleSyncer, 3)
	h.Observe(time.Millisecond, nil)
	h.Observe(0, errTick)
	assert.Equal(t, string(HealthStatusHealthy), h.Snapshot().Status)
}

func TestRoleHealth_DegradedOnSlowTicks(t *testing.T) {
	h := NewRoleHealth(testChain, RoleSyncer, 0)
	for i := 0; i < latencyWindow; i++ {
		h.Observe(10*time.Second, nil)
	}
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusDegraded), snap.Status)
	assert.Equal(t, int64(10_000), snap.P95LatencyMS)

	for i := 0; i < latencyWindow; i++ {
		h.Observe(100*time.Millisecond, nil)
	}
	assert.Equal(t, string(HealthStatusHealthy), h.Snapshot().Status)
}

func TestRoleHealth_Unknown(t *testing.T) {
	h := NewRoleHealth(testChain, RoleReconciler, 0)
	snap := h.Snapshot()

	assert.Equal(t, testChain.String(), snap.Chain)
	assert.Equal(t, string(RoleReconciler), snap.Component)
	assert.Equal(t, string(HealthStatusUnknown), snap.Status)
	assert.Zero(t, snap.P95LatencyMS)
}
