package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_AllVariablesNonNil(t *testing.T) {
	t.Parallel()

	vars := []struct {
		name string
		val  any
	}{
		{"RPCCallsTotal", RPCCallsTotal},
		{"RPCLatency", RPCLatency},
		{"RPCRateLimitWaits", RPCRateLimitWaits},
		{"RPCCircuitState", RPCCircuitState},
		{"ReconciliationRunsTotal", ReconciliationRunsTotal},
		{"ReconciliationOutcomesTotal", ReconciliationOutcomesTotal},
		{"ReconciliationSubjects", ReconciliationSubjects},
		{"ReconciliationBatchLatency", ReconciliationBatchLatency},
		{"ReconciliationRunLatency", ReconciliationRunLatency},
		{"ReconciliationConsecutiveFailures", ReconciliationConsecutiveFailures},
		{"ActionsSubmittedTotal", ActionsSubmittedTotal},
		{"ActionOutcomesTotal", ActionOutcomesTotal},
		{"ConfirmationLatency", ConfirmationLatency},
		{"ProgressWritesTotal", ProgressWritesTotal},
		{"ProgressWriteLatency", ProgressWriteLatency},
		{"AlertsSentTotal", AlertsSentTotal},
		{"AlertsCooldownSkipped", AlertsCooldownSkipped},
	}
	for _, v := range vars {
		assert.NotNilf(t, v.val, "%s should not be nil", v.name)
	}
}

func TestMetrics_OutcomeCounter(t *testing.T) {
	t.Parallel()

	c := ReconciliationOutcomesTotal.WithLabelValues("metrics-test", "COMPLETED")
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestMetrics_ObserveNoPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { RPCLatency.WithLabelValues("metrics-test", "eth_call").Observe(0.2) })
	assert.NotPanics(t, func() { ReconciliationBatchLatency.WithLabelValues("metrics-test").Observe(3) })
	assert.NotPanics(t, func() { ProgressWriteLatency.WithLabelValues("bolt").Observe(0.001) })
	assert.NotPanics(t, func() { RPCCircuitState.WithLabelValues("metrics-test").Set(1) })
}
