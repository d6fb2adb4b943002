package observability_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/glenn-edgar/kb-coordinator/internal/observability"
)

func TestObserveOperation_IncrementsCounterAndHistogram(t *testing.T) {
	observability.ObserveOperation(observability.ComponentJobQueue, "Push", "ok", 0.01)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		observability.OperationsTotal.WithLabelValues(observability.ComponentJobQueue, "Push", "ok")))
}

func TestObserveRetry_IncrementsCounter(t *testing.T) {
	observability.ObserveRetry(observability.ComponentStatus, "Set", "serializable")
	assert.Equal(t, float64(1), testutil.ToFloat64(
		observability.RetriesTotal.WithLabelValues(observability.ComponentStatus, "Set", "serializable")))
}

func TestObserveRetriesExhausted_IncrementsCounter(t *testing.T) {
	observability.ObserveRetriesExhausted(observability.ComponentRPCServer, "Push")
	assert.Equal(t, float64(1), testutil.ToFloat64(
		observability.RetriesExhaustedTotal.WithLabelValues(observability.ComponentRPCServer, "Push")))
}

func TestSetPoolSlotsAvailable_SetsGauge(t *testing.T) {
	observability.SetPoolSlotsAvailable(observability.ComponentJobQueue, "kb1.jobs", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(
		observability.PoolSlotsAvailable.WithLabelValues(observability.ComponentJobQueue, "kb1.jobs")))
}
