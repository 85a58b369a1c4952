package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordFrameDecoded_IncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(FramesDecodedTotal.WithLabelValues("DBIRTH"))
	RecordFrameDecoded("DBIRTH")
	after := testutil.ToFloat64(FramesDecodedTotal.WithLabelValues("DBIRTH"))
	assert.Equal(t, before+1, after)
}

func TestRecordPlanOutcome_IncrementsByKind(t *testing.T) {
	before := testutil.ToFloat64(PlanOutcomesTotal.WithLabelValues("metric_insert"))
	RecordPlanOutcome("metric_insert")
	after := testutil.ToFloat64(PlanOutcomesTotal.WithLabelValues("metric_insert"))
	assert.Equal(t, before+1, after)
}

func TestSetCDCLag_UpdatesGauge(t *testing.T) {
	SetCDCLag(4096)
	assert.Equal(t, float64(4096), testutil.ToFloat64(CDCLagBytes))
}

func TestSetCircuitBreakerState_UpdatesGauge(t *testing.T) {
	SetCircuitBreakerState(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(CircuitBreakerState))
}

func TestSetDLQDepth_UpdatesGauge(t *testing.T) {
	SetDLQDepth(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(DLQDepth))
}
