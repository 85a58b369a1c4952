package planner

import (
	"testing"

	"github.com/secil-uns/canary-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanMetric_FirstSighting(t *testing.T) {
	p := New()

	plan := p.PlanMetric(1, nil, nil, MetricInput{
		Name:    "Temperature/PV",
		UNSPath: "Secil/EdgeA/DeviceA/Temperature/PV",
		Properties: map[string]model.PropertyValue{
			"displayHigh": {Type: model.PropInt, Int: 1800},
		},
	})

	assert.Equal(t, MetricInsert, plan.Metric.Action)
	require.Len(t, plan.Properties, 1)
	assert.Equal(t, PropertyInsert, plan.Properties[0].Kind)
	require.NotNil(t, plan.Version)
	assert.Equal(t, int64(1800), plan.Version.Diff.Properties["displayHigh"].New)
}

func TestPlanMetric_IdenticalReingestIsNoOp(t *testing.T) {
	p := New()

	existing := &model.Metric{MetricKey: 5, UNSPath: "Secil/EdgeA/DeviceA/Temperature/PV", Datatype: "Float"}
	existingProps := map[string]model.MetricProperty{
		"displayHigh": {MetricKey: 5, Key: "displayHigh", Value: model.PropertyValue{Type: model.PropInt, Int: 1800}},
	}

	plan := p.PlanMetric(1, existing, existingProps, MetricInput{
		UNSPath:  "Secil/EdgeA/DeviceA/Temperature/PV",
		Datatype: "Float",
		Properties: map[string]model.PropertyValue{
			"displayHigh": {Type: model.PropInt, Int: 1800},
		},
	})

	assert.True(t, plan.IsNoOp())
}

func TestPlanMetric_PropertyChangeOnly(t *testing.T) {
	p := New()

	existing := &model.Metric{MetricKey: 5, UNSPath: "Secil/EdgeA/DeviceA/Temperature/PV", Datatype: "Float"}
	existingProps := map[string]model.MetricProperty{
		"displayHigh": {MetricKey: 5, Key: "displayHigh", Value: model.PropertyValue{Type: model.PropInt, Int: 1800}},
	}

	plan := p.PlanMetric(1, existing, existingProps, MetricInput{
		UNSPath:  "Secil/EdgeA/DeviceA/Temperature/PV",
		Datatype: "Float",
		Properties: map[string]model.PropertyValue{
			"displayHigh": {Type: model.PropInt, Int: 2000},
		},
	})

	assert.Equal(t, MetricNoOp, plan.Metric.Action)
	require.Len(t, plan.Properties, 1)
	assert.Equal(t, PropertyUpdate, plan.Properties[0].Kind)
	require.NotNil(t, plan.Version)
	diff := plan.Version.Diff.Properties["displayHigh"]
	assert.EqualValues(t, 1800, diff.Old)
	assert.EqualValues(t, 2000, diff.New)
}

func TestPlanMetric_Rename(t *testing.T) {
	p := New()

	existing := &model.Metric{MetricKey: 5, UNSPath: "Secil/EdgeA/DeviceA/Temperature/PV", Datatype: "Float"}

	plan := p.PlanMetric(1, existing, nil, MetricInput{
		UNSPath:  "Secil/EdgeA/DeviceA/Temperature/Process",
		Datatype: "Float",
	})

	require.Equal(t, MetricRename, plan.Metric.Action)
	require.NotNil(t, plan.Lineage)
	assert.Equal(t, "Secil/EdgeA/DeviceA/Temperature/PV", plan.Lineage.OldUNSPath)
	assert.Equal(t, "Secil/EdgeA/DeviceA/Temperature/Process", plan.Lineage.NewUNSPath)
}

func TestPlanMetric_PropertyRemovedIsDeleted(t *testing.T) {
	p := New()

	existing := &model.Metric{MetricKey: 5, UNSPath: "Secil/EdgeA/DeviceA/Temperature/PV"}
	existingProps := map[string]model.MetricProperty{
		"engUnit": {MetricKey: 5, Key: "engUnit", Value: model.PropertyValue{Type: model.PropString, String: "degC"}},
	}

	plan := p.PlanMetric(1, existing, existingProps, MetricInput{
		UNSPath:    "Secil/EdgeA/DeviceA/Temperature/PV",
		Properties: map[string]model.PropertyValue{},
	})

	require.Len(t, plan.Properties, 1)
	assert.Equal(t, PropertyDelete, plan.Properties[0].Kind)
	assert.Equal(t, "engUnit", plan.Properties[0].Key)
}

func TestPlanDevice_FirstSighting(t *testing.T) {
	p := New()
	plan := p.PlanDevice(nil, DeviceInput{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA", UNSPath: "Secil/EdgeA/DeviceA"})
	assert.Equal(t, DeviceInsert, plan.Action)
}

func TestPlanDevice_NoChangeIsNoOp(t *testing.T) {
	p := New()
	existing := &model.Device{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA", UNSPath: "Secil/EdgeA/DeviceA"}
	plan := p.PlanDevice(existing, DeviceInput{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA", UNSPath: "Secil/EdgeA/DeviceA"})
	assert.Equal(t, DeviceNoOp, plan.Action)
}
