package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/secil-uns/canary-sync/internal/model"
	"github.com/secil-uns/canary-sync/internal/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock_ApplyPlan_FirstSightingThenIdempotentReingest(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	repo := NewMock(&buf)
	p := planner.New()

	deviceKey, err := repo.NextDeviceKey(ctx)
	require.NoError(t, err)

	devicePlan := p.PlanDevice(nil, planner.DeviceInput{
		GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA", UNSPath: "Secil/EdgeA/DeviceA",
	})
	require.Equal(t, planner.DeviceInsert, devicePlan.Action)

	metricPlan := p.PlanMetric(deviceKey, nil, nil, planner.MetricInput{
		Name:    "Temperature/PV",
		UNSPath: "Secil/EdgeA/DeviceA/Temperature/PV",
		Properties: map[string]model.PropertyValue{
			"engUnit": {Type: model.PropString, String: "degC"},
		},
	})

	full := metricPlan
	full.Device = devicePlan

	out, err := repo.ApplyPlan(ctx, deviceKey, full)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Inserted) // device row + metric row + one property

	existingMetric, existingProps, err := repo.SnapshotMetric(ctx, deviceKey, "Temperature/PV")
	require.NoError(t, err)
	require.NotNil(t, existingMetric)
	require.Len(t, existingProps, 1)

	existingDevice, err := repo.SnapshotDevice(ctx, DeviceNaturalKey{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA"})
	require.NoError(t, err)
	require.NotNil(t, existingDevice)

	reDevicePlan := p.PlanDevice(existingDevice, planner.DeviceInput{
		GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA", UNSPath: "Secil/EdgeA/DeviceA",
	})
	reMetricPlan := p.PlanMetric(deviceKey, existingMetric, existingProps, planner.MetricInput{
		UNSPath:  "Secil/EdgeA/DeviceA/Temperature/PV",
		Datatype: existingMetric.Datatype,
		Properties: map[string]model.PropertyValue{
			"engUnit": {Type: model.PropString, String: "degC"},
		},
	})
	reFull := reMetricPlan
	reFull.Device = reDevicePlan

	assert.True(t, reFull.IsNoOp())

	reOut, err := repo.ApplyPlan(ctx, deviceKey, reFull)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Inserted: 0, Updated: 0, NoOp: 2}, reOut)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var first mockEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "apply_plan", first.Kind)
}

func TestMock_ApplyBulk_AggregatesOutcome(t *testing.T) {
	ctx := context.Background()
	repo := NewMock(nil)
	p := planner.New()
	deviceKey := int64(1)

	plans := make([]planner.Plan, 0, 3)
	for _, name := range []string{"A/PV", "B/PV", "C/PV"} {
		mp := p.PlanMetric(deviceKey, nil, nil, planner.MetricInput{Name: name, UNSPath: "Secil/EdgeA/DeviceA/" + name})
		plans = append(plans, mp)
	}

	out, err := repo.ApplyBulk(ctx, deviceKey, plans)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Plans)
	assert.Equal(t, 3, out.Inserted)
}
