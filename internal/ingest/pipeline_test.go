package ingest

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/secil-uns/canary-sync/internal/normalize"
	"github.com/secil-uns/canary-sync/internal/planner"
	"github.com/secil-uns/canary-sync/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeRebirther struct {
	requests []RebirthRequest
}

func (f *fakeRebirther) PublishRebirth(req RebirthRequest) error {
	f.requests = append(f.requests, req)
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, repository.Repository, *fakeRebirther) {
	t.Helper()
	repo := repository.NewMock(nil)
	rebirther := &fakeRebirther{}
	aliases := NewAliasCache(t.TempDir()+"/aliases.json", time.Minute, testLogger())
	classifier := NewClassificationResolver(testLogger())
	pipeline := NewPipeline(NewDecoder(), aliases, classifier, normalize.New(), planner.New(), repo, rebirther, testLogger())
	return pipeline, repo, rebirther
}

func birthFrame(t *testing.T) []byte {
	t.Helper()
	engUnit := encodePropertyValue(dtString, "degC", 0)
	metric := encodeMetric("Temperature/PV", dtFloat, encodePropertySet([]string{"engUnit"}, [][]byte{engUnit}))
	return encodePayload([][]byte{metric})
}

func TestPipeline_FirstBirth_InsertsDeviceAndMetric(t *testing.T) {
	pipeline, repo, _ := newTestPipeline(t)

	err := pipeline.process(context.Background(), RawFrame{
		Topic:   "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA",
		Payload: birthFrame(t),
	})
	require.NoError(t, err)

	device, err := repo.SnapshotDevice(context.Background(), repository.DeviceNaturalKey{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA"})
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, "Secil/Unknown/Unknown/Unknown/EdgeA/DeviceA", device.UNSPath)

	metric, props, err := repo.SnapshotMetric(context.Background(), device.DeviceKey, "Temperature/PV")
	require.NoError(t, err)
	require.NotNil(t, metric)
	assert.Equal(t, "Secil/Unknown/Unknown/Unknown/EdgeA/DeviceA/Temperature/PV", metric.UNSPath)
	assert.Contains(t, props, "engUnit")
}

func TestPipeline_ReingestIdenticalFrame_IsNoOp(t *testing.T) {
	pipeline, repo, _ := newTestPipeline(t)
	ctx := context.Background()
	raw := RawFrame{Topic: "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA", Payload: birthFrame(t)}

	require.NoError(t, pipeline.process(ctx, raw))
	require.NoError(t, pipeline.process(ctx, raw))

	device, err := repo.SnapshotDevice(ctx, repository.DeviceNaturalKey{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA"})
	require.NoError(t, err)
	metric, _, err := repo.SnapshotMetric(ctx, device.DeviceKey, "Temperature/PV")
	require.NoError(t, err)
	assert.Equal(t, int64(1), metric.MetricKey)
}

func TestPipeline_UnresolvedAlias_RequestsRebirth(t *testing.T) {
	pipeline, _, rebirther := newTestPipeline(t)

	var buf bytes.Buffer
	metricBuf := appendVarintField(buf.Bytes(), fieldMetricAlias, 42)
	metricBuf = appendVarintField(metricBuf, fieldMetricDatatype, dtFloat)
	payload := encodePayload([][]byte{metricBuf})

	err := pipeline.process(context.Background(), RawFrame{
		Topic:   "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA",
		Payload: payload,
	})
	require.NoError(t, err)
	require.Len(t, rebirther.requests, 1)
	assert.Equal(t, "EdgeA", rebirther.requests[0].Edge)
}

func TestOutcomeKindOf_MapsEveryAction(t *testing.T) {
	assert.Equal(t, "metric_insert", outcomeKindOf(planner.Plan{Metric: planner.MetricPlan{Action: planner.MetricInsert}}))
	assert.Equal(t, "metric_update", outcomeKindOf(planner.Plan{Metric: planner.MetricPlan{Action: planner.MetricUpdate}}))
	assert.Equal(t, "metric_rename", outcomeKindOf(planner.Plan{Metric: planner.MetricPlan{Action: planner.MetricRename}}))
	assert.Equal(t, "metric_noop", outcomeKindOf(planner.Plan{}))
}
