package egress

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/secil-uns/canary-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedMapper(cfg MapperConfig) *Mapper {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := NewMapper(cfg, logger)
	m.now = func() time.Time { return time.Unix(1700000000, 0) }
	return m
}

func TestMapper_OnlyChangedPropertiesAreWritten(t *testing.T) {
	m := fixedMapper(MapperConfig{})
	diffs := []model.AggregatedDiff{{
		CanaryID:   "Secil.EdgeA.DeviceA.Temperature.PV",
		Properties: map[string]model.PropertyValue{"engUnit": {Type: model.PropString, String: "degC"}},
	}}

	batches := m.Map(diffs)
	require.Len(t, batches, 1)
	writes := batches[0].Properties["Secil.EdgeA.DeviceA.Temperature.PV"]
	require.Len(t, writes, 1)
	assert.Equal(t, "engUnit=degC", writes[0].KeyValue)
	assert.Equal(t, "good", writes[0].Quality)
}

func TestMapper_IdempotencyKeyStableAcrossPropertyOrder(t *testing.T) {
	m := fixedMapper(MapperConfig{})

	a := m.Map([]model.AggregatedDiff{{
		CanaryID: "x",
		Properties: map[string]model.PropertyValue{
			"a": {Type: model.PropInt, Int: 1},
			"b": {Type: model.PropInt, Int: 2},
		},
	}})
	b := m.Map([]model.AggregatedDiff{{
		CanaryID: "x",
		Properties: map[string]model.PropertyValue{
			"b": {Type: model.PropInt, Int: 2},
			"a": {Type: model.PropInt, Int: 1},
		},
	}})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].IdempotencyKey, b[0].IdempotencyKey)
}

func TestMapper_DifferentValuesProduceDifferentKeys(t *testing.T) {
	m := fixedMapper(MapperConfig{})
	a := m.Map([]model.AggregatedDiff{{CanaryID: "x", Properties: map[string]model.PropertyValue{"a": {Type: model.PropInt, Int: 1}}}})
	b := m.Map([]model.AggregatedDiff{{CanaryID: "x", Properties: map[string]model.PropertyValue{"a": {Type: model.PropInt, Int: 2}}}})
	assert.NotEqual(t, a[0].IdempotencyKey, b[0].IdempotencyKey)
}

func TestMapper_SplitsBatchWhenMaxTagsExceeded(t *testing.T) {
	m := fixedMapper(MapperConfig{MaxBatchTags: 1})
	diffs := []model.AggregatedDiff{
		{CanaryID: "a", Properties: map[string]model.PropertyValue{"k": {Type: model.PropInt, Int: 1}}},
		{CanaryID: "b", Properties: map[string]model.PropertyValue{"k": {Type: model.PropInt, Int: 2}}},
	}

	batches := m.Map(diffs)
	require.Len(t, batches, 2)
}

func TestMapper_SkipsEmptyDiffs(t *testing.T) {
	m := fixedMapper(MapperConfig{})
	batches := m.Map([]model.AggregatedDiff{{CanaryID: "x"}, {CanaryID: ""}})
	assert.Empty(t, batches)
}
