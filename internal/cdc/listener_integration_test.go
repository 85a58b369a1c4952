package cdc

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secil-uns/canary-sync/internal/debounce"
	"github.com/secil-uns/canary-sync/internal/egress"
	"github.com/secil-uns/canary-sync/internal/model"
)

// encodeRelationMessageNamed is encodeRelationMessage generalized to an
// arbitrary table name, needed here for metric_properties (the existing
// helper hardcodes "metrics").
func encodeRelationMessageNamed(oid uint32, name string, columns []string) []byte {
	var buf []byte
	buf = append(buf, 'R')
	oidBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(oidBytes, oid)
	buf = append(buf, oidBytes...)
	buf = append(buf, "public\x00"...)
	buf = append(buf, name+"\x00"...)
	buf = append(buf, 'd')

	countBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(countBytes, uint16(len(columns)))
	buf = append(buf, countBytes...)

	for _, c := range columns {
		buf = append(buf, 0)
		buf = append(buf, c+"\x00"...)
		typeOID := make([]byte, 4)
		binary.BigEndian.PutUint32(typeOID, 25)
		buf = append(buf, typeOID...)
		buf = append(buf, 0, 0, 0, 0)
	}
	return buf
}

// encodeInsertMessageNullable is encodeInsertMessage generalized to allow
// null columns (a nil entry), needed to encode a metric_properties row
// where only one of the six value_* columns is populated.
func encodeInsertMessageNullable(oid uint32, values []*string) []byte {
	var buf []byte
	buf = append(buf, 'I')
	oidBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(oidBytes, oid)
	buf = append(buf, oidBytes...)
	buf = append(buf, 'N')
	buf = append(buf, encodeTupleNullable(values)...)
	return buf
}

func encodeTupleNullable(values []*string) []byte {
	var buf []byte
	countBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(countBytes, uint16(len(values)))
	buf = append(buf, countBytes...)
	for _, v := range values {
		if v == nil {
			buf = append(buf, 'n')
			continue
		}
		buf = append(buf, 't')
		lenBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBytes, uint32(len(*v)))
		buf = append(buf, lenBytes...)
		buf = append(buf, *v...)
	}
	return buf
}

func strPtr(s string) *string { return &s }

var metricPropertiesColumns = []string{
	"metric_key", "key", "type", "value_int", "value_long", "value_float", "value_double", "value_string", "value_bool", "updated_at",
}

// propertyRowValues builds a metric_properties tuple with exactly one
// value_* column populated, matching the table's CHECK constraint
// (migrations/00001_init_schema.sql:42-49).
func propertyRowValues(metricKey, key, typ, value string) []*string {
	row := make([]*string, len(metricPropertiesColumns))
	row[0] = strPtr(metricKey)
	row[1] = strPtr(key)
	row[2] = strPtr(typ)
	switch typ {
	case "int":
		row[3] = strPtr(value)
	case "long":
		row[4] = strPtr(value)
	case "float":
		row[5] = strPtr(value)
	case "double":
		row[6] = strPtr(value)
	case "string":
		row[7] = strPtr(value)
	case "boolean":
		row[8] = strPtr(value)
	}
	row[9] = strPtr("2026-01-01T00:00:00Z")
	return row
}

// TestListener_MetricPropertyInsert_ThroughDebounceAndMapper exercises the
// real steady-state CDC traffic path (§9): a metric_properties Insert
// decoded by the listener, merged by the debounce buffer, and mapped into
// a historian write — not a hand-built RowChange fixture.
func TestListener_MetricPropertyInsert_ThroughDebounceAndMapper(t *testing.T) {
	ctx := context.Background()
	l := NewListener(Config{}, NewMemoryCheckpoint(), noopSink{}, nil, testLogger())

	// The listener learns metric_key 5's canary_id from a replicated
	// `metrics` row before any property change for it arrives.
	metricsRel := encodeRelationMessageNamed(1, "metrics", []string{"metric_key", "canary_id"})
	require.Empty(t, l.decodeMessage(ctx, metricsRel))
	metricsInsert := encodeInsertMessage(1, []string{"5", "Secil.EdgeA.DeviceA.Temperature.PV"})
	changes := l.decodeMessage(ctx, metricsInsert)
	require.Len(t, changes, 1)

	propsRel := encodeRelationMessageNamed(2, "metric_properties", metricPropertiesColumns)
	require.Empty(t, l.decodeMessage(ctx, propsRel))

	propsInsert := encodeInsertMessageNullable(2, propertyRowValues("5", "displayHigh", "int", "2000"))
	changes = l.decodeMessage(ctx, propsInsert)
	require.Len(t, changes, 1)

	change := changes[0]
	assert.Equal(t, model.ChangeInsert, change.Kind)
	assert.Equal(t, int64(5), change.MetricKey)
	assert.Equal(t, "Secil.EdgeA.DeviceA.Temperature.PV", change.CanaryID)
	require.Contains(t, change.After, "displayHigh")
	assert.Equal(t, model.PropInt, change.After["displayHigh"].Type)
	assert.Equal(t, int64(2000), change.After["displayHigh"].Int)

	buffer := debounce.New(debounce.Config{Window: 0}, testLogger())
	buffer.Add(change)
	diffs := buffer.Drain()
	require.Len(t, diffs, 1)
	assert.Equal(t, "Secil.EdgeA.DeviceA.Temperature.PV", diffs[0].CanaryID)
	assert.Equal(t, int64(2000), diffs[0].Properties["displayHigh"].Int)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mapper := egress.NewMapper(egress.MapperConfig{}, logger)
	batches := mapper.Map(diffs)
	require.Len(t, batches, 1)
	writes := batches[0].Properties["Secil.EdgeA.DeviceA.Temperature.PV"]
	require.Len(t, writes, 1)
	assert.Equal(t, "displayHigh=2000", writes[0].KeyValue)
}

// TestListener_MetricPropertyUpdate_EmitsOnlyChangedKey covers the review's
// named scenario: a property-value UPDATE debounces into a single diff
// carrying only the changed key, with CanaryID resolved from the cache
// populated by the earlier metrics-row insert.
func TestListener_MetricPropertyUpdate_EmitsOnlyChangedKey(t *testing.T) {
	ctx := context.Background()
	l := NewListener(Config{}, NewMemoryCheckpoint(), noopSink{}, nil, testLogger())

	metricsRel := encodeRelationMessageNamed(1, "metrics", []string{"metric_key", "canary_id"})
	l.decodeMessage(ctx, metricsRel)
	l.decodeMessage(ctx, encodeInsertMessage(1, []string{"7", "Secil.EdgeA.DeviceA.Pressure.PV"}))

	propsRel := encodeRelationMessageNamed(2, "metric_properties", metricPropertiesColumns)
	l.decodeMessage(ctx, propsRel)

	buffer := debounce.New(debounce.Config{Window: 0}, testLogger())

	insert := encodeInsertMessageNullable(2, propertyRowValues("7", "displayHigh", "int", "1500"))
	changes := l.decodeMessage(ctx, insert)
	require.Len(t, changes, 1)
	buffer.Add(changes[0])

	update := encodeUpdateMessage(2, propertyRowValues("7", "displayHigh", "int", "1500"), propertyRowValues("7", "displayHigh", "int", "2000"))
	changes = l.decodeMessage(ctx, update)
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeUpdate, changes[0].Kind)
	assert.Equal(t, "Secil.EdgeA.DeviceA.Pressure.PV", changes[0].CanaryID)
	buffer.Add(changes[0])

	diffs := buffer.Drain()
	require.Len(t, diffs, 1)
	require.Len(t, diffs[0].Properties, 1)
	assert.Equal(t, int64(2000), diffs[0].Properties["displayHigh"].Int)
}

func encodeUpdateMessage(oid uint32, before, after []*string) []byte {
	var buf []byte
	buf = append(buf, 'U')
	oidBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(oidBytes, oid)
	buf = append(buf, oidBytes...)
	buf = append(buf, 'O')
	buf = append(buf, encodeTupleNullable(before)...)
	buf = append(buf, 'N')
	buf = append(buf, encodeTupleNullable(after)...)
	return buf
}
