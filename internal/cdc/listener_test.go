package cdc

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/secil-uns/canary-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeRelationMessage(oid uint32, columns []string) []byte {
	var buf []byte
	buf = append(buf, 'R')
	oidBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(oidBytes, oid)
	buf = append(buf, oidBytes...)
	buf = append(buf, "public\x00"...)
	buf = append(buf, "metrics\x00"...)
	buf = append(buf, 'd') // replica identity: default

	countBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(countBytes, uint16(len(columns)))
	buf = append(buf, countBytes...)

	for _, c := range columns {
		buf = append(buf, 0) // flags
		buf = append(buf, c+"\x00"...)
		typeOID := make([]byte, 4)
		binary.BigEndian.PutUint32(typeOID, 25) // text
		buf = append(buf, typeOID...)
		buf = append(buf, 0, 0, 0, 0) // type modifier
	}
	return buf
}

func encodeInsertMessage(oid uint32, values []string) []byte {
	var buf []byte
	buf = append(buf, 'I')
	oidBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(oidBytes, oid)
	buf = append(buf, oidBytes...)
	buf = append(buf, 'N')
	buf = append(buf, encodeTuple(values)...)
	return buf
}

func encodeTuple(values []string) []byte {
	var buf []byte
	countBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(countBytes, uint16(len(values)))
	buf = append(buf, countBytes...)
	for _, v := range values {
		buf = append(buf, 't')
		lenBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBytes, uint32(len(v)))
		buf = append(buf, lenBytes...)
		buf = append(buf, v...)
	}
	return buf
}

func TestListener_DecodeRelationThenInsert(t *testing.T) {
	l := NewListener(Config{}, NewMemoryCheckpoint(), noopSink{}, nil, testLogger())
	ctx := context.Background()

	relMsg := encodeRelationMessage(16401, []string{"metric_key", "canary_id"})
	changes := l.decodeMessage(ctx, relMsg)
	assert.Empty(t, changes)

	insMsg := encodeInsertMessage(16401, []string{"5", "Secil.EdgeA.DeviceA.Temperature.PV"})
	changes = l.decodeMessage(ctx, insMsg)
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeInsert, changes[0].Kind)
	assert.Equal(t, int64(5), changes[0].MetricKey)
	assert.Equal(t, "Secil.EdgeA.DeviceA.Temperature.PV", changes[0].After["canary_id"].String)
	assert.Equal(t, "Secil.EdgeA.DeviceA.Temperature.PV", changes[0].CanaryID)
}

func TestListener_UnknownRelationOIDIsSkipped(t *testing.T) {
	l := NewListener(Config{}, NewMemoryCheckpoint(), noopSink{}, nil, testLogger())
	insMsg := encodeInsertMessage(99999, []string{"1"})
	assert.Empty(t, l.decodeMessage(context.Background(), insMsg))
}

func TestListener_StateTransitionsNotifyCallback(t *testing.T) {
	l := NewListener(Config{}, NewMemoryCheckpoint(), noopSink{}, nil, testLogger())
	var seen []ConnState
	l.OnStateChange(func(s ConnState) { seen = append(seen, s) })

	l.setState(Connecting)
	l.setState(Streaming)
	l.setState(Shutdown)

	assert.Equal(t, []ConnState{Connecting, Streaming, Shutdown}, seen)
	assert.Equal(t, Shutdown, l.State())
}

type noopSink struct{}

func (noopSink) Add(model.RowChange) {}
