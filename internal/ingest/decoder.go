// Package ingest implements the payload decoder (C1) and alias cache (C2):
// Sparkplug B binary frame -> structured, name-resolved metric set.
package ingest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/secil-uns/canary-sync/internal/model"
	pkgerrors "github.com/secil-uns/canary-sync/pkg/errors"
)

const component = "ingest"

// MessageType distinguishes birth frames from the rest; only these two are
// accepted (§4.1).
type MessageType string

const (
	DBIRTH MessageType = "DBIRTH"
	NBIRTH MessageType = "NBIRTH"
)

// DecodedMetric is one Sparkplug metric entry after binary decode, before
// alias resolution.
type DecodedMetric struct {
	Name       string // empty if only an alias was carried
	Alias      uint64
	HasAlias   bool
	Datatype   string
	Properties map[string]model.PropertyValue
}

// Frame is the C1 output contract (§4.1).
type Frame struct {
	Group       string
	Edge        string
	Device      string
	MessageType MessageType
	Metrics     []DecodedMetric
	Timestamp   time.Time
}

// Sparkplug B Payload/Metric/PropertySet/PropertyValue field numbers, per
// org.eclipse.tahu.protobuf.Payload (the fixed wire schema Sparkplug B
// specifies).
const (
	fieldPayloadTimestamp = 1
	fieldPayloadMetrics   = 2

	fieldMetricName       = 1
	fieldMetricAlias      = 2
	fieldMetricDatatype   = 4
	fieldMetricProperties = 9
	fieldMetricIntValue   = 10
	fieldMetricLongValue  = 11
	fieldMetricFloatValue = 12
	fieldMetricDoubleVal  = 13
	fieldMetricBoolValue  = 14
	fieldMetricStringVal  = 15

	fieldPropertySetKeys   = 1
	fieldPropertySetValues = 2

	fieldPropertyValueType   = 1
	fieldPropertyValueInt    = 3
	fieldPropertyValueLong   = 4
	fieldPropertyValueFloat  = 5
	fieldPropertyValueDouble = 6
	fieldPropertyValueBool   = 7
	fieldPropertyValueString = 8
)

// Sparkplug DataType codes relevant to the properties we keep (§4.1: only
// the enumerated set of property types is supported; anything else is
// UnsupportedDatatype).
const (
	dtInt32   = 3
	dtInt64   = 4
	dtUInt32  = 7
	dtUInt64  = 8
	dtFloat   = 9
	dtDouble  = 10
	dtBoolean = 11
	dtString  = 12
	dtText    = 14
)

// Decoder turns (topic, binary frame) pairs into Frame values.
type Decoder struct {
	onUnsupportedDatatype func(metric, key string, code uint64)
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// OnUnsupportedDatatype registers a callback invoked once per skipped
// property, for logging/metrics (§4.1 UnsupportedDatatype policy).
func (d *Decoder) OnUnsupportedDatatype(fn func(metric, key string, code uint64)) {
	d.onUnsupportedDatatype = fn
}

// Decode parses topic + binary payload into a Frame.
func (d *Decoder) Decode(topic string, payload []byte) (*Frame, error) {
	group, msgType, edge, device, err := parseTopic(topic)
	if err != nil {
		return nil, err
	}

	if msgType != DBIRTH && msgType != NBIRTH {
		return nil, pkgerrors.New(pkgerrors.ProtocolFraming, component, "decode", "unknown message type").
			WithMetadata("message_type", string(msgType))
	}

	fields, err := parseFields(payload)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.ProtocolFraming, component, "decode", "malformed payload").Wrap(err)
	}

	frame := &Frame{Group: group, Edge: edge, Device: device, MessageType: msgType}

	if tsField, ok := firstField(fields, fieldPayloadTimestamp); ok {
		frame.Timestamp = time.UnixMilli(int64(tsField.varint))
	} else {
		frame.Timestamp = time.Now()
	}

	for _, mf := range allFields(fields, fieldPayloadMetrics) {
		if mf.typ != wireBytes {
			continue
		}
		metric, err := d.decodeMetric(mf.bytes)
		if err != nil {
			return nil, pkgerrors.New(pkgerrors.ProtocolFraming, component, "decode_metric", "malformed metric entry").Wrap(err)
		}
		frame.Metrics = append(frame.Metrics, *metric)
	}

	return frame, nil
}

func (d *Decoder) decodeMetric(buf []byte) (*DecodedMetric, error) {
	fields, err := parseFields(buf)
	if err != nil {
		return nil, err
	}

	m := &DecodedMetric{Properties: make(map[string]model.PropertyValue)}

	if f, ok := firstField(fields, fieldMetricName); ok {
		m.Name = string(f.bytes)
	}
	if f, ok := firstField(fields, fieldMetricAlias); ok {
		m.Alias = f.varint
		m.HasAlias = true
	}
	if f, ok := firstField(fields, fieldMetricDatatype); ok {
		m.Datatype = datatypeName(f.varint)
	}

	if pf, ok := firstField(fields, fieldMetricProperties); ok && pf.typ == wireBytes {
		props, err := d.decodePropertySet(m.Name, pf.bytes)
		if err != nil {
			return nil, err
		}
		m.Properties = props
	}

	return m, nil
}

func (d *Decoder) decodePropertySet(metricName string, buf []byte) (map[string]model.PropertyValue, error) {
	fields, err := parseFields(buf)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, f := range allFields(fields, fieldPropertySetKeys) {
		keys = append(keys, string(f.bytes))
	}

	var values [][]byte
	for _, f := range allFields(fields, fieldPropertySetValues) {
		values = append(values, f.bytes)
	}

	result := make(map[string]model.PropertyValue, len(keys))
	for i, key := range keys {
		if i >= len(values) {
			break
		}
		value, typeCode, err := decodePropertyValue(values[i])
		if err != nil {
			return nil, err
		}

		propType, ok := propertyTypeFromCode(typeCode)
		if !ok {
			if d.onUnsupportedDatatype != nil {
				d.onUnsupportedDatatype(metricName, key, typeCode)
			}
			continue
		}
		value.Type = propType
		result[key] = value
	}

	return result, nil
}

func decodePropertyValue(buf []byte) (model.PropertyValue, uint64, error) {
	fields, err := parseFields(buf)
	if err != nil {
		return model.PropertyValue{}, 0, err
	}

	var typeCode uint64
	if f, ok := firstField(fields, fieldPropertyValueType); ok {
		typeCode = f.varint
	}

	var v model.PropertyValue
	if f, ok := firstField(fields, fieldPropertyValueInt); ok {
		v.Int = int64(f.varint)
	}
	if f, ok := firstField(fields, fieldPropertyValueLong); ok {
		v.Long = int64(f.varint)
	}
	if f, ok := firstField(fields, fieldPropertyValueFloat); ok {
		v.Float = math.Float32frombits(uint32(f.fixed))
	}
	if f, ok := firstField(fields, fieldPropertyValueDouble); ok {
		v.Double = math.Float64frombits(f.fixed)
	}
	if f, ok := firstField(fields, fieldPropertyValueBool); ok {
		v.Boolean = f.varint != 0
	}
	if f, ok := firstField(fields, fieldPropertyValueString); ok {
		v.String = string(f.bytes)
	}

	return v, typeCode, nil
}

func propertyTypeFromCode(code uint64) (model.PropertyType, bool) {
	switch code {
	case dtInt32, dtUInt32:
		return model.PropInt, true
	case dtInt64, dtUInt64:
		return model.PropLong, true
	case dtFloat:
		return model.PropFloat, true
	case dtDouble:
		return model.PropDouble, true
	case dtBoolean:
		return model.PropBoolean, true
	case dtString, dtText:
		return model.PropString, true
	default:
		return "", false
	}
}

func datatypeName(code uint64) string {
	switch code {
	case dtInt32:
		return "Int32"
	case dtInt64:
		return "Int64"
	case dtUInt32:
		return "UInt32"
	case dtUInt64:
		return "UInt64"
	case dtFloat:
		return "Float"
	case dtDouble:
		return "Double"
	case dtBoolean:
		return "Boolean"
	case dtString:
		return "String"
	case dtText:
		return "Text"
	default:
		return fmt.Sprintf("Unknown(%d)", code)
	}
}

// parseTopic splits spBv1.0/<Group>/<MessageType>/<Edge>/<Device>.
func parseTopic(topic string) (group string, msgType MessageType, edge string, device string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "spBv1.0" {
		return "", "", "", "", pkgerrors.New(pkgerrors.ProtocolFraming, component, "parse_topic", "malformed topic").
			WithMetadata("topic", topic)
	}
	return parts[1], MessageType(parts[2]), parts[3], parts[4], nil
}

