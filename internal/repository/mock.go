package repository

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/secil-uns/canary-sync/internal/model"
	"github.com/secil-uns/canary-sync/internal/planner"
)

// Mock is the `db_mode = mock` Repository implementation (§4.5): an
// in-memory store that appends every write to a line-delimited JSON sink
// instead of a database, for local/validation runs with no Postgres
// available.
type Mock struct {
	mu sync.Mutex

	devices      map[string]*model.Device // natural key -> device
	metrics      map[int64]map[string]*model.Metric
	byMetricKey  map[int64]*model.Metric // metric_key -> metric, across devices
	properties   map[int64]map[string]model.MetricProperty
	nextDeviceID int64
	nextMetricID int64

	out io.Writer
	now func() time.Time
}

func NewMock(out io.Writer) *Mock {
	return &Mock{
		devices:     make(map[string]*model.Device),
		metrics:     make(map[int64]map[string]*model.Metric),
		byMetricKey: make(map[int64]*model.Metric),
		properties:  make(map[int64]map[string]model.MetricProperty),
		out:         out,
		now:         time.Now,
	}
}

// CanaryIDByMetricKey implements cdc.MetricKeyResolver for db_mode=mock runs.
func (m *Mock) CanaryIDByMetricKey(ctx context.Context, metricKey int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metric, ok := m.byMetricKey[metricKey]
	if !ok {
		return "", false, nil
	}
	return metric.CanaryID, true, nil
}

type mockEvent struct {
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

func (m *Mock) emit(kind string, payload interface{}) error {
	if m.out == nil {
		return nil
	}
	line, err := json.Marshal(mockEvent{Kind: kind, Timestamp: m.now(), Payload: payload})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = m.out.Write(line)
	return err
}

func (m *Mock) NextDeviceKey(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDeviceID++
	return m.nextDeviceID, nil
}

func (m *Mock) SnapshotDevice(ctx context.Context, natural DeviceNaturalKey) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[natural.GroupID+"/"+natural.Edge+"/"+natural.Device]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *Mock) SnapshotMetric(ctx context.Context, deviceKey int64, name string) (*model.Metric, map[string]model.MetricProperty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byName, ok := m.metrics[deviceKey]
	if !ok {
		return nil, nil, nil
	}
	metric, ok := byName[name]
	if !ok {
		return nil, nil, nil
	}

	props := make(map[string]model.MetricProperty)
	for k, v := range m.properties[metric.MetricKey] {
		props[k] = v
	}
	cp := *metric
	return &cp, props, nil
}

func (m *Mock) ApplyPlan(ctx context.Context, deviceKey int64, p planner.Plan) (Outcome, error) {
	m.mu.Lock()
	out, err := m.applyPlanLocked(deviceKey, p)
	m.mu.Unlock()
	if err != nil {
		return Outcome{}, err
	}
	if emitErr := m.emit("apply_plan", p); emitErr != nil {
		return out, emitErr
	}
	return out, nil
}

func (m *Mock) ApplyBulk(ctx context.Context, deviceKey int64, plans []planner.Plan) (BulkOutcome, error) {
	var out BulkOutcome
	out.Plans = len(plans)

	m.mu.Lock()
	for _, p := range plans {
		o, err := m.applyPlanLocked(deviceKey, p)
		if err != nil {
			m.mu.Unlock()
			return BulkOutcome{}, err
		}
		out.Outcome.add(o)
	}
	m.mu.Unlock()

	if err := m.emit("apply_bulk", plans); err != nil {
		return out, err
	}
	return out, nil
}

// applyPlanLocked must be called with m.mu held.
func (m *Mock) applyPlanLocked(deviceKey int64, p planner.Plan) (Outcome, error) {
	var out Outcome

	if p.Device.Action == planner.DeviceInsert || p.Device.Action == planner.DeviceUpdate {
		d := p.Device.Device
		m.devices[d.NaturalKey()] = &d
		if p.Device.Action == planner.DeviceInsert {
			out.Inserted++
		} else {
			out.Updated++
		}
	}

	byName, ok := m.metrics[deviceKey]
	if !ok {
		byName = make(map[string]*model.Metric)
		m.metrics[deviceKey] = byName
	}

	switch p.Metric.Action {
	case planner.MetricInsert:
		m.nextMetricID++
		metric := p.Metric.Metric
		metric.MetricKey = m.nextMetricID
		metric.DeviceKey = deviceKey
		metric.CanaryID = strings.ReplaceAll(metric.UNSPath, "/", ".")
		byName[metric.Name] = &metric
		m.byMetricKey[metric.MetricKey] = &metric
		out.Inserted++
	case planner.MetricUpdate, planner.MetricRename:
		metric := p.Metric.Metric
		metric.CanaryID = strings.ReplaceAll(metric.UNSPath, "/", ".")
		byName[metric.Name] = &metric
		m.byMetricKey[metric.MetricKey] = &metric
		out.Updated++
	default:
		out.NoOp++
	}

	metricKey := p.Metric.Metric.MetricKey
	if metricKey == 0 {
		for _, mt := range byName {
			if mt.Name == p.Metric.Metric.Name {
				metricKey = mt.MetricKey
				break
			}
		}
	}

	props, ok := m.properties[metricKey]
	if !ok {
		props = make(map[string]model.MetricProperty)
		m.properties[metricKey] = props
	}

	for _, pa := range p.Properties {
		switch pa.Kind {
		case planner.PropertyInsert:
			props[pa.Key] = model.MetricProperty{MetricKey: metricKey, Key: pa.Key, Value: pa.Value, UpdatedAt: m.now()}
			out.Inserted++
		case planner.PropertyUpdate:
			props[pa.Key] = model.MetricProperty{MetricKey: metricKey, Key: pa.Key, Value: pa.Value, UpdatedAt: m.now()}
			out.Updated++
		case planner.PropertyDelete:
			delete(props, pa.Key)
			out.Updated++
		default:
			out.NoOp++
		}
	}

	return out, nil
}
