// Package planner implements the upsert planner (C4): given a decoded,
// name-resolved, normalized metric record and the repository's current
// snapshot, it emits an insert/update/rename/no-op plan plus the lineage
// and version rows that must accompany it (§4.4).
package planner

import (
	"sort"
	"time"

	"github.com/secil-uns/canary-sync/internal/model"
)

// DeviceAction is the planned device-row action.
type DeviceAction int

const (
	DeviceNoOp DeviceAction = iota
	DeviceInsert
	DeviceUpdate
)

// MetricAction is the planned metric-row action.
type MetricAction int

const (
	MetricNoOp MetricAction = iota
	MetricInsert
	MetricUpdate
	MetricRename
)

// PropertyActionKind is the planned per-property-key action.
type PropertyActionKind int

const (
	PropertyNoOp PropertyActionKind = iota
	PropertyInsert
	PropertyUpdate
	PropertyDelete
)

// PropertyAction is one planned property write.
type PropertyAction struct {
	Kind  PropertyActionKind
	Key   string
	Value model.PropertyValue
}

// DevicePlan is the planned device-row mutation.
type DevicePlan struct {
	Action DeviceAction
	Device model.Device // fields to write when Action != NoOp
}

// MetricPlan is the planned metric-row mutation.
type MetricPlan struct {
	Action     MetricAction
	Metric     model.Metric // fields to write when Action != NoOp
	OldUNSPath string       // populated when Action == MetricRename
}

// Plan is C4's output: the full set of writes apply_plan/apply_bulk must
// perform atomically for one metric (§4.4, §4.5).
type Plan struct {
	Device     DevicePlan
	Metric     MetricPlan
	Properties []PropertyAction
	Lineage    *model.MetricPathLineage
	Version    *model.MetricVersion
}

// IsNoOp reports whether the plan has nothing to write (the idempotence
// law, §4.4: repeated invocation with identical input yields NoOp
// everywhere).
func (p Plan) IsNoOp() bool {
	if p.Device.Action != DeviceNoOp || p.Metric.Action != MetricNoOp {
		return false
	}
	for _, pa := range p.Properties {
		if pa.Kind != PropertyNoOp {
			return false
		}
	}
	return true
}

// DeviceInput is the normalized incoming device identity.
type DeviceInput struct {
	GroupID      string
	Country      string
	BusinessUnit string
	Plant        string
	Edge         string
	Device       string
	UNSPath      string
}

// MetricInput is the normalized incoming metric record (post C1+C2+C3).
type MetricInput struct {
	Name       string
	UNSPath    string
	Datatype   string
	Properties map[string]model.PropertyValue
}

// Planner produces plans from (existing snapshot, incoming record) pairs.
type Planner struct {
	now func() time.Time
}

func New() *Planner {
	return &Planner{now: time.Now}
}

// PlanDevice compares the incoming device identity against its current
// snapshot (nil if never seen).
func (p *Planner) PlanDevice(existing *model.Device, in DeviceInput) DevicePlan {
	if existing == nil {
		return DevicePlan{
			Action: DeviceInsert,
			Device: model.Device{
				GroupID: in.GroupID, Country: in.Country, BusinessUnit: in.BusinessUnit,
				Plant: in.Plant, Edge: in.Edge, Device: in.Device, UNSPath: in.UNSPath,
			},
		}
	}

	changed := existing.Country != in.Country ||
		existing.BusinessUnit != in.BusinessUnit ||
		existing.Plant != in.Plant ||
		existing.UNSPath != in.UNSPath

	if !changed {
		return DevicePlan{Action: DeviceNoOp}
	}

	updated := *existing
	updated.Country, updated.BusinessUnit, updated.Plant, updated.UNSPath = in.Country, in.BusinessUnit, in.Plant, in.UNSPath
	return DevicePlan{Action: DeviceUpdate, Device: updated}
}

// PlanMetric compares the incoming metric + properties against its current
// snapshot (nil if never seen) and produces the full Plan, including
// lineage and version rows (§4.4).
func (p *Planner) PlanMetric(deviceKey int64, existingMetric *model.Metric, existingProps map[string]model.MetricProperty, in MetricInput) Plan {
	now := p.now()

	if existingMetric == nil {
		props := make([]PropertyAction, 0, len(in.Properties))
		propDiffs := make(map[string]model.PropertyDiff, len(in.Properties))
		for _, key := range sortedKeys(in.Properties) {
			v := in.Properties[key]
			props = append(props, PropertyAction{Kind: PropertyInsert, Key: key, Value: v})
			propDiffs[key] = model.PropertyDiff{Type: v.Type, New: v.AsInterface()}
		}

		metric := model.Metric{DeviceKey: deviceKey, Name: in.Name, UNSPath: in.UNSPath, Datatype: in.Datatype}
		var version *model.MetricVersion
		if len(propDiffs) > 0 {
			version = &model.MetricVersion{ChangedAt: now, ChangedBy: "pipeline", Diff: model.MetricDiff{Properties: propDiffs}}
		}

		return Plan{
			Metric:     MetricPlan{Action: MetricInsert, Metric: metric},
			Properties: props,
			Version:    version,
		}
	}

	metricPlan := MetricPlan{Action: MetricNoOp, Metric: *existingMetric}
	var lineage *model.MetricPathLineage
	diff := model.MetricDiff{}

	if existingMetric.UNSPath != in.UNSPath {
		lineage = &model.MetricPathLineage{
			MetricKey:  existingMetric.MetricKey,
			OldUNSPath: existingMetric.UNSPath,
			NewUNSPath: in.UNSPath,
			ChangedAt:  now,
		}
		diff.Path = &model.PathDiff{Old: existingMetric.UNSPath, New: in.UNSPath}

		updated := *existingMetric
		updated.UNSPath = in.UNSPath
		metricPlan = MetricPlan{Action: MetricRename, Metric: updated, OldUNSPath: existingMetric.UNSPath}
	} else if existingMetric.Datatype != in.Datatype {
		updated := *existingMetric
		updated.Datatype = in.Datatype
		metricPlan = MetricPlan{Action: MetricUpdate, Metric: updated}
	}

	props, propDiffs := diffProperties(existingProps, in.Properties)
	if len(propDiffs) > 0 {
		diff.Properties = propDiffs
	}

	var version *model.MetricVersion
	if !diff.IsEmpty() {
		version = &model.MetricVersion{MetricKey: existingMetric.MetricKey, ChangedAt: now, ChangedBy: "pipeline", Diff: diff}
	}

	return Plan{
		Metric:     metricPlan,
		Properties: props,
		Lineage:    lineage,
		Version:    version,
	}
}

func diffProperties(existing map[string]model.MetricProperty, incoming map[string]model.PropertyValue) ([]PropertyAction, map[string]model.PropertyDiff) {
	var actions []PropertyAction
	diffs := make(map[string]model.PropertyDiff)

	for _, key := range sortedKeys(incoming) {
		newVal := incoming[key]
		old, existed := existing[key]
		switch {
		case !existed:
			actions = append(actions, PropertyAction{Kind: PropertyInsert, Key: key, Value: newVal})
			diffs[key] = model.PropertyDiff{Type: newVal.Type, New: newVal.AsInterface()}
		case !old.Value.Equal(newVal):
			actions = append(actions, PropertyAction{Kind: PropertyUpdate, Key: key, Value: newVal})
			diffs[key] = model.PropertyDiff{Type: newVal.Type, Old: old.Value.AsInterface(), New: newVal.AsInterface()}
		default:
			actions = append(actions, PropertyAction{Kind: PropertyNoOp, Key: key, Value: newVal})
		}
	}

	for key, old := range existing {
		if _, stillPresent := incoming[key]; !stillPresent {
			actions = append(actions, PropertyAction{Kind: PropertyDelete, Key: key})
			diffs[key] = model.PropertyDiff{Type: old.Value.Type, Removed: true}
		}
	}

	return actions, diffs
}

func sortedKeys(m map[string]model.PropertyValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
