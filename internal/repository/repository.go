// Package repository implements the metadata repository (C5): transactional,
// idempotent writes to the relational store, in both a per-row mode
// (apply_plan) and a staged bulk mode (apply_bulk) for high-fan-out births
// (§4.5).
package repository

import (
	"context"

	"github.com/secil-uns/canary-sync/internal/model"
	"github.com/secil-uns/canary-sync/internal/planner"
)

// Outcome is the per-call write summary §4.5 requires.
type Outcome struct {
	Inserted int
	Updated  int
	NoOp     int
}

func (o *Outcome) add(other Outcome) {
	o.Inserted += other.Inserted
	o.Updated += other.Updated
	o.NoOp += other.NoOp
}

// BulkOutcome aggregates Outcome across a staged batch.
type BulkOutcome struct {
	Outcome
	Plans int
}

// Repository is C5's public contract. Both db_mode values (local, mock)
// implement it identically so C4/C6/C11 never branch on storage backend.
type Repository interface {
	SnapshotDevice(ctx context.Context, natural DeviceNaturalKey) (*model.Device, error)
	SnapshotMetric(ctx context.Context, deviceKey int64, name string) (*model.Metric, map[string]model.MetricProperty, error)
	ApplyPlan(ctx context.Context, deviceKey int64, p planner.Plan) (Outcome, error)
	ApplyBulk(ctx context.Context, deviceKey int64, plans []planner.Plan) (BulkOutcome, error)
	NextDeviceKey(ctx context.Context) (int64, error)

	// CanaryIDByMetricKey resolves a metric's canary_id directly, for
	// callers (the CDC listener) that only have a metric_key to work from
	// and haven't learned the mapping from a replicated `metrics` row yet.
	CanaryIDByMetricKey(ctx context.Context, metricKey int64) (string, bool, error)
}

// DeviceNaturalKey is the (group_id, edge, device) unique tuple (§3).
type DeviceNaturalKey struct {
	GroupID string
	Edge    string
	Device  string
}

// BulkThreshold is the default metric-count above which the ingest pipeline
// routes a frame through ApplyBulk instead of per-row ApplyPlan calls (§4.4
// "Batch-size routing").
const BulkThreshold = 1000
