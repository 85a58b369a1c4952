package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/secil-uns/canary-sync/internal/metrics"
	"github.com/secil-uns/canary-sync/internal/normalize"
	"github.com/secil-uns/canary-sync/internal/planner"
	"github.com/secil-uns/canary-sync/internal/repository"
	pkgerrors "github.com/secil-uns/canary-sync/pkg/errors"
)

// Rebirther issues a throttled rebirth request; *Intake implements it.
type Rebirther interface {
	PublishRebirth(req RebirthRequest) error
}

// Pipeline is the ingest task (C1 decode -> C2 alias -> C3 normalize -> C4
// plan -> C5 apply) that consumes RawFrame values off Intake.Frames. It
// never touches the MQTT client directly, so it can be driven by tests with
// a plain channel.
type Pipeline struct {
	decoder    *Decoder
	aliases    *AliasCache
	classifier *ClassificationResolver
	normalizer *normalize.Normalizer
	planner    *planner.Planner
	repo       repository.Repository
	rebirther  Rebirther
	logger     *logrus.Logger
}

func NewPipeline(
	decoder *Decoder,
	aliases *AliasCache,
	classifier *ClassificationResolver,
	normalizer *normalize.Normalizer,
	pl *planner.Planner,
	repo repository.Repository,
	rebirther Rebirther,
	logger *logrus.Logger,
) *Pipeline {
	p := &Pipeline{
		decoder:    decoder,
		aliases:    aliases,
		classifier: classifier,
		normalizer: normalizer,
		planner:    pl,
		repo:       repo,
		rebirther:  rebirther,
		logger:     logger,
	}
	decoder.OnUnsupportedDatatype(func(metric, key string, code uint64) {
		metrics.RecordUnsupportedDatatype(datatypeName(code))
		logger.WithFields(logrus.Fields{"metric": metric, "property": key, "code": code}).
			Debug("unsupported property datatype, dropped")
	})
	return p
}

// Run drains raw until ctx is cancelled, processing one frame at a time.
// (§5: the ingest task is single-consumer by design, since ApplyPlan's
// ordering guarantees assume in-order application per device.)
func (p *Pipeline) Run(ctx context.Context, raw <-chan RawFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rf, ok := <-raw:
			if !ok {
				return nil
			}
			if err := p.process(ctx, rf); err != nil {
				p.logger.WithError(err).WithField("topic", rf.Topic).Error("frame processing failed")
			}
		}
	}
}

// ProcessOne runs a single raw frame through the full decode/alias/
// normalize/plan/apply chain, bypassing Run's channel loop. Used by the
// `ingest-fixture` operator command to replay one captured frame.
func (p *Pipeline) ProcessOne(ctx context.Context, rf RawFrame) error {
	return p.process(ctx, rf)
}

func (p *Pipeline) process(ctx context.Context, rf RawFrame) error {
	frame, err := p.decoder.Decode(rf.Topic, rf.Payload)
	if err != nil {
		metrics.RecordFrameDropped("decode_error")
		return err
	}
	metrics.RecordFrameDecoded(string(frame.MessageType))

	class := p.classifier.Resolve(frame.Edge)
	unsDevicePath, err := p.normalizer.NormalizeDevice([]string{
		frame.Group, class.Country, class.BusinessUnit, class.Plant, frame.Edge, frame.Device,
	})
	if err != nil {
		metrics.RecordFrameDropped("normalize_error")
		return err
	}

	natural := repository.DeviceNaturalKey{GroupID: frame.Group, Edge: frame.Edge, Device: frame.Device}
	existingDevice, err := p.repo.SnapshotDevice(ctx, natural)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.TransientNetwork, component, "snapshot_device", "snapshot device failed")
	}

	devicePlan := p.planner.PlanDevice(existingDevice, planner.DeviceInput{
		GroupID: frame.Group, Country: class.Country, BusinessUnit: class.BusinessUnit,
		Plant: class.Plant, Edge: frame.Edge, Device: frame.Device, UNSPath: unsDevicePath,
	})

	deviceKey := int64(0)
	if existingDevice != nil {
		deviceKey = existingDevice.DeviceKey
	}
	if devicePlan.Action == planner.DeviceInsert {
		deviceKey, err = p.repo.NextDeviceKey(ctx)
		if err != nil {
			return pkgerrors.Wrap(err, pkgerrors.TransientNetwork, component, "next_device_key", "allocate device key failed")
		}
		devicePlan.Device.DeviceKey = deviceKey
	}

	plans := make([]plannedMetric, 0, len(frame.Metrics))
	for _, dm := range frame.Metrics {
		name, ok := p.resolveName(frame, dm)
		if !ok {
			continue
		}

		unsMetricPath, err := p.normalizer.NormalizeMetric(unsDevicePath, name)
		if err != nil {
			metrics.RecordFrameDropped("normalize_error")
			continue
		}

		if dm.HasAlias {
			p.aliases.Populate(frame.Group, frame.Edge, frame.Device, dm.Alias, name)
		}

		existingMetric, existingProps, err := p.repo.SnapshotMetric(ctx, deviceKey, name)
		if err != nil {
			return pkgerrors.Wrap(err, pkgerrors.TransientNetwork, component, "snapshot_metric", "snapshot metric failed")
		}

		plan := p.planner.PlanMetric(deviceKey, existingMetric, existingProps, planner.MetricInput{
			Name: name, UNSPath: unsMetricPath, Datatype: dm.Datatype, Properties: dm.Properties,
		})
		plans = append(plans, plannedMetric{plan: plan, outcomeKind: outcomeKindOf(plan)})
	}

	return p.apply(ctx, deviceKey, devicePlan, plans)
}

// resolveName applies §4.2's precedence: a name carried inline wins; an
// alias-only metric is resolved against the cache, or placeholdered with a
// throttled rebirth request when unknown.
func (p *Pipeline) resolveName(frame *Frame, dm DecodedMetric) (string, bool) {
	if dm.Name != "" {
		return dm.Name, true
	}
	if !dm.HasAlias {
		return "", false
	}

	if name, ok := p.aliases.Resolve(frame.Group, frame.Edge, frame.Device, dm.Alias); ok {
		return name, true
	}

	metrics.RecordAliasMiss()
	placeholder, shouldRebirth := p.aliases.Placeholder(frame.Group, frame.Edge, frame.Device, dm.Alias)
	if shouldRebirth && p.rebirther != nil {
		metrics.RecordRebirthRequested(frame.Group, frame.Edge, frame.Device)
		if err := p.rebirther.PublishRebirth(RebirthRequest{Group: frame.Group, Edge: frame.Edge, Device: frame.Device}); err != nil {
			p.logger.WithError(err).Warn("rebirth publish failed")
		}
	}
	return placeholder, true
}

type plannedMetric struct {
	plan        planner.Plan
	outcomeKind string
}

func outcomeKindOf(p planner.Plan) string {
	switch p.Metric.Action {
	case planner.MetricInsert:
		return "metric_insert"
	case planner.MetricUpdate:
		return "metric_update"
	case planner.MetricRename:
		return "metric_rename"
	default:
		return "metric_noop"
	}
}

func (p *Pipeline) apply(ctx context.Context, deviceKey int64, devicePlan planner.DevicePlan, metricsPlans []plannedMetric) error {
	if devicePlan.Action == planner.DeviceInsert || devicePlan.Action == planner.DeviceUpdate {
		_, err := p.repo.ApplyPlan(ctx, deviceKey, planner.Plan{Device: devicePlan})
		if err != nil {
			return pkgerrors.Wrap(err, pkgerrors.ConstraintViolation, component, "apply_device_plan", "apply device plan failed")
		}
	}

	if len(metricsPlans) == 0 {
		return nil
	}

	mode := "per_row"
	if len(metricsPlans) > repository.BulkThreshold {
		mode = "bulk"
	}

	start := time.Now()

	if mode == "bulk" {
		plans := make([]planner.Plan, 0, len(metricsPlans))
		for _, pm := range metricsPlans {
			plans = append(plans, pm.plan)
		}
		if _, err := p.repo.ApplyBulk(ctx, deviceKey, plans); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.ConstraintViolation, component, "apply_bulk", "bulk apply failed")
		}
		metrics.ObserveRepositoryWrite(mode, time.Since(start))
		for _, pm := range metricsPlans {
			metrics.RecordPlanOutcome(pm.outcomeKind)
		}
		return nil
	}

	for _, pm := range metricsPlans {
		if pm.plan.IsNoOp() {
			metrics.RecordPlanOutcome(pm.outcomeKind)
			continue
		}
		if _, err := p.repo.ApplyPlan(ctx, deviceKey, pm.plan); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.ConstraintViolation, component, "apply_plan", "apply metric plan failed")
		}
		metrics.RecordPlanOutcome(pm.outcomeKind)
	}
	metrics.ObserveRepositoryWrite(mode, time.Since(start))
	return nil
}
