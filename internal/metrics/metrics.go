// Package metrics registers the prometheus collectors for every stage of
// the pipeline (§10) and serves them alongside the health endpoints.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	// C1 Payload Decoder
	FramesDecodedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canary_sync_frames_decoded_total",
			Help: "Total number of Sparkplug frames decoded successfully",
		},
		[]string{"message_type"},
	)
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canary_sync_frames_dropped_total",
			Help: "Total number of frames dropped due to malformed framing",
		},
		[]string{"reason"},
	)
	UnsupportedDatatypeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canary_sync_unsupported_datatype_total",
			Help: "Total number of metric properties skipped for an unsupported datatype",
		},
		[]string{"datatype"},
	)

	// C2 Alias Cache
	AliasMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canary_sync_alias_misses_total",
		Help: "Total number of alias lookups with no mapping present",
	})
	RebirthsRequestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canary_sync_rebirths_requested_total",
			Help: "Total number of rebirth requests published due to unknown aliases",
		},
		[]string{"group", "edge", "device"},
	)

	// C4 Upsert Planner
	PlanOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canary_sync_plan_outcomes_total",
			Help: "Total number of plan outcomes by kind",
		},
		[]string{"kind"},
	)

	// C5 Metadata Repository
	RepositoryWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canary_sync_repository_write_duration_seconds",
			Help:    "Time spent applying a plan to the repository",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// C6 CDC Listener
	CDCLagBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canary_sync_cdc_lag_bytes",
		Help: "Estimated replication lag behind the current WAL position, in bytes",
	})
	CDCReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canary_sync_cdc_reconnects_total",
		Help: "Total number of CDC listener reconnect attempts",
	})

	// C7 Debounce Buffer
	DebounceBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canary_sync_debounce_buffer_depth",
		Help: "Current number of distinct metric keys held in the debounce buffer",
	})
	DebounceDroppedNewKeysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canary_sync_debounce_dropped_new_keys_total",
		Help: "Total number of new keys dropped because the debounce buffer was at capacity",
	})

	// C8 Egress Mapper
	MapperDiffsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canary_sync_mapper_diffs_dropped_total",
			Help: "Total number of aggregated diffs dropped before mapping, by reason",
		},
		[]string{"reason"},
	)

	// C11 Egress Client
	EgressRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canary_sync_egress_request_duration_seconds",
			Help:    "Time spent on a single egress HTTP attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	EgressOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canary_sync_egress_outcomes_total",
			Help: "Total number of batch delivery outcomes",
		},
		[]string{"outcome"},
	)
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canary_sync_circuit_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// C12 Dead-Letter Store
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canary_sync_dlq_depth",
		Help: "Current number of pending (non-replayed, non-expired) dead-lettered entries",
	})
)

// RecordFrameDecoded increments the per-message-type decode counter (C1).
func RecordFrameDecoded(messageType string) {
	FramesDecodedTotal.WithLabelValues(messageType).Inc()
}

// RecordFrameDropped increments the drop counter with its reason (C1, §7
// ProtocolFraming policy).
func RecordFrameDropped(reason string) {
	FramesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordUnsupportedDatatype increments the unsupported-datatype counter (C1).
func RecordUnsupportedDatatype(datatype string) {
	UnsupportedDatatypeTotal.WithLabelValues(datatype).Inc()
}

// RecordAliasMiss increments the alias-miss counter (C2).
func RecordAliasMiss() {
	AliasMissesTotal.Inc()
}

// RecordRebirthRequested increments the per-device rebirth counter (C2).
func RecordRebirthRequested(group, edge, device string) {
	RebirthsRequestedTotal.WithLabelValues(group, edge, device).Inc()
}

// RecordPlanOutcome increments the plan-outcome counter by kind (C4).
func RecordPlanOutcome(kind string) {
	PlanOutcomesTotal.WithLabelValues(kind).Inc()
}

// ObserveRepositoryWrite records how long a plan application took (C5).
func ObserveRepositoryWrite(mode string, duration time.Duration) {
	RepositoryWriteDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetCDCLag updates the replication-lag gauge (C6).
func SetCDCLag(bytes int64) {
	CDCLagBytes.Set(float64(bytes))
}

// RecordCDCReconnect increments the reconnect counter (C6).
func RecordCDCReconnect() {
	CDCReconnectsTotal.Inc()
}

// SetDebounceBufferDepth updates the buffer-depth gauge (C7).
func SetDebounceBufferDepth(depth int) {
	DebounceBufferDepth.Set(float64(depth))
}

// RecordDebounceDroppedNewKey increments the drop counter (C7).
func RecordDebounceDroppedNewKey() {
	DebounceDroppedNewKeysTotal.Inc()
}

// RecordMapperDiffDropped increments the pre-mapping drop counter with its
// reason (C8, P8: nothing is silently discarded).
func RecordMapperDiffDropped(reason string) {
	MapperDiffsDroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveEgressRequest records one egress HTTP attempt's latency by outcome (C11).
func ObserveEgressRequest(outcome string, duration time.Duration) {
	EgressRequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordEgressOutcome increments the batch-delivery-outcome counter (C11).
func RecordEgressOutcome(outcome string) {
	EgressOutcomesTotal.WithLabelValues(outcome).Inc()
}

// SetCircuitBreakerState updates the breaker-state gauge (C11); state is
// one of 0 (closed), 1 (half_open), 2 (open).
func SetCircuitBreakerState(state int) {
	CircuitBreakerState.Set(float64(state))
}

// SetDLQDepth updates the DLQ-depth gauge (C12).
func SetDLQDepth(depth int) {
	DLQDepth.Set(float64(depth))
}

// Server exposes /metrics on metrics.listen_addr, hosted by the same
// gorilla/mux router the app wires /healthz and /readyz into.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
}

// NewServer constructs the metrics HTTP server bound to handler, which the
// caller (internal/app) composes with the health endpoints on one mux.
func NewServer(addr string, handler http.Handler, logger *logrus.Logger) *Server {
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: handler},
		logger:     logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting metrics server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
