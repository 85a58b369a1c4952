// Package egress implements the historian-facing half of the pipeline:
// the batch mapper (C8), session manager (C9), dataset resolver (C10)
// and the HTTP client that composes them (C11).
package egress

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/secil-uns/canary-sync/internal/metrics"
	"github.com/secil-uns/canary-sync/internal/model"
)

const qualityGood = "good"

// qualityGoodCode is the fixed numeric quality indicator the historian's
// write endpoint expects on the wire in place of qualityGood (§4.9 point 3).
const qualityGoodCode = 192

// TagWrite is one `[timestamp, "key=value", quality]` triple in the
// historian's property-write payload (§4.8). Quality carries the named
// marker internally; MarshalJSON encodes it as the wire's fixed 192.
type TagWrite struct {
	Timestamp int64
	KeyValue  string
	Quality   string
}

func (w TagWrite) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{w.Timestamp, w.KeyValue, qualityGoodCode})
}

// Batch groups up to MapperConfig.MaxBatchTags distinct canary ids into one
// historian request, under the size cap MapperConfig.MaxPayloadBytes.
type Batch struct {
	IdempotencyKey string
	Properties     map[string][]TagWrite // canary_id -> writes
}

// MapperConfig bounds batch shape (§4.8, §6 `egress.max_batch_tags`/
// `egress.max_payload_bytes`).
type MapperConfig struct {
	MaxBatchTags    int
	MaxPayloadBytes int
}

type Mapper struct {
	cfg    MapperConfig
	logger *logrus.Logger
	now    func() time.Time
}

func NewMapper(cfg MapperConfig, logger *logrus.Logger) *Mapper {
	if cfg.MaxBatchTags <= 0 {
		cfg.MaxBatchTags = 500
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	return &Mapper{cfg: cfg, logger: logger, now: time.Now}
}

// Map converts a set of AggregatedDiffs into one or more Batches, each
// bounded by MaxBatchTags canary ids and, when the serialized estimate
// would exceed it, MaxPayloadBytes (§4.8). Only properties that actually
// changed are written; a deletion is not written as a tag value (there is
// no "undo" representation in the historian's property-write API — a
// deleted property is simply omitted from the next write).
func (m *Mapper) Map(diffs []model.AggregatedDiff) []Batch {
	var batches []Batch
	current := newBatchBuilder()
	ts := m.now().UnixMilli()

	for _, diff := range diffs {
		if diff.CanaryID == "" {
			metrics.RecordMapperDiffDropped("empty_canary_id")
			m.logger.WithField("metric_key", diff.MetricKey).Warn("dropping diff with no canary_id before mapping")
			continue
		}
		if len(diff.Properties) == 0 {
			metrics.RecordMapperDiffDropped("no_properties")
			m.logger.WithField("canary_id", diff.CanaryID).Warn("dropping diff with no properties before mapping")
			continue
		}

		writes := make([]TagWrite, 0, len(diff.Properties))
		for _, key := range sortedPropertyKeys(diff.Properties) {
			v := diff.Properties[key]
			writes = append(writes, TagWrite{
				Timestamp: ts,
				KeyValue:  fmt.Sprintf("%s=%s", key, formatValue(v)),
				Quality:   qualityGood,
			})
		}
		if len(writes) == 0 {
			continue
		}

		if current.wouldOverflow(diff.CanaryID, writes, m.cfg) {
			batches = append(batches, current.build())
			current = newBatchBuilder()
		}
		current.add(diff.CanaryID, writes)
	}

	if !current.empty() {
		batches = append(batches, current.build())
	}
	return batches
}

type batchBuilder struct {
	properties map[string][]TagWrite
	order      []string
	size       int
}

func newBatchBuilder() *batchBuilder {
	return &batchBuilder{properties: make(map[string][]TagWrite)}
}

func (b *batchBuilder) empty() bool {
	return len(b.properties) == 0
}

func (b *batchBuilder) wouldOverflow(canaryID string, writes []TagWrite, cfg MapperConfig) bool {
	if b.empty() {
		return false
	}
	if _, exists := b.properties[canaryID]; !exists && len(b.properties) >= cfg.MaxBatchTags {
		return true
	}
	return b.size+estimateSize(canaryID, writes) > cfg.MaxPayloadBytes
}

func (b *batchBuilder) add(canaryID string, writes []TagWrite) {
	if _, exists := b.properties[canaryID]; !exists {
		b.order = append(b.order, canaryID)
	}
	b.properties[canaryID] = append(b.properties[canaryID], writes...)
	b.size += estimateSize(canaryID, writes)
}

func (b *batchBuilder) build() Batch {
	return Batch{
		IdempotencyKey: idempotencyKey(b.properties),
		Properties:     b.properties,
	}
}

func estimateSize(canaryID string, writes []TagWrite) int {
	size := len(canaryID) + 8
	for _, w := range writes {
		size += len(w.KeyValue) + 24
	}
	return size
}

// idempotencyKey hashes (sorted canary_ids, sorted key=value pairs) so
// that replaying the same logical batch after a network failure produces
// the same key (§4.8, §9 "Retries and idempotency" — a content hash, not
// a fresh UUID per attempt).
func idempotencyKey(properties map[string][]TagWrite) string {
	h := xxhash.New()
	for _, canaryID := range sortedStringKeys(properties) {
		h.WriteString(canaryID)
		h.WriteString("\x00")

		writes := append([]TagWrite(nil), properties[canaryID]...)
		sort.Slice(writes, func(i, j int) bool { return writes[i].KeyValue < writes[j].KeyValue })
		for _, w := range writes {
			h.WriteString(w.KeyValue)
			h.WriteString("\x00")
		}
		h.WriteString("\x01")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func sortedStringKeys(m map[string][]TagWrite) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPropertyKeys(m map[string]model.PropertyValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v model.PropertyValue) string {
	switch v.Type {
	case model.PropInt:
		return strconv.FormatInt(v.Int, 10)
	case model.PropLong:
		return strconv.FormatInt(v.Long, 10)
	case model.PropFloat:
		return strconv.FormatFloat(float64(v.Float), 'g', -1, 32)
	case model.PropDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	case model.PropBoolean:
		return strconv.FormatBool(v.Boolean)
	default:
		return v.String
	}
}
