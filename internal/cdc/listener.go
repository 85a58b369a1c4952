package cdc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/secil-uns/canary-sync/internal/model"
	pkgerrors "github.com/secil-uns/canary-sync/pkg/errors"
)

const component = "cdc"

// ConnState is the listener's connection state machine (§4.6):
// Disconnected → Connecting → Streaming → (Reconnecting | Shutdown).
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Streaming
	Reconnecting
	Shutdown
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Config configures one replication connection (§4.6, §6 `db.*`/`cdc.*`).
type Config struct {
	ConnInfo        string
	PublicationName string
	SlotName        string
	IdleSleep       time.Duration
	MaxBatchMsgs    int
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
}

// Sink receives decoded row changes; the debounce buffer implements it.
type Sink interface {
	Add(change model.RowChange)
}

// MetricKeyResolver resolves a metric_key to its canary_id. metric_properties
// rows carry no canary_id column of their own (migrations/00001_init_schema.sql),
// so the listener falls back to this when a property row's metric hasn't
// been seen yet through a replicated `metrics` row — e.g. a metric that
// existed before this slot started streaming. repository.Repository
// satisfies this directly.
type MetricKeyResolver interface {
	CanaryIDByMetricKey(ctx context.Context, metricKey int64) (string, bool, error)
}

// Listener drives one logical-replication connection end to end.
type Listener struct {
	cfg        Config
	checkpoint CheckpointBackend
	sink       Sink
	resolver   MetricKeyResolver
	logger     *logrus.Logger

	mu        sync.RWMutex
	state     ConnState
	relations map[uint32]*relation
	canaryIDs map[int64]string // metric_key -> canary_id, learned from `metrics` rows
	lagBytes  int64

	onStateChange func(ConnState)
}

func NewListener(cfg Config, checkpoint CheckpointBackend, sink Sink, resolver MetricKeyResolver, logger *logrus.Logger) *Listener {
	return &Listener{
		cfg:        cfg,
		checkpoint: checkpoint,
		sink:       sink,
		resolver:   resolver,
		logger:     logger,
		state:      Disconnected,
		relations:  make(map[uint32]*relation),
		canaryIDs:  make(map[int64]string),
	}
}

func (l *Listener) State() ConnState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Listener) LagBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lagBytes
}

func (l *Listener) OnStateChange(fn func(ConnState)) {
	l.onStateChange = fn
}

func (l *Listener) setState(s ConnState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	if l.onStateChange != nil {
		l.onStateChange(s)
	}
}

// Run drives the connect/stream/reconnect loop until ctx is cancelled
// (§4.6 failure semantics: capped exponential-backoff reconnection).
func (l *Listener) Run(ctx context.Context) error {
	delay := l.cfg.ReconnectBase
	for {
		select {
		case <-ctx.Done():
			l.setState(Shutdown)
			return ctx.Err()
		default:
		}

		l.setState(Connecting)
		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			l.setState(Shutdown)
			return ctx.Err()
		}
		if err != nil {
			l.logger.WithFields(logrus.Fields{"component": component}).WithError(err).Warn("replication connection lost, reconnecting")
		}

		l.setState(Reconnecting)
		select {
		case <-ctx.Done():
			l.setState(Shutdown)
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > l.cfg.ReconnectMax {
			delay = l.cfg.ReconnectMax
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, l.cfg.ConnInfo)
	if err != nil {
		return pkgerrors.NewTransientNetwork(component, "connect", "replication connect failed").Wrap(err)
	}
	defer conn.Close(ctx)

	startLSN, err := l.checkpoint.Load()
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	if err := ensurePublicationAndSlot(ctx, conn, l.cfg.PublicationName, l.cfg.SlotName); err != nil {
		return err
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", l.cfg.PublicationName),
	}
	if err := pglogrepl.StartReplication(ctx, conn, l.cfg.SlotName, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return pkgerrors.NewTransientNetwork(component, "start_replication", "StartReplication failed").Wrap(err)
	}

	l.setState(Streaming)
	clientXLogPos := startLSN
	standbyDeadline := time.Now().Add(10 * time.Second)
	batchCount := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(standbyDeadline) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos}); err != nil {
				return fmt.Errorf("sending standby status: %w", err)
			}
			standbyDeadline = time.Now().Add(10 * time.Second)
		}

		recvCtx, cancel := context.WithTimeout(ctx, l.cfg.IdleSleep)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return pkgerrors.NewTransientNetwork(component, "receive", "ReceiveMessage failed").Wrap(err)
		}

		cdMsg, ok := msg.(*pgconn.CopyData)
		if !ok {
			continue
		}

		switch cdMsg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cdMsg.Data[1:])
			if err != nil {
				return fmt.Errorf("parsing keepalive: %w", err)
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				standbyDeadline = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cdMsg.Data[1:])
			if err != nil {
				return fmt.Errorf("parsing xlog data: %w", err)
			}

			changes := l.decodeMessage(ctx, xld.WALData)
			for _, change := range changes {
				l.sink.Add(change)
			}

			if xld.WALStart+pglogrepl.LSN(len(xld.WALData)) > clientXLogPos {
				clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			}

			batchCount++
			if batchCount >= l.cfg.MaxBatchMsgs {
				// slot position never advances past an unflushed debounce
				// record (§4.6); the debounce buffer's own flush confirms
				// acceptance before Advance is called by the caller loop.
				batchCount = 0
			}
		}
	}
}

// Advance persists the resume token. The caller (the ingest task) invokes
// this only after the debounce buffer has confirmed a record's
// contribution was accepted (§4.6 point 3), never eagerly.
func (l *Listener) Advance(lsn pglogrepl.LSN) error {
	return l.checkpoint.Save(lsn)
}

func ensurePublicationAndSlot(ctx context.Context, conn *pgconn.PgConn, publication, slot string) error {
	if _, err := pglogrepl.IdentifySystem(ctx, conn); err != nil {
		return fmt.Errorf("IDENTIFY_SYSTEM: %w", err)
	}

	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{Temporary: false, Mode: pglogrepl.LogicalReplication})
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42710" { // duplicate_object: slot already exists
		return nil
	}
	return fmt.Errorf("creating replication slot %q: %w", slot, err)
}

// relation is the decoder's memory of one pgoutput Relation message: the
// column layout needed to interpret subsequent Insert/Update/Delete
// tuples for that table OID.
type relation struct {
	namespace string
	name      string
	columns   []relationColumn
}

type relationColumn struct {
	name     string
	typeOID  uint32
	keyFlags uint8
}

// decodeMessage decodes one pgoutput logical-replication message into zero
// or more RowChange values. Only Relation/Insert/Update/Delete are
// meaningful here; Begin/Commit/Origin/Type are consumed for stream
// bookkeeping and otherwise ignored, since the planner's own transaction
// already bounds atomicity (§4.6 point 2).
func (l *Listener) decodeMessage(ctx context.Context, data []byte) []model.RowChange {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case 'R':
		rel, err := decodeRelation(data[1:])
		if err != nil {
			l.logger.WithError(err).Warn("dropping malformed relation message")
			return nil
		}
		l.mu.Lock()
		l.relations[rel.oid] = rel.relation
		l.mu.Unlock()
		return nil
	case 'I':
		return l.decodeInsert(ctx, data[1:])
	case 'U':
		return l.decodeUpdate(ctx, data[1:])
	case 'D':
		return l.decodeDelete(ctx, data[1:])
	default:
		return nil
	}
}

type decodedRelation struct {
	oid      uint32
	relation *relation
}

func decodeRelation(data []byte) (decodedRelation, error) {
	if len(data) < 4 {
		return decodedRelation{}, pkgerrors.NewProtocolFraming(component, "decode_relation", "truncated relation message")
	}
	oid := binary.BigEndian.Uint32(data[0:4])
	off := 4

	ns, n := readCString(data[off:])
	off += n
	name, n := readCString(data[off:])
	off += n

	off++ // replica identity byte

	if off+2 > len(data) {
		return decodedRelation{}, pkgerrors.NewProtocolFraming(component, "decode_relation", "truncated column count")
	}
	numCols := binary.BigEndian.Uint16(data[off : off+2])
	off += 2

	cols := make([]relationColumn, 0, numCols)
	for i := 0; i < int(numCols); i++ {
		if off >= len(data) {
			return decodedRelation{}, pkgerrors.NewProtocolFraming(component, "decode_relation", "truncated column list")
		}
		flags := data[off]
		off++
		colName, n := readCString(data[off:])
		off += n
		if off+4 > len(data) {
			return decodedRelation{}, pkgerrors.NewProtocolFraming(component, "decode_relation", "truncated column type oid")
		}
		typeOID := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		if off+4 > len(data) {
			return decodedRelation{}, pkgerrors.NewProtocolFraming(component, "decode_relation", "truncated type modifier")
		}
		off += 4 // type modifier, unused

		cols = append(cols, relationColumn{name: colName, typeOID: typeOID, keyFlags: flags})
	}

	return decodedRelation{oid: oid, relation: &relation{namespace: ns, name: name, columns: cols}}, nil
}

func readCString(data []byte) (string, int) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), i + 1
		}
	}
	return string(data), len(data)
}

func (l *Listener) decodeInsert(ctx context.Context, data []byte) []model.RowChange {
	if len(data) < 5 {
		return nil
	}
	oid := binary.BigEndian.Uint32(data[0:4])
	rel := l.relationFor(oid)
	if rel == nil {
		return nil
	}

	tuple, _, err := decodeTuple(data[5:], len(rel.columns))
	if err != nil {
		l.logger.WithError(err).Warn("dropping malformed insert tuple")
		return nil
	}

	return []model.RowChange{l.buildRowChange(ctx, rel, model.ChangeInsert, nil, tuple)}
}

func (l *Listener) decodeUpdate(ctx context.Context, data []byte) []model.RowChange {
	if len(data) < 5 {
		return nil
	}
	oid := binary.BigEndian.Uint32(data[0:4])
	rel := l.relationFor(oid)
	if rel == nil {
		return nil
	}

	off := 4
	var beforeTuple []*string
	if off < len(data) && (data[off] == 'K' || data[off] == 'O') {
		off++
		tuple, n, err := decodeTuple(data[off:], len(rel.columns))
		if err != nil {
			l.logger.WithError(err).Warn("dropping malformed update before-image")
			return nil
		}
		beforeTuple = tuple
		off += n
	}

	if off >= len(data) || data[off] != 'N' {
		return nil
	}
	off++

	afterTuple, _, err := decodeTuple(data[off:], len(rel.columns))
	if err != nil {
		l.logger.WithError(err).Warn("dropping malformed update after-image")
		return nil
	}

	return []model.RowChange{l.buildRowChange(ctx, rel, model.ChangeUpdate, beforeTuple, afterTuple)}
}

func (l *Listener) decodeDelete(ctx context.Context, data []byte) []model.RowChange {
	if len(data) < 5 {
		return nil
	}
	oid := binary.BigEndian.Uint32(data[0:4])
	rel := l.relationFor(oid)
	if rel == nil {
		return nil
	}

	off := 4
	if off >= len(data) || (data[off] != 'K' && data[off] != 'O') {
		return nil
	}
	off++

	tuple, _, err := decodeTuple(data[off:], len(rel.columns))
	if err != nil {
		l.logger.WithError(err).Warn("dropping malformed delete key image")
		return nil
	}

	return []model.RowChange{l.buildRowChange(ctx, rel, model.ChangeDelete, tuple, nil)}
}

// buildRowChange turns one relation's before/after tuples into a RowChange.
// metric_properties rows carry no semantic key of their own in their raw
// columns (key/type/value_*), so they're decoded specially into a single
// {key: value} entry with CanaryID resolved via the metric_key cache/lookup;
// every other relation (metrics, in practice) keeps the generic
// column-name-to-property mapping it always used, and doubles as the
// source that populates the metric_key -> canary_id cache.
func (l *Listener) buildRowChange(ctx context.Context, rel *relation, kind model.ChangeKind, beforeTuple, afterTuple []*string) model.RowChange {
	if rel.name == "metric_properties" {
		return l.buildPropertyRowChange(ctx, rel, kind, beforeTuple, afterTuple)
	}

	before := tupleToProperties(rel, beforeTuple)
	after := tupleToProperties(rel, afterTuple)
	change := model.RowChange{
		MetricKey: metricKeyFrom(after, before),
		Kind:      kind,
		Before:    before,
		After:     after,
	}

	if rel.name == "metrics" {
		change.CanaryID = canaryIDFromColumns(after, before)
		l.cacheCanaryID(change.MetricKey, change.CanaryID)
	}
	return change
}

func (l *Listener) buildPropertyRowChange(ctx context.Context, rel *relation, kind model.ChangeKind, beforeTuple, afterTuple []*string) model.RowChange {
	change := model.RowChange{Kind: kind}

	if metricKey, key, value, ok := decodePropertyTuple(rel, afterTuple); ok {
		change.MetricKey = metricKey
		change.After = map[string]model.PropertyValue{key: value}
	}
	if metricKey, key, value, ok := decodePropertyTuple(rel, beforeTuple); ok {
		if change.MetricKey == 0 {
			change.MetricKey = metricKey
		}
		change.Before = map[string]model.PropertyValue{key: value}
	}

	if change.MetricKey != 0 {
		change.CanaryID = l.lookupCanaryID(ctx, change.MetricKey)
	}
	return change
}

func (l *Listener) cacheCanaryID(metricKey int64, canaryID string) {
	if metricKey == 0 || canaryID == "" {
		return
	}
	l.mu.Lock()
	l.canaryIDs[metricKey] = canaryID
	l.mu.Unlock()
}

// lookupCanaryID checks the in-memory cache learned from replicated
// `metrics` rows first, then falls back to the resolver (a database
// lookup) for a metric this listener hasn't seen an insert/update for yet.
func (l *Listener) lookupCanaryID(ctx context.Context, metricKey int64) string {
	l.mu.RLock()
	id, ok := l.canaryIDs[metricKey]
	l.mu.RUnlock()
	if ok {
		return id
	}
	if l.resolver == nil {
		return ""
	}

	id, found, err := l.resolver.CanaryIDByMetricKey(ctx, metricKey)
	if err != nil {
		l.logger.WithError(err).WithField("metric_key", metricKey).Warn("canary_id lookup failed")
		return ""
	}
	if !found {
		return ""
	}
	l.cacheCanaryID(metricKey, id)
	return id
}

func (l *Listener) relationFor(oid uint32) *relation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.relations[oid]
}

// decodeTuple decodes a pgoutput TupleData section: a column count
// followed by one (kind byte, [length, bytes]) entry per column. Only
// textual ('t') values are interpreted; nulls ('n') and unchanged-toast
// ('u') markers are skipped.
func decodeTuple(data []byte, numCols int) ([]*string, int, error) {
	if len(data) < 2 {
		return nil, 0, pkgerrors.NewProtocolFraming(component, "decode_tuple", "truncated tuple header")
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	off := 2

	values := make([]*string, 0, count)
	for i := 0; i < count; i++ {
		if off >= len(data) {
			return nil, off, pkgerrors.NewProtocolFraming(component, "decode_tuple", "truncated tuple column")
		}
		kind := data[off]
		off++
		switch kind {
		case 'n', 'u':
			values = append(values, nil)
		case 't':
			if off+4 > len(data) {
				return nil, off, pkgerrors.NewProtocolFraming(component, "decode_tuple", "truncated column length")
			}
			length := int(binary.BigEndian.Uint32(data[off : off+4]))
			off += 4
			if off+length > len(data) {
				return nil, off, pkgerrors.NewProtocolFraming(component, "decode_tuple", "truncated column value")
			}
			s := string(data[off : off+length])
			values = append(values, &s)
			off += length
		default:
			return nil, off, pkgerrors.NewProtocolFraming(component, "decode_tuple", "unknown tuple column kind")
		}
	}
	return values, off, nil
}

func tupleToProperties(rel *relation, tuple []*string) map[string]model.PropertyValue {
	out := make(map[string]model.PropertyValue, len(tuple))
	for i, v := range tuple {
		if i >= len(rel.columns) || v == nil {
			continue
		}
		out[rel.columns[i].name] = model.PropertyValue{Type: model.PropString, String: *v}
	}
	return out
}

// metricKeyFrom reads a row's own metric_key column, preferring the after
// image and falling back to the before image (a delete carries only the
// latter).
func metricKeyFrom(after, before map[string]model.PropertyValue) int64 {
	if v, ok := after["metric_key"]; ok {
		if key, err := strconv.ParseInt(v.String, 10, 64); err == nil {
			return key
		}
	}
	if v, ok := before["metric_key"]; ok {
		if key, err := strconv.ParseInt(v.String, 10, 64); err == nil {
			return key
		}
	}
	return 0
}

// canaryIDFromColumns reads the metrics table's own generated canary_id
// column, preferring the after image.
func canaryIDFromColumns(after, before map[string]model.PropertyValue) string {
	if v, ok := after["canary_id"]; ok {
		return v.String
	}
	if v, ok := before["canary_id"]; ok {
		return v.String
	}
	return ""
}

// rawTupleColumns maps a relation's column names onto one tuple's textual
// values, skipping columns the tuple doesn't cover or that were null/unchanged.
func rawTupleColumns(rel *relation, tuple []*string) map[string]*string {
	raw := make(map[string]*string, len(rel.columns))
	for i, v := range tuple {
		if i >= len(rel.columns) {
			continue
		}
		raw[rel.columns[i].name] = v
	}
	return raw
}

// decodePropertyTuple decodes one metric_properties row image into the
// single semantic {key: value} entry it represents, using the row's own
// key/type/value_* columns rather than the raw column names (§4.6, §9
// "steady-state change traffic").
func decodePropertyTuple(rel *relation, tuple []*string) (metricKey int64, key string, value model.PropertyValue, ok bool) {
	if tuple == nil {
		return 0, "", model.PropertyValue{}, false
	}
	raw := rawTupleColumns(rel, tuple)

	mkRaw, keyRaw, typeRaw := raw["metric_key"], raw["key"], raw["type"]
	if mkRaw == nil || keyRaw == nil || typeRaw == nil {
		return 0, "", model.PropertyValue{}, false
	}

	mk, err := strconv.ParseInt(*mkRaw, 10, 64)
	if err != nil {
		return 0, "", model.PropertyValue{}, false
	}

	value, ok = propertyValueFromColumns(*typeRaw, raw)
	if !ok {
		return 0, "", model.PropertyValue{}, false
	}
	return mk, *keyRaw, value, true
}

// propertyValueFromColumns dispatches on the row's `type` enum column to
// the one populated value_* column (migrations/00001_init_schema.sql's
// exactly-one-typed-value CHECK constraint).
func propertyValueFromColumns(typ string, raw map[string]*string) (model.PropertyValue, bool) {
	switch typ {
	case "int":
		n, ok := parseIntColumn(raw["value_int"])
		return model.PropertyValue{Type: model.PropInt, Int: n}, ok
	case "long":
		n, ok := parseIntColumn(raw["value_long"])
		return model.PropertyValue{Type: model.PropLong, Long: n}, ok
	case "float":
		f, ok := parseFloatColumn(raw["value_float"])
		return model.PropertyValue{Type: model.PropFloat, Float: float32(f)}, ok
	case "double":
		f, ok := parseFloatColumn(raw["value_double"])
		return model.PropertyValue{Type: model.PropDouble, Double: f}, ok
	case "string":
		if raw["value_string"] == nil {
			return model.PropertyValue{}, false
		}
		return model.PropertyValue{Type: model.PropString, String: *raw["value_string"]}, true
	case "boolean":
		b, ok := parseBoolColumn(raw["value_bool"])
		return model.PropertyValue{Type: model.PropBoolean, Boolean: b}, ok
	default:
		return model.PropertyValue{}, false
	}
}

func parseIntColumn(s *string) (int64, bool) {
	if s == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(*s, 10, 64)
	return n, err == nil
}

func parseFloatColumn(s *string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(*s, 64)
	return f, err == nil
}

func parseBoolColumn(s *string) (bool, bool) {
	if s == nil {
		return false, false
	}
	b, err := strconv.ParseBool(*s)
	return b, err == nil
}
