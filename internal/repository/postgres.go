package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/secil-uns/canary-sync/internal/model"
	"github.com/secil-uns/canary-sync/internal/planner"
	pkgerrors "github.com/secil-uns/canary-sync/pkg/errors"
)

const component = "repository"

// RetryConfig bounds the repository's internal retry of transient I/O
// errors before they are surfaced to the caller (§4.5).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Postgres is the `db_mode = local` Repository implementation, backed by
// pgx/v5 (named from jordigilh-kubernaut's go.mod — see DESIGN.md).
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
	retry  RetryConfig
}

func NewPostgres(pool *pgxpool.Pool, logger *logrus.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger, retry: defaultRetryConfig()}
}

func (r *Postgres) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	delay := r.retry.BaseDelay
	for attempt := 0; attempt < r.retry.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}

		r.logger.WithFields(logrus.Fields{"component": component, "operation": op, "attempt": attempt}).
			WithError(lastErr).Warn("transient repository error, retrying")

		jitter := time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}
		delay *= 2
		if delay > r.retry.MaxDelay {
			delay = r.retry.MaxDelay
		}
	}
	return pkgerrors.New(pkgerrors.TransientNetwork, component, op, "exhausted repository retries").Wrap(lastErr)
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514": // unique_violation, check_violation
			return false
		}
	}
	return !errors.As(err, &pgErr)
}

func (r *Postgres) NextDeviceKey(ctx context.Context) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT nextval('devices_device_key_seq')`).Scan(&id)
	return id, err
}

// CanaryIDByMetricKey backs the CDC listener's metric_key -> canary_id
// fallback lookup (cdc.MetricKeyResolver) for a metric its in-memory cache
// hasn't seen an insert/update row for yet.
func (r *Postgres) CanaryIDByMetricKey(ctx context.Context, metricKey int64) (string, bool, error) {
	var canaryID string
	err := r.withRetry(ctx, "canary_id_by_metric_key", func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, `SELECT canary_id FROM metrics WHERE metric_key = $1`, metricKey).Scan(&canaryID)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return canaryID, true, nil
}

func (r *Postgres) SnapshotDevice(ctx context.Context, natural DeviceNaturalKey) (*model.Device, error) {
	var d model.Device
	var err error
	queryErr := r.withRetry(ctx, "snapshot_device", func(ctx context.Context) error {
		err = r.pool.QueryRow(ctx, `
			SELECT device_key, group_id, country, business_unit, plant, edge, device, uns_path, created_at, updated_at
			FROM devices WHERE group_id = $1 AND edge = $2 AND device = $3`,
			natural.GroupID, natural.Edge, natural.Device,
		).Scan(&d.DeviceKey, &d.GroupID, &d.Country, &d.BusinessUnit, &d.Plant, &d.Edge, &d.Device, &d.UNSPath, &d.CreatedAt, &d.UpdatedAt)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if queryErr != nil {
		return nil, queryErr
	}
	return &d, nil
}

func (r *Postgres) SnapshotMetric(ctx context.Context, deviceKey int64, name string) (*model.Metric, map[string]model.MetricProperty, error) {
	var m model.Metric
	err := r.withRetry(ctx, "snapshot_metric", func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, `
			SELECT metric_key, device_key, name, uns_path, canary_id, datatype, created_at, updated_at
			FROM metrics WHERE device_key = $1 AND name = $2`,
			deviceKey, name,
		).Scan(&m.MetricKey, &m.DeviceKey, &m.Name, &m.UNSPath, &m.CanaryID, &m.Datatype, &m.CreatedAt, &m.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	props := make(map[string]model.MetricProperty)
	rowsErr := r.withRetry(ctx, "snapshot_metric_properties", func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT key, type, value_int, value_long, value_float, value_double, value_string, value_bool, updated_at
			FROM metric_properties WHERE metric_key = $1`, m.MetricKey)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p model.MetricProperty
			var typ string
			var valInt, valLong *int64
			var valFloat *float32
			var valDouble *float64
			var valString *string
			var valBool *bool
			if err := rows.Scan(&p.Key, &typ, &valInt, &valLong, &valFloat, &valDouble, &valString, &valBool, &p.UpdatedAt); err != nil {
				return err
			}
			p.MetricKey = m.MetricKey
			p.Value = scanPropertyValue(model.PropertyType(typ), valInt, valLong, valFloat, valDouble, valString, valBool)
			props[p.Key] = p
		}
		return rows.Err()
	})
	if rowsErr != nil {
		return nil, nil, rowsErr
	}

	return &m, props, nil
}

func scanPropertyValue(typ model.PropertyType, valInt, valLong *int64, valFloat *float32, valDouble *float64, valString *string, valBool *bool) model.PropertyValue {
	v := model.PropertyValue{Type: typ}
	switch typ {
	case model.PropInt:
		if valInt != nil {
			v.Int = *valInt
		}
	case model.PropLong:
		if valLong != nil {
			v.Long = *valLong
		}
	case model.PropFloat:
		if valFloat != nil {
			v.Float = *valFloat
		}
	case model.PropDouble:
		if valDouble != nil {
			v.Double = *valDouble
		}
	case model.PropString:
		if valString != nil {
			v.String = *valString
		}
	case model.PropBoolean:
		if valBool != nil {
			v.Boolean = *valBool
		}
	}
	return v
}

// ApplyPlan executes the device/metric/lineage/property/version writes for
// one metric inside a single transaction (§4.5).
func (r *Postgres) ApplyPlan(ctx context.Context, deviceKey int64, p planner.Plan) (Outcome, error) {
	var out Outcome
	err := r.withRetry(ctx, "apply_plan", func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var txErr error
		out, txErr = applyPlanTx(ctx, tx, deviceKey, p)
		if txErr != nil {
			return txErr
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "23514") {
			return Outcome{}, pkgerrors.New(pkgerrors.ConstraintViolation, component, "apply_plan", pgErr.Message).
				WithMetadata("constraint", pgErr.ConstraintName)
		}
		return Outcome{}, err
	}
	return out, nil
}

func applyPlanTx(ctx context.Context, tx pgx.Tx, deviceKey int64, p planner.Plan) (Outcome, error) {
	var out Outcome

	if a := p.Device.Action; a == planner.DeviceInsert || a == planner.DeviceUpdate {
		d := p.Device.Device
		if _, err := tx.Exec(ctx, `
			INSERT INTO devices (device_key, group_id, country, business_unit, plant, edge, device, uns_path)
			OVERRIDING SYSTEM VALUE VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (group_id, edge, device) DO UPDATE SET country = EXCLUDED.country,
				business_unit = EXCLUDED.business_unit, plant = EXCLUDED.plant, uns_path = EXCLUDED.uns_path, updated_at = now()`,
			deviceKey, d.GroupID, d.Country, d.BusinessUnit, d.Plant, d.Edge, d.Device, d.UNSPath); err != nil {
			return out, fmt.Errorf("writing device row: %w", err)
		}
		if a == planner.DeviceInsert {
			out.Inserted++
		} else {
			out.Updated++
		}
	}

	switch p.Metric.Action {
	case planner.MetricInsert:
		err := tx.QueryRow(ctx, `
			INSERT INTO metrics (device_key, name, uns_path, datatype, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
			RETURNING metric_key`,
			deviceKey, p.Metric.Metric.Name, p.Metric.Metric.UNSPath, p.Metric.Metric.Datatype,
		).Scan(&p.Metric.Metric.MetricKey)
		if err != nil {
			return out, err
		}
		out.Inserted++
	case planner.MetricUpdate, planner.MetricRename:
		_, err := tx.Exec(ctx, `
			UPDATE metrics SET uns_path = $1, datatype = $2, updated_at = now()
			WHERE metric_key = $3`,
			p.Metric.Metric.UNSPath, p.Metric.Metric.Datatype, p.Metric.Metric.MetricKey)
		if err != nil {
			return out, err
		}
		out.Updated++
	case planner.MetricNoOp:
		out.NoOp++
	}

	if p.Lineage != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO metric_path_lineage (metric_key, old_uns_path, new_uns_path, changed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (metric_key, old_uns_path, new_uns_path) DO NOTHING`,
			p.Metric.Metric.MetricKey, p.Lineage.OldUNSPath, p.Lineage.NewUNSPath, p.Lineage.ChangedAt)
		if err != nil {
			return out, fmt.Errorf("writing lineage row: %w", err)
		}
	}

	for _, pa := range p.Properties {
		switch pa.Kind {
		case planner.PropertyInsert, planner.PropertyUpdate:
			if err := upsertProperty(ctx, tx, p.Metric.Metric.MetricKey, pa.Key, pa.Value); err != nil {
				return out, err
			}
			if pa.Kind == planner.PropertyInsert {
				out.Inserted++
			} else {
				out.Updated++
			}
		case planner.PropertyDelete:
			if _, err := tx.Exec(ctx, `DELETE FROM metric_properties WHERE metric_key = $1 AND key = $2`, p.Metric.Metric.MetricKey, pa.Key); err != nil {
				return out, err
			}
			out.Updated++
		default:
			out.NoOp++
		}
	}

	if p.Version != nil {
		diffJSON, err := json.Marshal(p.Version.Diff)
		if err != nil {
			return out, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO metric_versions (metric_key, changed_at, changed_by, diff)
			VALUES ($1, $2, $3, $4)`,
			p.Metric.Metric.MetricKey, p.Version.ChangedAt, p.Version.ChangedBy, diffJSON)
		if err != nil {
			return out, fmt.Errorf("writing version row: %w", err)
		}
	}

	return out, nil
}

func upsertProperty(ctx context.Context, tx pgx.Tx, metricKey int64, key string, v model.PropertyValue) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO metric_properties (metric_key, key, type, value_int, value_long, value_float, value_double, value_string, value_bool, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (metric_key, key) DO UPDATE SET
			type = EXCLUDED.type, value_int = EXCLUDED.value_int, value_long = EXCLUDED.value_long,
			value_float = EXCLUDED.value_float, value_double = EXCLUDED.value_double,
			value_string = EXCLUDED.value_string, value_bool = EXCLUDED.value_bool, updated_at = now()
		WHERE metric_properties.value_int IS DISTINCT FROM EXCLUDED.value_int
			OR metric_properties.value_long IS DISTINCT FROM EXCLUDED.value_long
			OR metric_properties.value_float IS DISTINCT FROM EXCLUDED.value_float
			OR metric_properties.value_double IS DISTINCT FROM EXCLUDED.value_double
			OR metric_properties.value_string IS DISTINCT FROM EXCLUDED.value_string
			OR metric_properties.value_bool IS DISTINCT FROM EXCLUDED.value_bool`,
		metricKey, key, string(v.Type),
		nullableInt(v.Type, model.PropInt, v.Int), nullableInt(v.Type, model.PropLong, v.Long),
		nullableFloat(v.Type, v.Float), nullableDouble(v.Type, v.Double),
		nullableString(v.Type, v.String), nullableBool(v.Type, v.Boolean),
	)
	return err
}

func toCanaryID(unsPath string) string {
	out := make([]byte, len(unsPath))
	for i := 0; i < len(unsPath); i++ {
		if unsPath[i] == '/' {
			out[i] = '.'
		} else {
			out[i] = unsPath[i]
		}
	}
	return string(out)
}

func nullableInt(typ, want model.PropertyType, v int64) *int64 {
	if typ != want {
		return nil
	}
	return &v
}
func nullableFloat(typ model.PropertyType, v float32) *float32 {
	if typ != model.PropFloat {
		return nil
	}
	return &v
}
func nullableDouble(typ model.PropertyType, v float64) *float64 {
	if typ != model.PropDouble {
		return nil
	}
	return &v
}
func nullableString(typ model.PropertyType, v string) *string {
	if typ != model.PropString {
		return nil
	}
	return &v
}
func nullableBool(typ model.PropertyType, v bool) *bool {
	if typ != model.PropBoolean {
		return nil
	}
	return &v
}

// ApplyBulk executes the staged set-based path for high-fan-out births
// (§4.5, §9 "Bulk ingest"): pgx.CopyFrom loads each plan's metric and
// property rows into per-transaction temp tables, then one set-based
// `INSERT ... ON CONFLICT DO UPDATE` per table performs the actual merge —
// not a per-plan loop over applyPlanTx. Lineage and version rows stay
// per-plan (append-only, low volume, no merge semantics to stage).
func (r *Postgres) ApplyBulk(ctx context.Context, deviceKey int64, plans []planner.Plan) (BulkOutcome, error) {
	var out BulkOutcome
	out.Plans = len(plans)

	err := r.withRetry(ctx, "apply_bulk", func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `SET LOCAL synchronous_commit = off`); err != nil {
			return fmt.Errorf("relaxing bulk-load durability: %w", err)
		}

		metricKeyByName, metricOutcome, err := stageMetrics(ctx, tx, deviceKey, plans)
		if err != nil {
			return err
		}
		out.Outcome.add(metricOutcome)

		propOutcome, err := stageProperties(ctx, tx, plans, metricKeyByName)
		if err != nil {
			return err
		}
		out.Outcome.add(propOutcome)

		if err := applyLineageAndVersions(ctx, tx, plans, metricKeyByName); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "23514") {
			return BulkOutcome{}, pkgerrors.New(pkgerrors.ConstraintViolation, component, "apply_bulk", pgErr.Message)
		}
		return BulkOutcome{}, err
	}
	return out, nil
}

// stageMetrics copies every plan's non-no-op metric row into a temp table
// and merges it into `metrics` with one set-based upsert, returning the
// metric_key each plan's metric name resolved to (no-op plans already
// carry their existing key from the planner's snapshot).
func stageMetrics(ctx context.Context, tx pgx.Tx, deviceKey int64, plans []planner.Plan) (map[string]int64, Outcome, error) {
	var out Outcome
	keyByName := make(map[string]int64, len(plans))

	type metricRow struct {
		name, unsPath, datatype string
	}
	staged := make(map[string]metricRow)

	for _, p := range plans {
		if p.Metric.Action == planner.MetricNoOp {
			keyByName[p.Metric.Metric.Name] = p.Metric.Metric.MetricKey
			out.NoOp++
			continue
		}
		staged[p.Metric.Metric.Name] = metricRow{
			name:     p.Metric.Metric.Name,
			unsPath:  p.Metric.Metric.UNSPath,
			datatype: p.Metric.Metric.Datatype,
		}
	}
	if len(staged) == 0 {
		return keyByName, out, nil
	}

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE tmp_metric_upsert (
			name     TEXT NOT NULL,
			uns_path TEXT NOT NULL,
			datatype TEXT NOT NULL
		) ON COMMIT DROP`); err != nil {
		return nil, out, fmt.Errorf("creating metric staging table: %w", err)
	}

	rows := make([]metricRow, 0, len(staged))
	for _, row := range staged {
		rows = append(rows, row)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"tmp_metric_upsert"}, []string{"name", "uns_path", "datatype"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
			r := rows[i]
			return []interface{}{r.name, r.unsPath, r.datatype}, nil
		})); err != nil {
		return nil, out, fmt.Errorf("copying metric rows: %w", err)
	}

	mergeRows, err := tx.Query(ctx, `
		INSERT INTO metrics (device_key, name, uns_path, datatype, created_at, updated_at)
		SELECT $1, name, uns_path, datatype, now(), now()
		FROM tmp_metric_upsert
		ON CONFLICT (device_key, name) DO UPDATE SET
			uns_path = EXCLUDED.uns_path, datatype = EXCLUDED.datatype, updated_at = now()
		RETURNING metric_key, name, (xmax = 0) AS inserted`, deviceKey)
	if err != nil {
		return nil, out, fmt.Errorf("merging metric rows: %w", err)
	}
	defer mergeRows.Close()
	for mergeRows.Next() {
		var metricKey int64
		var name string
		var inserted bool
		if err := mergeRows.Scan(&metricKey, &name, &inserted); err != nil {
			return nil, out, err
		}
		keyByName[name] = metricKey
		if inserted {
			out.Inserted++
		} else {
			out.Updated++
		}
	}
	if err := mergeRows.Err(); err != nil {
		return nil, out, err
	}
	return keyByName, out, nil
}

// stageProperties mirrors stageMetrics for metric_properties: insert/update
// actions are staged and merged set-based; deletes stay per-row since a
// bulk birth rarely carries many of them.
func stageProperties(ctx context.Context, tx pgx.Tx, plans []planner.Plan, keyByName map[string]int64) (Outcome, error) {
	var out Outcome

	type propertyRow struct {
		metricKey int64
		key       string
		typ       string
		valInt    *int64
		valLong   *int64
		valFloat  *float32
		valDouble *float64
		valString *string
		valBool   *bool
	}
	upserts := make(map[string]propertyRow)
	var deleteKeys, deleteMetricKeys []interface{}

	for _, p := range plans {
		metricKey := keyByName[p.Metric.Metric.Name]
		for _, pa := range p.Properties {
			switch pa.Kind {
			case planner.PropertyInsert, planner.PropertyUpdate:
				upserts[fmt.Sprintf("%d\x00%s", metricKey, pa.Key)] = propertyRow{
					metricKey: metricKey,
					key:       pa.Key,
					typ:       string(pa.Value.Type),
					valInt:    nullableInt(pa.Value.Type, model.PropInt, pa.Value.Int),
					valLong:   nullableInt(pa.Value.Type, model.PropLong, pa.Value.Long),
					valFloat:  nullableFloat(pa.Value.Type, pa.Value.Float),
					valDouble: nullableDouble(pa.Value.Type, pa.Value.Double),
					valString: nullableString(pa.Value.Type, pa.Value.String),
					valBool:   nullableBool(pa.Value.Type, pa.Value.Boolean),
				}
			case planner.PropertyDelete:
				deleteMetricKeys = append(deleteMetricKeys, metricKey)
				deleteKeys = append(deleteKeys, pa.Key)
				out.Updated++
			default:
				out.NoOp++
			}
		}
	}

	if len(upserts) > 0 {
		if _, err := tx.Exec(ctx, `
			CREATE TEMP TABLE tmp_property_upsert (
				metric_key   BIGINT NOT NULL,
				key          TEXT NOT NULL,
				type         metric_property_type NOT NULL,
				value_int    INTEGER,
				value_long   BIGINT,
				value_float  REAL,
				value_double DOUBLE PRECISION,
				value_string TEXT,
				value_bool   BOOLEAN
			) ON COMMIT DROP`); err != nil {
			return out, fmt.Errorf("creating property staging table: %w", err)
		}

		rows := make([]propertyRow, 0, len(upserts))
		for _, row := range upserts {
			rows = append(rows, row)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"tmp_property_upsert"},
			[]string{"metric_key", "key", "type", "value_int", "value_long", "value_float", "value_double", "value_string", "value_bool"},
			pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
				r := rows[i]
				return []interface{}{r.metricKey, r.key, r.typ, r.valInt, r.valLong, r.valFloat, r.valDouble, r.valString, r.valBool}, nil
			})); err != nil {
			return out, fmt.Errorf("copying property rows: %w", err)
		}

		mergeRows, err := tx.Query(ctx, `
			INSERT INTO metric_properties (metric_key, key, type, value_int, value_long, value_float, value_double, value_string, value_bool, updated_at)
			SELECT metric_key, key, type, value_int, value_long, value_float, value_double, value_string, value_bool, now()
			FROM tmp_property_upsert
			ON CONFLICT (metric_key, key) DO UPDATE SET
				type = EXCLUDED.type, value_int = EXCLUDED.value_int, value_long = EXCLUDED.value_long,
				value_float = EXCLUDED.value_float, value_double = EXCLUDED.value_double,
				value_string = EXCLUDED.value_string, value_bool = EXCLUDED.value_bool, updated_at = now()
			WHERE metric_properties.value_int IS DISTINCT FROM EXCLUDED.value_int
				OR metric_properties.value_long IS DISTINCT FROM EXCLUDED.value_long
				OR metric_properties.value_float IS DISTINCT FROM EXCLUDED.value_float
				OR metric_properties.value_double IS DISTINCT FROM EXCLUDED.value_double
				OR metric_properties.value_string IS DISTINCT FROM EXCLUDED.value_string
				OR metric_properties.value_bool IS DISTINCT FROM EXCLUDED.value_bool
			RETURNING (xmax = 0) AS inserted`)
		if err != nil {
			return out, fmt.Errorf("merging property rows: %w", err)
		}
		defer mergeRows.Close()
		for mergeRows.Next() {
			var inserted bool
			if err := mergeRows.Scan(&inserted); err != nil {
				return out, err
			}
			if inserted {
				out.Inserted++
			} else {
				out.Updated++
			}
		}
		if err := mergeRows.Err(); err != nil {
			return out, err
		}
	}

	for i := range deleteKeys {
		if _, err := tx.Exec(ctx, `DELETE FROM metric_properties WHERE metric_key = $1 AND key = $2`, deleteMetricKeys[i], deleteKeys[i]); err != nil {
			return out, fmt.Errorf("deleting property row: %w", err)
		}
	}

	return out, nil
}

// applyLineageAndVersions writes each plan's lineage/version rows using
// the metric_key resolved by stageMetrics — these stay per-row since they
// are append-only audit writes, not a merge.
func applyLineageAndVersions(ctx context.Context, tx pgx.Tx, plans []planner.Plan, keyByName map[string]int64) error {
	for _, p := range plans {
		metricKey := keyByName[p.Metric.Metric.Name]

		if p.Lineage != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO metric_path_lineage (metric_key, old_uns_path, new_uns_path, changed_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (metric_key, old_uns_path, new_uns_path) DO NOTHING`,
				metricKey, p.Lineage.OldUNSPath, p.Lineage.NewUNSPath, p.Lineage.ChangedAt); err != nil {
				return fmt.Errorf("writing lineage row: %w", err)
			}
		}

		if p.Version != nil {
			diffJSON, err := json.Marshal(p.Version.Diff)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO metric_versions (metric_key, changed_at, changed_by, diff)
				VALUES ($1, $2, $3, $4)`,
				metricKey, p.Version.ChangedAt, p.Version.ChangedBy, diffJSON); err != nil {
				return fmt.Errorf("writing version row: %w", err)
			}
		}
	}
	return nil
}
