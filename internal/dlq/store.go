// Package dlq implements the dead-letter store (C12): a durable table
// with TTL for unrecoverable delivery failures, plus bounded-chunk replay
// back into the egress client and threshold-driven alerting adapted from
// the teacher's `pkg/dlq` package (§4.12).
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/secil-uns/canary-sync/internal/metrics"
)

const component = "dlq"

// Entry is one dead-lettered batch (§4.12).
type Entry struct {
	ID        int64
	CanaryID  string
	Reason    string
	Payload   json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
	Replayed  bool
}

// AlertConfig mirrors the teacher's threshold/cooldown alerting shape,
// narrowed to the single depth gauge §4.12 calls for.
type AlertConfig struct {
	DepthThreshold int
	Cooldown       time.Duration
}

// Store persists dead-lettered batches to the `canary_dlq` table (§6
// schema) and drives bounded-chunk replay.
type Store struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
	alert  AlertConfig

	mu        sync.Mutex
	lastAlert time.Time
}

func NewStore(pool *pgxpool.Pool, alert AlertConfig, logger *logrus.Logger) *Store {
	if alert.Cooldown == 0 {
		alert.Cooldown = 5 * time.Minute
	}
	return &Store{pool: pool, logger: logger, alert: alert}
}

// Insert records one dead-lettered batch (§4.12 "Insert on unrecoverable
// failure").
func (s *Store) Insert(ctx context.Context, canaryID, reason string, payload json.RawMessage, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO canary_dlq (canary_id, reason, payload, created_at, expires_at, replayed)
		VALUES ($1, $2, $3, now(), now() + $4, false)`,
		canaryID, reason, payload, ttl)
	if err != nil {
		return fmt.Errorf("inserting dlq entry: %w", err)
	}

	s.checkDepthAlert(ctx)
	return nil
}

func (s *Store) checkDepthAlert(ctx context.Context) {
	depth, err := s.Depth(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read dlq depth for alert check")
		return
	}
	metrics.SetDLQDepth(depth)
	if s.alert.DepthThreshold <= 0 || depth < s.alert.DepthThreshold {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastAlert) < s.alert.Cooldown {
		return
	}
	s.lastAlert = time.Now()
	s.logger.WithFields(logrus.Fields{"component": component, "depth": depth, "threshold": s.alert.DepthThreshold}).
		Warn("dead-letter queue depth exceeded threshold")
}

// Depth reports the current count of pending (non-replayed,
// non-expired) entries, exported as a gauge for external alerting
// (§4.12).
func (s *Store) Depth(ctx context.Context) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM canary_dlq WHERE replayed = false AND expires_at >= now()`,
	).Scan(&depth)
	return depth, err
}

// Purge deletes expired entries (§4.12 "purge when expires_at < now").
func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM canary_dlq WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purging expired dlq entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReplayFunc re-enters the egress client's deliver pipeline for one
// entry's payload; returning nil marks the entry replayed.
type ReplayFunc func(ctx context.Context, entry Entry) error

// Replay reads up to chunkSize pending rows and re-enters the egress
// pipeline for each, marking successes as replayed (§4.12). Entries whose
// replay attempt errors remain pending for a future invocation.
func (s *Store) Replay(ctx context.Context, chunkSize int, fn ReplayFunc) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, canary_id, reason, payload, created_at, expires_at, replayed
		FROM canary_dlq
		WHERE replayed = false AND expires_at >= now()
		ORDER BY created_at
		LIMIT $1`, chunkSize)
	if err != nil {
		return 0, fmt.Errorf("querying pending dlq entries: %w", err)
	}

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CanaryID, &e.Reason, &e.Payload, &e.CreatedAt, &e.ExpiresAt, &e.Replayed); err != nil {
			rows.Close()
			return 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	replayed := 0
	for _, e := range entries {
		if err := fn(ctx, e); err != nil {
			s.logger.WithFields(logrus.Fields{"component": component, "entry_id": e.ID}).WithError(err).Warn("dlq replay attempt failed, leaving pending")
			continue
		}
		if _, err := s.pool.Exec(ctx, `UPDATE canary_dlq SET replayed = true WHERE id = $1`, e.ID); err != nil {
			return replayed, fmt.Errorf("marking dlq entry %d replayed: %w", e.ID, err)
		}
		replayed++
	}

	return replayed, nil
}
