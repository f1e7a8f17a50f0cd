package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/fault"
)

// pgxPool is the subset of pgxpool.Pool the store needs; pgxmock
// satisfies it in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

// PostgresStore persists snapshots in the session_snapshots table
type PostgresStore struct {
	pool pgxPool
}

// NewPostgresStore connects a pool and verifies connectivity
func NewPostgresStore(ctx context.Context, dsn string, poolSize int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	config.MaxConns = poolSize
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Snapshot store connected")
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool wraps an existing pool. Test use.
func NewPostgresStoreWithPool(pool pgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close closes the pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Save appends a snapshot, assigning the next version for its session.
// The store is a single logical writer, so the max-version subquery is
// race-free by contract.
func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	takenAt := time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO session_snapshots (
			session_id, version, status, participants, tasks,
			last_activity, taken_at, data
		)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, $6, $7
		FROM session_snapshots WHERE session_id = $1
		RETURNING version
	`

	var version int64
	err = s.pool.QueryRow(ctx, query,
		snap.SessionID,
		snap.Status,
		len(snap.Participants),
		len(snap.Tasks),
		snap.LastActivity,
		takenAt,
		data,
	).Scan(&version)
	if err != nil {
		log.Error().Err(err).Str("session_id", snap.SessionID).Msg("Failed to save snapshot")
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	snap.Version = version
	snap.TakenAt = takenAt

	log.Debug().
		Str("session_id", snap.SessionID).
		Int64("version", version).
		Str("status", snap.Status).
		Msg("Snapshot saved")

	return nil
}

// Latest returns the highest-version snapshot for a session
func (s *PostgresStore) Latest(ctx context.Context, sessionID string) (*Snapshot, error) {
	query := `
		SELECT version, taken_at, data
		FROM session_snapshots
		WHERE session_id = $1
		ORDER BY version DESC
		LIMIT 1
	`

	var (
		version int64
		takenAt time.Time
		data    []byte
	)
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(&version, &takenAt, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "no snapshot for session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	snap.Version = version
	snap.TakenAt = takenAt
	return &snap, nil
}

// ListSummaries returns the latest snapshot summary per session
func (s *PostgresStore) ListSummaries(ctx context.Context) ([]Summary, error) {
	query := `
		SELECT DISTINCT ON (session_id)
			session_id, status, version, participants, tasks, last_activity, taken_at
		FROM session_snapshots
		ORDER BY session_id, version DESC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(
			&sum.SessionID, &sum.Status, &sum.Version,
			&sum.Participants, &sum.Tasks, &sum.LastActivity, &sum.TakenAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshot summaries: %w", err)
	}
	return summaries, nil
}
