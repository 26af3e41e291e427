package callstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/voicebridge/internal/observability"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on a call_records table.
type PostgresStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	call_id          TEXT PRIMARY KEY,
	native_call_id   TEXT,
	direction        TEXT NOT NULL,
	caller_id_number TEXT,
	called_number    TEXT,
	mode             TEXT,
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ NOT NULL,
	duration_ms      BIGINT NOT NULL,
	bytes_in         BIGINT NOT NULL,
	bytes_out        BIGINT NOT NULL,
	end_reason       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS call_records_ended_at_idx ON call_records (ended_at);
`

// NewPostgresStoreFromDSN opens and pings the database, then creates the
// schema if needed.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig, metrics *observability.Metrics) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db, metrics: metrics}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the call_records table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate call_records: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the record for rec.CallID.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (call_id, native_call_id, direction, caller_id_number, called_number, mode,
			started_at, ended_at, duration_ms, bytes_in, bytes_out, end_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (call_id) DO UPDATE SET
			native_call_id = EXCLUDED.native_call_id,
			direction = EXCLUDED.direction,
			caller_id_number = EXCLUDED.caller_id_number,
			called_number = EXCLUDED.called_number,
			mode = EXCLUDED.mode,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms,
			bytes_in = EXCLUDED.bytes_in,
			bytes_out = EXCLUDED.bytes_out,
			end_reason = EXCLUDED.end_reason
	`,
		rec.CallID,
		nullableString(rec.NativeCallID),
		rec.Direction,
		nullableString(rec.CallerIDNumber),
		nullableString(rec.CalledNumber),
		nullableString(rec.Mode),
		rec.StartedAt,
		rec.EndedAt,
		rec.DurationMs,
		rec.BytesIn,
		rec.BytesOut,
		rec.EndReason,
	)
	s.observe("save", err, start)
	if err != nil {
		return fmt.Errorf("save call record: %w", err)
	}
	return nil
}

// Get returns the record for callID.
func (s *PostgresStore) Get(ctx context.Context, callID string) (*Record, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, native_call_id, direction, caller_id_number, called_number, mode,
			started_at, ended_at, duration_ms, bytes_in, bytes_out, end_reason
		FROM call_records
		WHERE call_id = $1
	`, callID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.observe("get", nil, start)
		return nil, ErrNotFound
	}
	s.observe("get", err, start)
	if err != nil {
		return nil, fmt.Errorf("get call record: %w", err)
	}
	return rec, nil
}

// List returns records, most recently ended first.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	query := `
		SELECT call_id, native_call_id, direction, caller_id_number, called_number, mode,
			started_at, ended_at, duration_ms, bytes_in, bytes_out, end_reason
		FROM call_records
		ORDER BY ended_at DESC, call_id
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1 OFFSET $2"
		args = append(args, limit, max(offset, 0))
	}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.observe("list", err, start)
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.observe("list", err, start)
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		out = append(out, rec)
	}
	err = rows.Err()
	s.observe("list", err, start)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	return out, nil
}

// Prune removes records that ended more than olderThan ago.
func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_records WHERE ended_at < $1`, time.Now().Add(-olderThan))
	s.observe("prune", err, start)
	if err != nil {
		return 0, fmt.Errorf("prune call records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) observe(operation string, err error, start time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseQuery(operation, status, time.Since(start).Seconds())
}

type recordScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner recordScanner) (*Record, error) {
	var (
		rec                              Record
		nativeID, callerID, called, mode sql.NullString
	)
	if err := scanner.Scan(
		&rec.CallID,
		&nativeID,
		&rec.Direction,
		&callerID,
		&called,
		&mode,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.DurationMs,
		&rec.BytesIn,
		&rec.BytesOut,
		&rec.EndReason,
	); err != nil {
		return nil, err
	}
	rec.NativeCallID = nativeID.String
	rec.CallerIDNumber = callerID.String
	rec.CalledNumber = called.String
	rec.Mode = mode.String
	return &rec, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
