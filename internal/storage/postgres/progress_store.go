// Package postgres provides the Postgres-backed progress repository.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for migrations
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/storage/migrations"
	"github.com/JakeFAU/extraction-supervisor/internal/store"
)

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// ProgressStore implements store.ProgressRepository on Postgres. Updates take
// a row lock so concurrent writers for one key serialize.
type ProgressStore struct {
	pool pool
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

const selectColumns = `id::text, user_id, source, status, total_items, processed_items, failed_items, ` +
	`entities_extracted, current_step, started_at, last_run_at, created_at, updated_at, error_message`

// NewProgressStore connects a pool using cfg.
func NewProgressStore(ctx context.Context, cfg Config) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ProgressStore{pool: p}, nil
}

// NewProgressStoreWithPool wraps an existing pool (primarily for testing).
func NewProgressStoreWithPool(p pool) (*ProgressStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{pool: p}, nil
}

// Migrate applies the embedded schema through a short-lived database/sql handle.
func Migrate(dsn string, logger *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres for migrations: %w", err)
	}
	defer db.Close() //nolint:errcheck // best-effort close

	m, err := migrations.NewMigrator(db, migrations.Postgres, logger)
	if err != nil {
		return err
	}
	return m.Up()
}

// Close releases the pool.
func (s *ProgressStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *ProgressStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping postgres", err)
	}
	return nil
}

// GetOrCreate inserts seed, ignoring a conflict on (user_id, source), then
// reads back the surviving row.
func (s *ProgressStore) GetOrCreate(ctx context.Context, seed extraction.Record) (extraction.Record, error) {
	const query = `
INSERT INTO extraction_progress (
	id, user_id, source, status,
	total_items, processed_items, failed_items, entities_extracted,
	current_step, started_at, last_run_at, created_at, updated_at, error_message
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (user_id, source) DO NOTHING`

	args := []any{
		seed.ID,
		seed.UserID,
		string(seed.Source),
		string(seed.Status),
		seed.TotalItems,
		seed.ProcessedItems,
		seed.FailedItems,
		seed.EntitiesExtracted,
		seed.CurrentStep,
		seed.StartedAt,
		seed.LastRunAt,
		seed.CreatedAt,
		seed.UpdatedAt,
		seed.ErrorMessage,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return extraction.Record{}, unavailable("insert progress", err)
	}
	return s.Get(ctx, seed.Key())
}

// Get loads one record.
func (s *ProgressStore) Get(ctx context.Context, key extraction.Key) (extraction.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM extraction_progress WHERE user_id = $1 AND source = $2`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, key.UserID, string(key.Source)))
	if err != nil {
		return extraction.Record{}, classify("get progress", key, err)
	}
	return rec, nil
}

// ListByUser returns every record stored for userID.
func (s *ProgressStore) ListByUser(ctx context.Context, userID string) ([]extraction.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM extraction_progress WHERE user_id = $1 ORDER BY source`
	return s.list(ctx, "list progress by user", query, userID)
}

// List returns records across users, optionally filtered by status.
func (s *ProgressStore) List(ctx context.Context, status *extraction.Status) ([]extraction.Record, error) {
	if status == nil {
		query := `SELECT ` + selectColumns + ` FROM extraction_progress ORDER BY user_id, source`
		return s.list(ctx, "list progress", query)
	}
	query := `SELECT ` + selectColumns + ` FROM extraction_progress WHERE status = $1 ORDER BY user_id, source`
	return s.list(ctx, "list progress", query, string(*status))
}

func (s *ProgressStore) list(ctx context.Context, op, query string, args ...any) ([]extraction.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []extraction.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// Update locks the row, applies fn and writes the result in one transaction.
func (s *ProgressStore) Update(ctx context.Context, key extraction.Key, fn store.MutateFunc) (extraction.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return extraction.Record{}, unavailable("begin progress update", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	query := `SELECT ` + selectColumns + ` FROM extraction_progress WHERE user_id = $1 AND source = $2 FOR UPDATE`
	cur, err := scanRecord(tx.QueryRow(ctx, query, key.UserID, string(key.Source)))
	if err != nil {
		return extraction.Record{}, classify("lock progress", key, err)
	}

	next, write, err := store.Apply(cur, fn)
	if err != nil || !write {
		return next, err
	}

	const update = `
UPDATE extraction_progress SET
	status = $3,
	total_items = $4,
	processed_items = $5,
	failed_items = $6,
	entities_extracted = $7,
	current_step = $8,
	started_at = $9,
	last_run_at = $10,
	updated_at = $11,
	error_message = $12
WHERE user_id = $1 AND source = $2`

	if _, err := tx.Exec(ctx, update,
		next.UserID,
		string(next.Source),
		string(next.Status),
		next.TotalItems,
		next.ProcessedItems,
		next.FailedItems,
		next.EntitiesExtracted,
		next.CurrentStep,
		next.StartedAt,
		next.LastRunAt,
		next.UpdatedAt,
		next.ErrorMessage,
	); err != nil {
		return extraction.Record{}, unavailable("update progress", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return extraction.Record{}, unavailable("commit progress update", err)
	}
	committed = true
	return next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (extraction.Record, error) {
	var (
		rec     extraction.Record
		source  string
		status  string
		started pgtype.Timestamptz
		lastRun pgtype.Timestamptz
		errMsg  pgtype.Text
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&source,
		&status,
		&rec.TotalItems,
		&rec.ProcessedItems,
		&rec.FailedItems,
		&rec.EntitiesExtracted,
		&rec.CurrentStep,
		&started,
		&lastRun,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&errMsg,
	); err != nil {
		return extraction.Record{}, err
	}
	rec.Source = extraction.Source(source)
	rec.Status = extraction.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if started.Valid {
		ts := started.Time.UTC()
		rec.StartedAt = &ts
	}
	if lastRun.Valid {
		ts := lastRun.Time.UTC()
		rec.LastRunAt = &ts
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.ErrorMessage = &msg
	}
	return rec, nil
}

func classify(op string, key extraction.Key, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, key, extraction.ErrNotFound)
	}
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, extraction.ErrStorageUnavailable, err)
}
