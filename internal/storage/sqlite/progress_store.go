// Package sqlite provides an embedded progress repository on modernc.org/sqlite
// for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/storage/migrations"
	"github.com/JakeFAU/extraction-supervisor/internal/store"
)

// Config controls where the database lives.
type Config struct {
	Path   string
	Logger *zap.Logger
}

func (c *Config) defaults() error {
	if c.Path == "" {
		return fmt.Errorf("sqlite path is required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// ProgressStore implements store.ProgressRepository on a single SQLite file.
// One open connection and immediate transactions serialize writers.
type ProgressStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

const selectColumns = `id, user_id, source, status, total_items, processed_items, failed_items, ` +
	`entities_extracted, current_step, started_at, last_run_at, created_at, updated_at, error_message`

// NewProgressStore opens (creating if needed) the database and applies migrations.
func NewProgressStore(cfg Config) (*ProgressStore, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	migrator, err := migrations.NewMigrator(db, migrations.SQLite, cfg.Logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debug("sqlite progress store initialized", zap.String("path", cfg.Path))
	return &ProgressStore{db: db, logger: cfg.Logger}, nil
}

// Close closes the database.
func (s *ProgressStore) Close() error { return s.db.Close() }

// Ping checks the database handle.
func (s *ProgressStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping sqlite", err)
	}
	return nil
}

// GetOrCreate inserts seed unless the key exists and returns the stored row.
func (s *ProgressStore) GetOrCreate(ctx context.Context, seed extraction.Record) (extraction.Record, error) {
	const query = `
INSERT INTO extraction_progress (
	id, user_id, source, status,
	total_items, processed_items, failed_items, entities_extracted,
	current_step, started_at, last_run_at, created_at, updated_at, error_message
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, source) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		seed.ID,
		seed.UserID,
		string(seed.Source),
		string(seed.Status),
		seed.TotalItems,
		seed.ProcessedItems,
		seed.FailedItems,
		seed.EntitiesExtracted,
		seed.CurrentStep,
		unixPtr(seed.StartedAt),
		unixPtr(seed.LastRunAt),
		seed.CreatedAt.UnixNano(),
		seed.UpdatedAt.UnixNano(),
		seed.ErrorMessage,
	)
	if err != nil {
		return extraction.Record{}, unavailable("insert progress", err)
	}
	return s.Get(ctx, seed.Key())
}

// Get loads one record.
func (s *ProgressStore) Get(ctx context.Context, key extraction.Key) (extraction.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM extraction_progress WHERE user_id = ? AND source = ?`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key.UserID, string(key.Source)))
	if err != nil {
		return extraction.Record{}, classify("get progress", key, err)
	}
	return rec, nil
}

// ListByUser returns every record stored for userID.
func (s *ProgressStore) ListByUser(ctx context.Context, userID string) ([]extraction.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM extraction_progress WHERE user_id = ? ORDER BY source`
	return s.list(ctx, "list progress by user", query, userID)
}

// List returns records across users, optionally filtered by status.
func (s *ProgressStore) List(ctx context.Context, status *extraction.Status) ([]extraction.Record, error) {
	if status == nil {
		return s.list(ctx, "list progress", `SELECT `+selectColumns+` FROM extraction_progress ORDER BY user_id, source`)
	}
	query := `SELECT ` + selectColumns + ` FROM extraction_progress WHERE status = ? ORDER BY user_id, source`
	return s.list(ctx, "list progress", query, string(*status))
}

func (s *ProgressStore) list(ctx context.Context, op, query string, args ...any) ([]extraction.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

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

// Update applies fn inside an immediate transaction.
func (s *ProgressStore) Update(ctx context.Context, key extraction.Key, fn store.MutateFunc) (extraction.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return extraction.Record{}, unavailable("begin progress update", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := `SELECT ` + selectColumns + ` FROM extraction_progress WHERE user_id = ? AND source = ?`
	cur, err := scanRecord(tx.QueryRowContext(ctx, query, key.UserID, string(key.Source)))
	if err != nil {
		return extraction.Record{}, classify("lock progress", key, err)
	}

	next, write, err := store.Apply(cur, fn)
	if err != nil || !write {
		return next, err
	}

	const update = `
UPDATE extraction_progress SET
	status = ?, total_items = ?, processed_items = ?, failed_items = ?, entities_extracted = ?,
	current_step = ?, started_at = ?, last_run_at = ?, updated_at = ?, error_message = ?
WHERE user_id = ? AND source = ?`

	if _, err := tx.ExecContext(ctx, update,
		string(next.Status),
		next.TotalItems,
		next.ProcessedItems,
		next.FailedItems,
		next.EntitiesExtracted,
		next.CurrentStep,
		unixPtr(next.StartedAt),
		unixPtr(next.LastRunAt),
		next.UpdatedAt.UnixNano(),
		next.ErrorMessage,
		next.UserID,
		string(next.Source),
	); err != nil {
		return extraction.Record{}, unavailable("update progress", err)
	}
	if err := tx.Commit(); err != nil {
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
		rec       extraction.Record
		source    string
		status    string
		started   sql.NullInt64
		lastRun   sql.NullInt64
		createdAt int64
		updatedAt int64
		errMsg    sql.NullString
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
		&createdAt,
		&updatedAt,
		&errMsg,
	); err != nil {
		return extraction.Record{}, err
	}
	rec.Source = extraction.Source(source)
	rec.Status = extraction.Status(status)
	rec.CreatedAt = fromUnix(createdAt)
	rec.UpdatedAt = fromUnix(updatedAt)
	if started.Valid {
		ts := fromUnix(started.Int64)
		rec.StartedAt = &ts
	}
	if lastRun.Valid {
		ts := fromUnix(lastRun.Int64)
		rec.LastRunAt = &ts
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.ErrorMessage = &msg
	}
	return rec, nil
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func classify(op string, key extraction.Key, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, key, extraction.ErrNotFound)
	}
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, extraction.ErrStorageUnavailable, err)
}
