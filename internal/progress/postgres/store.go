// Package postgres is the PostgreSQL progress backend. Each write is a single
// autocommit statement, so it is durable once the call returns, and any
// number of readers may query the tables while a run is in progress.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/lib/pq"
)

const backendName = "postgres"

//go:embed migrations/*.up.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type Store struct {
	db     *DB
	logger *slog.Logger
	closed atomic.Bool
}

var _ progress.Store = (*Store)(nil)

// Open connects, applies pending migrations and returns the store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, Migrations()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run progress migrations: %w", err)
	}
	return NewStore(db, logger), nil
}

// NewStore wraps an already migrated database.
func NewStore(db *DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "progress", "backend", backendName),
	}
}

func (s *Store) Get(ctx context.Context, key model.ReconciliationKey) (*model.ProgressRecord, error) {
	if s.closed.Load() {
		return nil, progress.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rec := model.ProgressRecord{Key: key}
	var blockNumber int64
	err := s.db.QueryRowContext(ctx, `
		SELECT state, tx_hash, block_number, reason, recorded_at
		FROM keeper_progress_records
		WHERE chain = $1 AND subject = $2 AND resource = $3`,
		string(key.Chain), string(key.Subject), key.Resource,
	).Scan(&rec.State, &rec.TxHash, &blockNumber, &rec.Reason, &rec.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress record %s: %w", key, err)
	}
	rec.BlockNumber = uint64(blockNumber)
	rec.RecordedAt = rec.RecordedAt.UTC()
	return &rec, nil
}

func (s *Store) IsResolved(ctx context.Context, key model.ReconciliationKey, noBalanceSince time.Time) (bool, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return progress.Resolved(rec, noBalanceSince), nil
}

// RecordOutcome upserts in one statement. The WHERE clause on the conflict
// branch leaves terminal rows untouched, in which case no row is returned.
func (s *Store) RecordOutcome(ctx context.Context, key model.ReconciliationKey, state model.ProgressState, meta model.OutcomeMeta) (bool, error) {
	if s.closed.Load() {
		return false, progress.ErrClosed
	}
	rec, _, err := progress.Merge(nil, key, state, meta)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	started := time.Now()
	var one int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO keeper_progress_records
			(chain, subject, resource, state, tx_hash, block_number, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chain, subject, resource) DO UPDATE SET
			state = EXCLUDED.state,
			tx_hash = EXCLUDED.tx_hash,
			block_number = EXCLUDED.block_number,
			reason = EXCLUDED.reason,
			recorded_at = EXCLUDED.recorded_at,
			updated_at = now()
		WHERE keeper_progress_records.state = 'NO_BALANCE'
		RETURNING 1`,
		string(key.Chain), string(key.Subject), key.Resource,
		string(rec.State), rec.TxHash, int64(rec.BlockNumber), rec.Reason, rec.RecordedAt,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	progress.ObserveWrite(backendName, "record_outcome", started, err)
	if err != nil {
		return false, fmt.Errorf("record outcome %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) RecordIntent(ctx context.Context, intent model.PendingIntent) error {
	if s.closed.Load() {
		return progress.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	started := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keeper_pending_intents (chain, subject, resource, tx_hash, nonce, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain, subject, resource) DO UPDATE SET
			tx_hash = EXCLUDED.tx_hash,
			nonce = EXCLUDED.nonce,
			submitted_at = EXCLUDED.submitted_at,
			updated_at = now()`,
		string(intent.Key.Chain), string(intent.Key.Subject), intent.Key.Resource,
		intent.TxHash, int64(intent.Nonce), intent.SubmittedAt.UTC(),
	)
	progress.ObserveWrite(backendName, "record_intent", started, err)
	if err != nil {
		return fmt.Errorf("record intent %s: %w", intent.Key, err)
	}
	return nil
}

func (s *Store) PendingIntent(ctx context.Context, key model.ReconciliationKey) (*model.PendingIntent, error) {
	if s.closed.Load() {
		return nil, progress.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	intent := model.PendingIntent{Key: key}
	var nonce int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tx_hash, nonce, submitted_at
		FROM keeper_pending_intents
		WHERE chain = $1 AND subject = $2 AND resource = $3`,
		string(key.Chain), string(key.Subject), key.Resource,
	).Scan(&intent.TxHash, &nonce, &intent.SubmittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending intent %s: %w", key, err)
	}
	intent.Nonce = uint64(nonce)
	intent.SubmittedAt = intent.SubmittedAt.UTC()
	return &intent, nil
}

func (s *Store) ClearIntent(ctx context.Context, key model.ReconciliationKey) error {
	if s.closed.Load() {
		return progress.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	started := time.Now()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM keeper_pending_intents
		WHERE chain = $1 AND subject = $2 AND resource = $3`,
		string(key.Chain), string(key.Subject), key.Resource,
	)
	progress.ObserveWrite(backendName, "clear_intent", started, err)
	if err != nil {
		return fmt.Errorf("clear intent %s: %w", key, err)
	}
	return nil
}

func (s *Store) ObserveSubjects(ctx context.Context, chain model.Chain, subjects []model.Subject) (int, error) {
	if s.closed.Load() {
		return 0, progress.ErrClosed
	}
	if len(subjects) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	values := make([]string, len(subjects))
	for i, subject := range subjects {
		values[i] = string(subject)
	}

	started := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO keeper_subjects (chain, subject)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (chain, subject) DO NOTHING`,
		string(chain), pq.Array(values),
	)
	progress.ObserveWrite(backendName, "observe_subjects", started, err)
	if err != nil {
		return 0, fmt.Errorf("observe subjects %s: %w", chain, err)
	}
	added, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("observe subjects %s: %w", chain, err)
	}
	return int(added), nil
}

func (s *Store) Subjects(ctx context.Context, chain model.Chain) ([]model.Subject, error) {
	if s.closed.Load() {
		return nil, progress.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var values []string
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(array_agg(subject ORDER BY subject), '{}')
		FROM keeper_subjects WHERE chain = $1`,
		string(chain),
	).Scan(pq.Array(&values)); err != nil {
		return nil, fmt.Errorf("list subjects %s: %w", chain, err)
	}
	out := make([]model.Subject, len(values))
	for i, v := range values {
		out[i] = model.Subject(v)
	}
	return out, nil
}

func (s *Store) Summary(ctx context.Context) (progress.Summary, error) {
	if s.closed.Load() {
		return progress.Summary{}, progress.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	summary := progress.Summary{Subjects: make(map[model.Chain]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT state, count(*) FROM keeper_progress_records GROUP BY state`)
	if err != nil {
		return progress.Summary{}, fmt.Errorf("summarize records: %w", err)
	}
	for rows.Next() {
		var state model.ProgressState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return progress.Summary{}, fmt.Errorf("scan record summary: %w", err)
		}
		switch state {
		case model.ProgressCompleted:
			summary.Completed = n
		case model.ProgressInsolvent:
			summary.Insolvent = n
		case model.ProgressNoBalance:
			summary.NoBalance = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return progress.Summary{}, fmt.Errorf("summarize records: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT chain, count(*) FROM keeper_subjects GROUP BY chain`)
	if err != nil {
		return progress.Summary{}, fmt.Errorf("summarize subjects: %w", err)
	}
	for rows.Next() {
		var chain string
		var n int
		if err := rows.Scan(&chain, &n); err != nil {
			rows.Close()
			return progress.Summary{}, fmt.Errorf("scan subject summary: %w", err)
		}
		summary.Subjects[model.Chain(chain)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return progress.Summary{}, fmt.Errorf("summarize subjects: %w", err)
	}

	var lastWrite sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT count(*) FROM keeper_pending_intents),
		       GREATEST(
		           (SELECT max(updated_at) FROM keeper_progress_records),
		           (SELECT max(updated_at) FROM keeper_pending_intents),
		           (SELECT max(first_seen_at) FROM keeper_subjects))`,
	).Scan(&summary.PendingIntents, &lastWrite); err != nil {
		return progress.Summary{}, fmt.Errorf("summarize intents: %w", err)
	}
	if lastWrite.Valid {
		t := lastWrite.Time.UTC()
		summary.LastWrite = &t
	}
	return summary, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
