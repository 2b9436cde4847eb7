package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	corep "github.com/petrijr/canvas/internal/persistence"
	"github.com/petrijr/canvas/pkg/api"
)

// PostgresBarrierStore is a BarrierStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
//
// The increment is a single UPDATE ... RETURNING, so the row lock taken by
// PostgreSQL serializes concurrent completers of the same chord. A finalized
// chord keeps its row, with finalized_at set, for persistence.FinalizedRetention.
type PostgresBarrierStore struct {
	db        *sql.DB
	retention time.Duration
}

// Ensure PostgresBarrierStore implements api.BarrierStore.
var _ api.BarrierStore = (*PostgresBarrierStore)(nil)

// NewPostgresBarrierStore initializes the required schema in the given
// database and returns a new PostgresBarrierStore.
func NewPostgresBarrierStore(db *sql.DB) (*PostgresBarrierStore, error) {
	s := &PostgresBarrierStore{db: db, retention: corep.FinalizedRetention}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS canvas_chords (
		chord_id TEXT PRIMARY KEY,
		header_size INTEGER NOT NULL CHECK (header_size > 0),
		completed_count INTEGER NOT NULL DEFAULT 0,
		results JSONB NOT NULL DEFAULT '[]'::jsonb,
		callback JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		finalized_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS canvas_chord_members (
		chord_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		PRIMARY KEY (chord_id, job_id)
	)`,
}

func (s *PostgresBarrierStore) initSchema() error {
	for _, stmt := range postgresSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("canvas/postgres: init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresBarrierStore) CreateBarrier(ctx context.Context, b api.ChordBarrier) (bool, error) {
	callback, err := corep.EncodeDescriptor(b.Callback)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO canvas_chords (chord_id, header_size, callback)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (chord_id) DO NOTHING
	`,
		b.ChordID,
		b.HeaderSize,
		string(callback),
	)
	if err != nil {
		return false, fmt.Errorf("canvas/postgres: create barrier: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("canvas/postgres: create barrier: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresBarrierStore) IncrementAndAppend(ctx context.Context, chordID, jobID string, result any) (api.BarrierUpdate, error) {
	encoded, err := corep.EncodeResult(result)
	if err != nil {
		return api.BarrierUpdate{}, err
	}
	// jsonb || jsonb concatenates arrays, so wrap the result to append it as
	// a single element even when it is itself an array.
	element := "[" + string(encoded) + "]"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/postgres: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO canvas_chord_members (chord_id, job_id)
		VALUES ($1, $2)
		ON CONFLICT (chord_id, job_id) DO NOTHING
	`,
		chordID,
		jobID,
	)
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/postgres: record member: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/postgres: record member: %w", err)
	}
	if affected == 0 {
		return corep.Noop(api.BarrierDuplicate), nil
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE canvas_chords
		SET completed_count = completed_count + 1,
		    results = results || $1::jsonb
		WHERE chord_id = $2 AND finalized_at IS NULL
		RETURNING chord_id, header_size, completed_count, results, callback
	`,
		element,
		chordID,
	)
	b, err := scanPostgresBarrier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return corep.Noop(api.BarrierAlreadyFinalized), nil
	}
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/postgres: increment barrier: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/postgres: commit: %w", err)
	}
	return corep.Updated(b), nil
}

func (s *PostgresBarrierStore) DeleteBarrier(ctx context.Context, chordID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("canvas/postgres: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE canvas_chords
		SET finalized_at = now(), results = '[]'::jsonb
		WHERE chord_id = $1 AND finalized_at IS NULL
	`, chordID)
	if err != nil {
		return fmt.Errorf("canvas/postgres: finalize barrier: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM canvas_chords
		WHERE finalized_at < now() - make_interval(secs => $1)
	`, s.retention.Seconds())
	if err != nil {
		return fmt.Errorf("canvas/postgres: prune finalized: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM canvas_chord_members WHERE chord_id = $1`, chordID); err != nil {
		return fmt.Errorf("canvas/postgres: delete members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("canvas/postgres: commit: %w", err)
	}
	return nil
}

func (s *PostgresBarrierStore) GetBarrier(ctx context.Context, chordID string) (*api.ChordBarrier, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chord_id, header_size, completed_count, results, callback
		FROM canvas_chords
		WHERE chord_id = $1 AND finalized_at IS NULL
	`, chordID)

	b, err := scanPostgresBarrier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrBarrierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("canvas/postgres: get barrier: %w", err)
	}
	return b, nil
}

func scanPostgresBarrier(row *sql.Row) (*api.ChordBarrier, error) {
	var b api.ChordBarrier
	var results, callback []byte

	if err := row.Scan(&b.ChordID, &b.HeaderSize, &b.CompletedCount, &results, &callback); err != nil {
		return nil, err
	}

	var err error
	if b.Results, err = corep.DecodeResults(results); err != nil {
		return nil, err
	}
	if b.Callback, err = corep.DecodeDescriptor(callback); err != nil {
		return nil, err
	}
	return &b, nil
}
