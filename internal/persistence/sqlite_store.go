package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/canvas/pkg/api"
)

// SQLiteBarrierStore is a BarrierStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver with JSON1 and RETURNING
// support (for example, "modernc.org/sqlite"). The caller is responsible for
// importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// SQLite serializes writers, so callers sharing one database file between
// goroutines should cap the pool with db.SetMaxOpenConns(1) or configure a
// busy timeout.
//
// A finalized chord keeps its row, with finalized_at set, for
// FinalizedRetention.
type SQLiteBarrierStore struct {
	db        *sql.DB
	retention time.Duration
}

// NewSQLiteBarrierStore initializes the required schema in the given
// database and returns a new SQLiteBarrierStore.
func NewSQLiteBarrierStore(db *sql.DB) (*SQLiteBarrierStore, error) {
	s := &SQLiteBarrierStore{db: db, retention: FinalizedRetention}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS canvas_chords (
		chord_id TEXT PRIMARY KEY,
		header_size INTEGER NOT NULL CHECK (header_size > 0),
		completed_count INTEGER NOT NULL DEFAULT 0,
		results TEXT NOT NULL DEFAULT '[]',
		callback TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		finalized_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS canvas_chord_members (
		chord_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		PRIMARY KEY (chord_id, job_id)
	)`,
}

func (s *SQLiteBarrierStore) initSchema() error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("canvas/sqlite: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteBarrierStore) CreateBarrier(ctx context.Context, b api.ChordBarrier) (bool, error) {
	callback, err := EncodeDescriptor(b.Callback)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO canvas_chords (chord_id, header_size, callback)
		VALUES (?, ?, ?)
		ON CONFLICT (chord_id) DO NOTHING`,
		b.ChordID,
		b.HeaderSize,
		string(callback),
	)
	if err != nil {
		return false, fmt.Errorf("canvas/sqlite: create barrier: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("canvas/sqlite: create barrier: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteBarrierStore) IncrementAndAppend(ctx context.Context, chordID, jobID string, result any) (api.BarrierUpdate, error) {
	encoded, err := EncodeResult(result)
	if err != nil {
		return api.BarrierUpdate{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/sqlite: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO canvas_chord_members (chord_id, job_id)
		VALUES (?, ?)
		ON CONFLICT (chord_id, job_id) DO NOTHING`,
		chordID,
		jobID,
	)
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/sqlite: record member: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/sqlite: record member: %w", err)
	}
	if affected == 0 {
		return Noop(api.BarrierDuplicate), nil
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE canvas_chords
		SET completed_count = completed_count + 1,
		    results = json_insert(results, '$[#]', json(?))
		WHERE chord_id = ? AND finalized_at IS NULL
		RETURNING chord_id, header_size, completed_count, results, callback`,
		string(encoded),
		chordID,
	)
	b, err := scanSQLiteBarrier(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Rolling back drops the member row recorded above.
		return Noop(api.BarrierAlreadyFinalized), nil
	}
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/sqlite: increment barrier: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/sqlite: commit: %w", err)
	}
	return Updated(b), nil
}

func (s *SQLiteBarrierStore) DeleteBarrier(ctx context.Context, chordID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("canvas/sqlite: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE canvas_chords
		SET finalized_at = ?, results = '[]'
		WHERE chord_id = ? AND finalized_at IS NULL`,
		now.UnixNano(),
		chordID,
	)
	if err != nil {
		return fmt.Errorf("canvas/sqlite: finalize barrier: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM canvas_chords
		WHERE finalized_at IS NOT NULL AND finalized_at < ?`,
		now.Add(-s.retention).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("canvas/sqlite: prune finalized: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM canvas_chord_members WHERE chord_id = ?`, chordID); err != nil {
		return fmt.Errorf("canvas/sqlite: delete members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("canvas/sqlite: commit: %w", err)
	}
	return nil
}

func (s *SQLiteBarrierStore) GetBarrier(ctx context.Context, chordID string) (*api.ChordBarrier, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chord_id, header_size, completed_count, results, callback
		FROM canvas_chords
		WHERE chord_id = ? AND finalized_at IS NULL`,
		chordID,
	)
	b, err := scanSQLiteBarrier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBarrierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("canvas/sqlite: get barrier: %w", err)
	}
	return b, nil
}

func scanSQLiteBarrier(row *sql.Row) (*api.ChordBarrier, error) {
	var b api.ChordBarrier
	var results, callback string

	if err := row.Scan(&b.ChordID, &b.HeaderSize, &b.CompletedCount, &results, &callback); err != nil {
		return nil, err
	}

	var err error
	if b.Results, err = DecodeResults([]byte(results)); err != nil {
		return nil, err
	}
	if b.Callback, err = DecodeDescriptor([]byte(callback)); err != nil {
		return nil, err
	}
	return &b, nil
}
