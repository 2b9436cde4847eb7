// Package postgres provides the PostgreSQL barrier store and registers the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/petrijr/canvas"
	pstore "github.com/petrijr/canvas/postgres/internal/persistence"
)

// OpenPostgres opens a pgx-backed *sql.DB and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("canvas/postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("canvas/postgres: ping: %w", err)
	}
	return db, nil
}

// NewPostgresBarrierStore returns a BarrierStore backed by PostgreSQL.
func NewPostgresBarrierStore(db *sql.DB) (canvas.BarrierStore, error) {
	s, err := pstore.NewPostgresBarrierStore(db)
	if err != nil {
		return nil, err
	}
	return s, nil
}
