package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// GetPostgresDSN starts a PostgreSQL container for t and returns its DSN.
// The container is removed when t finishes.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	SkipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// Verify SQL connectivity using the mapped host:port.
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://canvas:canvas@%s:%s/canvas_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "canvas",
			"POSTGRES_PASSWORD": "canvas",
			"POSTGRES_DB":       "canvas_test",
		}),
	)
	testcontainers.CleanupContainer(t, postgresC)
	requireStarted(t, "postgres", err)

	endpoint, err := postgresC.Endpoint(ctx, "")
	requireStarted(t, "postgres", err)
	return fmt.Sprintf("postgres://canvas:canvas@%s/canvas_test?sslmode=disable", endpoint)
}
