package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// GetMongoURI starts a MongoDB container for t and returns its connection
// URI. The container is removed when t finishes.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	SkipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
	testcontainers.CleanupContainer(t, mongoC)
	requireStarted(t, "mongo", err)

	endpoint, err := mongoC.Endpoint(ctx, "")
	requireStarted(t, "mongo", err)
	return fmt.Sprintf("mongodb://%s", endpoint)
}
