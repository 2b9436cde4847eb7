// Package testutil starts backing services for integration tests.
//
// Every call starts a fresh container owned by the calling test, which
// removes it on cleanup. Integration tests are skipped under -short.
package testutil

import (
	"testing"
	"time"
)

// startupTimeout bounds container startup. Generous for CI environments.
const startupTimeout = 3 * time.Minute

// SkipIfShort skips container-backed tests when running with -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

func requireStarted(t *testing.T, service string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("start %s container: %v", service, err)
	}
}
