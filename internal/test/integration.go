package test

import (
	"os"
	"testing"
)

// IntegrationEnv enables tests that need external resources such as a Docker daemon.
const IntegrationEnv = "SHELLSESSION_INTEGRATION"

// Integration skips the test unless integration tests are enabled.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("skipping integration test, set %s to run it", IntegrationEnv)
	}
}
