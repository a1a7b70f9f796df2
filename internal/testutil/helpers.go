// Package testutil holds helpers shared by tests.
package testutil

import (
	"os"
	"testing"
)

// RequireKernel skips the test unless XTABLES_KERNEL_TEST is set and the test
// runs as root. Such tests replace live tables, so run them in a throwaway
// VM or network namespace.
func RequireKernel(t *testing.T) {
	t.Helper()
	if os.Getenv("XTABLES_KERNEL_TEST") == "" {
		t.Skip("Skipping test: requires XTABLES_KERNEL_TEST environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
