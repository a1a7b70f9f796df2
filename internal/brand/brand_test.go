package brand

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentity(t *testing.T) {
	assert.Equal(t, "xtables", Name)
	assert.Equal(t, "xtables", BinaryName)
	assert.NotEmpty(t, Description)
	assert.Equal(t, "dev", Version)
}

func TestPaths(t *testing.T) {
	for _, k := range []string{"XTABLES_CONFIG_DIR", "XTABLES_STATE_DIR", "XTABLES_PREFIX"} {
		t.Setenv(k, "")
	}
	assert.Equal(t, "/etc/xtables/policy.hcl", DefaultPolicyPath())
	assert.Equal(t, "/var/lib/xtables/history.db", DefaultHistoryPath())

	t.Setenv("XTABLES_PREFIX", "/opt/xt")
	assert.Equal(t, "/opt/xt/etc/policy.hcl", DefaultPolicyPath())
	assert.Equal(t, "/opt/xt/var/history.db", DefaultHistoryPath())

	t.Setenv("XTABLES_CONFIG_DIR", "/srv/policy")
	t.Setenv("XTABLES_STATE_DIR", "/srv/state")
	assert.Equal(t, "/srv/policy/policy.hcl", DefaultPolicyPath())
	assert.Equal(t, "/srv/state/history.db", DefaultHistoryPath())
}
