package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/audit"
	"grimm.is/xtables/internal/brand"
	"grimm.is/xtables/internal/compiler"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/logging"
	"grimm.is/xtables/internal/metrics"
	"grimm.is/xtables/internal/table"
	"grimm.is/xtables/internal/transport"
)

const sshPolicy = `
table "filter" {
  chain "INPUT" {
    policy = "DROP"

    rule {
      in_interface = "lo"
      target       = "ACCEPT"
    }
    rule {
      protocol = "tcp"
      match "tcp" {
        options = { dport = 22 }
      }
      target = "ACCEPT"
    }
  }
}
`

type memoryBackend struct {
	*transport.Memory
	extension.AllRevisions
}

// refusingBackend fails every replace the way an unprivileged caller would.
type refusingBackend struct {
	memoryBackend
}

func (refusingBackend) Replace(string, []byte) error { return unix.EPERM }

func testEnv(t *testing.T) (*Env, *transport.Memory, *bytes.Buffer) {
	t.Helper()
	mem := transport.NewMemory()
	c := compiler.New(extension.NewRegistry(), extension.IPv4)
	require.NoError(t, mem.SeedEmpty(c, "filter", "nat"))

	out := &bytes.Buffer{}
	env := &Env{
		Out:     out,
		Logger:  logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard}),
		Metrics: metrics.Get(),
		Backend: func(extension.Family) Backend { return memoryBackend{Memory: mem} },
		Links:   func() ([]string, error) { return []string{"lo", "eth0"}, nil },
	}
	return env, mem, out
}

func writePolicy(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

func TestRunApply(t *testing.T) {
	env, mem, out := testEnv(t)
	path := writePolicy(t, sshPolicy)

	require.NoError(t, env.RunApply(context.Background(), path, ApplyOptions{}))
	assert.Contains(t, out.String(), "filter (ipv4): committed")
	assert.Equal(t, 1, mem.Replaces("filter"))

	out.Reset()
	require.NoError(t, env.RunApply(context.Background(), path, ApplyOptions{}))
	assert.Contains(t, out.String(), "filter (ipv4): no changes")
	assert.Equal(t, 1, mem.Replaces("filter"), "unchanged table must not be replaced")
}

func TestRunApply_DryRun(t *testing.T) {
	env, mem, out := testEnv(t)
	path := writePolicy(t, sshPolicy)

	require.NoError(t, env.RunApply(context.Background(), path, ApplyOptions{DryRun: true}))
	assert.Zero(t, mem.Replaces("filter"))

	diff := out.String()
	assert.Contains(t, diff, "--- ipv4/filter (running)")
	assert.Contains(t, diff, "+++ ipv4/filter (policy)")
	assert.Contains(t, diff, "-:INPUT ACCEPT")
	assert.Contains(t, diff, "+:INPUT DROP")
	assert.Contains(t, diff, "+-A INPUT -p tcp -m tcp --dport 22 -j ACCEPT")
}

func TestRunApply_InvalidPolicy(t *testing.T) {
	env, mem, _ := testEnv(t)

	tests := []struct {
		name string
		src  string
	}{
		{"syntax", `table "filter" {`},
		{"unknown table", `
table "bogus" {
  chain "INPUT" {
    policy = "DROP"
  }
}
`},
		{"return policy", `
table "filter" {
  chain "INPUT" {
    policy = "RETURN"
  }
}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.RunApply(context.Background(), writePolicy(t, tt.src), ApplyOptions{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "policy invalid")
		})
	}
	assert.Zero(t, mem.Replaces("filter"))
}

func TestRunApply_DanglingJumpLeavesTableUntouched(t *testing.T) {
	env, mem, _ := testEnv(t)
	path := writePolicy(t, `
table "filter" {
  chain "INPUT" {
    rule {
      target = "missing"
    }
  }
}
`)
	err := env.RunApply(context.Background(), path, ApplyOptions{})
	require.Error(t, err)
	assert.Zero(t, mem.Replaces("filter"))
}

func TestRunApply_MetricsOut(t *testing.T) {
	env, _, _ := testEnv(t)
	path := writePolicy(t, sshPolicy)
	metricsPath := filepath.Join(t.TempDir(), "xtables.prom")

	require.NoError(t, env.RunApply(context.Background(), path, ApplyOptions{MetricsOut: metricsPath}))

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "xtables_commits_total")
}

func TestRunList(t *testing.T) {
	env, _, out := testEnv(t)
	require.NoError(t, env.RunApply(context.Background(), writePolicy(t, sshPolicy), ApplyOptions{}))

	out.Reset()
	require.NoError(t, env.RunList("filter", extension.IPv4, false))
	want := `*filter
:INPUT DROP
:FORWARD ACCEPT
:OUTPUT ACCEPT
-A INPUT -i lo -j ACCEPT
-A INPUT -p tcp -m tcp --dport 22 -j ACCEPT
COMMIT
`
	assert.Equal(t, want, out.String())

	out.Reset()
	require.NoError(t, env.RunList("filter", extension.IPv4, true))
	assert.Contains(t, out.String(), ":INPUT DROP [0:0]")
	assert.Contains(t, out.String(), "[0:0] -A INPUT -i lo -j ACCEPT")
}

func TestRunList_UnknownTable(t *testing.T) {
	env, _, _ := testEnv(t)
	err := env.RunList("raw", extension.IPv4, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read table raw")
}

func TestRunCheck(t *testing.T) {
	env, mem, out := testEnv(t)

	require.NoError(t, env.RunCheck(writePolicy(t, sshPolicy), false))
	assert.Equal(t, "Policy valid: 1 tables, 3 chains, 2 rules\n", out.String())
	assert.Zero(t, mem.Replaces("filter"), "check must not touch the backend")
}

func TestRunCheck_Verbose(t *testing.T) {
	env, _, out := testEnv(t)

	require.NoError(t, env.RunCheck(writePolicy(t, sshPolicy), true))
	assert.Contains(t, out.String(), "*filter\n:INPUT DROP\n")
	assert.Contains(t, out.String(), "Policy valid:")
}

func TestRunCheck_MissingInterfaces(t *testing.T) {
	env, _, out := testEnv(t)
	env.Links = func() ([]string, error) { return []string{"lo", "veth0"}, nil }

	path := writePolicy(t, `
table "filter" {
  chain "FORWARD" {
    rule {
      in_interface  = "veth+"
      out_interface = "!eth9"
      target        = "ACCEPT"
    }
    rule {
      in_interface = "wg+"
      target       = "DROP"
    }
  }
}
`)
	require.NoError(t, env.RunCheck(path, false))
	assert.Contains(t, out.String(), "warning: interface eth9 not present on this host")
	assert.Contains(t, out.String(), "warning: interface wg+ not present on this host")
	assert.NotContains(t, out.String(), "interface veth+")
}

func TestRunCheck_LinkErrorIsNotFatal(t *testing.T) {
	env, _, out := testEnv(t)
	env.Links = func() ([]string, error) { return nil, errors.New("netlink unavailable") }

	path := writePolicy(t, `
table "filter" {
  chain "INPUT" {
    rule {
      in_interface = "eth9"
      target       = "ACCEPT"
    }
  }
}
`)
	require.NoError(t, env.RunCheck(path, false))
	assert.NotContains(t, out.String(), "warning")
}

func TestRunCheck_Errors(t *testing.T) {
	env, _, _ := testEnv(t)

	assert.Error(t, env.RunCheck("", false))
	assert.Error(t, env.RunCheck(filepath.Join(t.TempDir(), "absent.hcl"), false))

	path := writePolicy(t, `
table "filter" {
  chain "INPUT" {
    rule {
      target = "nowhere"
    }
  }
}
`)
	err := env.RunCheck(path, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, table.ErrDanglingChainReference)
}

func TestStatsSource(t *testing.T) {
	env, _, _ := testEnv(t)
	require.NoError(t, env.RunApply(context.Background(), writePolicy(t, sshPolicy), ApplyOptions{}))

	src := &statsSource{env: env, family: extension.IPv4, names: []string{"filter", "nat"}, tables: make(map[string]*table.Table)}
	for range 2 {
		stats, err := src.ChainStats(context.Background())
		require.NoError(t, err)

		byChain := make(map[string]metrics.ChainStats)
		for _, s := range stats {
			byChain[s.Table+"/"+s.Chain] = s
		}
		assert.Equal(t, 2, byChain["filter/INPUT"].Rules)
		assert.Contains(t, byChain, "nat/POSTROUTING")
	}
	assert.Len(t, src.tables, 2, "tables are opened once and refreshed afterwards")
}

func TestStatsSource_UnknownTable(t *testing.T) {
	env, _, _ := testEnv(t)
	src := &statsSource{env: env, family: extension.IPv4, names: []string{"mangle"}, tables: make(map[string]*table.Table)}
	_, err := src.ChainStats(context.Background())
	assert.Error(t, err)
}

func TestRunExporter(t *testing.T) {
	env, _, _ := testEnv(t)

	err := env.RunExporter(context.Background(), ExporterOptions{Listen: "127.0.0.1:0"})
	assert.Error(t, err, "no tables")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.RunExporter(ctx, ExporterOptions{
			Listen:   "127.0.0.1:0",
			Interval: time.Hour,
			Tables:   []string{"filter"},
			Family:   extension.IPv4,
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("exporter did not stop")
	}
}

func TestRunVersion(t *testing.T) {
	env, _, out := testEnv(t)
	env.RunVersion()
	assert.Contains(t, out.String(), brand.Name+" "+brand.Version)
	assert.Contains(t, out.String(), "go:")
}

func TestRunApply_RecordsHistory(t *testing.T) {
	env, _, out := testEnv(t)
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	env.Audit = store
	env.User = "alice"

	path := writePolicy(t, sshPolicy)
	require.NoError(t, env.RunApply(context.Background(), path, ApplyOptions{}))
	require.NoError(t, env.RunApply(context.Background(), path, ApplyOptions{}))

	events, err := store.Query(audit.Query{})
	require.NoError(t, err)
	require.Len(t, events, 1, "only changed tables are recorded")
	evt := events[0]
	assert.Equal(t, "alice", evt.User)
	assert.Equal(t, "filter", evt.Table)
	assert.Equal(t, "ipv4", evt.Family)
	assert.Equal(t, 2, evt.Rules)
	assert.Positive(t, evt.Size)
	assert.True(t, evt.OK())
	assert.Contains(t, evt.Diff, "+:INPUT DROP")

	out.Reset()
	require.NoError(t, env.RunHistory(HistoryOptions{Verbose: true}))
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, out.String(), "filter (ipv4)  2 rules  ok")
	assert.Contains(t, out.String(), "+-A INPUT -i lo -j ACCEPT")
}

func TestRunApply_RecordsFailedCommit(t *testing.T) {
	env, mem, _ := testEnv(t)
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	env.Audit = store

	env.Backend = func(extension.Family) Backend { return refusingBackend{memoryBackend{Memory: mem}} }

	err = env.RunApply(context.Background(), writePolicy(t, sshPolicy), ApplyOptions{})
	require.Error(t, err)

	events, err := store.Query(audit.Query{Table: "filter"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].OK())
	assert.Zero(t, events[0].Size)
}

func TestRunHistory_Empty(t *testing.T) {
	env, _, out := testEnv(t)
	assert.Error(t, env.RunHistory(HistoryOptions{}))

	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	env.Audit = store

	require.NoError(t, env.RunHistory(HistoryOptions{Table: "nat"}))
	assert.Equal(t, "No commits recorded\n", out.String())
}
