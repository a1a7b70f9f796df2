package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/compiler"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/rule"
	"grimm.is/xtables/internal/table"
)

func newCompiler() *compiler.Compiler {
	return compiler.New(extension.NewRegistry(), extension.IPv4)
}

func TestPatchReplace(t *testing.T) {
	blob, err := newCompiler().Empty("filter")
	require.NoError(t, err)

	req := patchReplace(blob, 42, 0xdeadbeef)
	require.Len(t, req, len(blob))

	h, err := abi.ReadHeader(req)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), h.NumCounters)
	assert.Equal(t, blob[abi.SizeOfReplace():], req[abi.SizeOfReplace():], "entries are untouched")

	r := abi.NewReader(req[abi.OffsetCounters():])
	assert.Equal(t, uint64(0xdeadbeef), r.Long())

	orig, err := abi.ReadHeader(blob)
	require.NoError(t, err)
	assert.Equal(t, orig.NumEntries, orig.NumCounters, "input blob is not modified")
}

func TestFetchedBlob(t *testing.T) {
	c := newCompiler()
	blob, err := c.Empty("filter")
	require.NoError(t, err)
	h, err := abi.ReadHeader(blob)
	require.NoError(t, err)

	info := abi.Info{
		Name:       h.Name,
		ValidHooks: h.ValidHooks,
		HookEntry:  h.HookEntry,
		Underflow:  h.Underflow,
		NumEntries: h.NumEntries,
		Size:       h.Size,
	}
	req := getEntriesRequest("filter", info.Size)
	require.Len(t, req, abi.SizeOfGetEntries+int(info.Size))
	assert.Equal(t, "filter", abi.NewReader(req).String(abi.TableMaxNameLen))

	// what the kernel would write back
	copy(req[abi.SizeOfGetEntries:], blob[abi.SizeOfReplace():])
	assert.Equal(t, blob, fetchedBlob(info, req))
}

func TestCheckBlob(t *testing.T) {
	blob, err := newCompiler().Empty("filter")
	require.NoError(t, err)

	_, err = checkBlob("filter", blob)
	assert.NoError(t, err)
	_, err = checkBlob("nat", blob)
	assert.Error(t, err)
	_, err = checkBlob("filter", blob[:len(blob)-8])
	assert.Error(t, err)
	_, err = checkBlob("filter", blob[:10])
	assert.ErrorIs(t, err, abi.ErrShortBuffer)
}

func TestMemory(t *testing.T) {
	c := newCompiler()
	m := NewMemory()
	require.NoError(t, m.SeedEmpty(c, "filter", "nat"))
	assert.Equal(t, []string{"filter", "nat"}, m.Tables())

	_, err := m.Fetch("mangle")
	assert.ErrorIs(t, err, unix.ENOENT)

	nat, err := m.Fetch("nat")
	require.NoError(t, err)
	err = m.Replace("nat", nat[:len(nat)-8])
	assert.ErrorIs(t, err, unix.EINVAL)

	filter, err := c.Empty("filter")
	require.NoError(t, err)
	require.NoError(t, m.Replace("filter", filter))
	assert.Equal(t, 1, m.Replaces("filter"))
	assert.Equal(t, 0, m.Replaces("nat"))
}

func TestMemory_RejectsHookChange(t *testing.T) {
	c := newCompiler()
	m := NewMemory()
	require.NoError(t, m.SeedEmpty(c, "filter"))

	blob, _, err := c.CompileTable("filter", []*rule.Chain{rule.NewBuiltinChain(abi.HookLocalIn)})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Replace("filter", blob), unix.EINVAL)
	assert.Equal(t, 0, m.Replaces("filter"))
}

func TestMemory_TableRoundTrip(t *testing.T) {
	c := newCompiler()
	m := NewMemory()
	require.NoError(t, m.SeedEmpty(c, "filter"))

	tbl, err := table.Open("filter", m, c)
	require.NoError(t, err)
	require.NoError(t, tbl.CreateChain("web"))

	r := rule.New(extension.IPv4)
	require.NoError(t, r.SetSource("192.0.2.0/24"))
	r.SetTarget(rule.NewJump("web"))
	require.NoError(t, tbl.AppendRule("INPUT", r))
	require.NoError(t, tbl.SetPolicy("FORWARD", abi.VerdictDrop))
	require.NoError(t, tbl.Commit())
	assert.Equal(t, 1, m.Replaces("filter"))

	again, err := table.Open("filter", m, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"INPUT", "FORWARD", "OUTPUT", "web"}, again.Chains())
	rules, err := again.Rules("INPUT")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, r.Equal(rules[0]))
	policy, _, err := again.Policy("FORWARD")
	require.NoError(t, err)
	assert.Equal(t, abi.VerdictDrop, policy)
}

func TestMemory_ReplaceZeroesCounters(t *testing.T) {
	c := newCompiler()
	m := NewMemory()
	require.NoError(t, m.SeedEmpty(c, "filter"))

	r := rule.New(extension.IPv4)
	r.SetTarget(rule.NewVerdict(abi.VerdictAccept))
	r.SetCounters(rule.Counters{Packets: 9, Bytes: 900})
	input := rule.NewBuiltinChain(abi.HookLocalIn)
	input.Rules = append(input.Rules, r)
	blob, _, err := c.CompileTable("filter", []*rule.Chain{input, rule.NewBuiltinChain(abi.HookForward), rule.NewBuiltinChain(abi.HookLocalOut)})
	require.NoError(t, err)

	sent, err := c.EntryLayout().ReadCounters(blob)
	require.NoError(t, err)
	require.Equal(t, abi.Counters{Packets: 9, Bytes: 900}, sent[0])

	require.NoError(t, m.Replace("filter", blob))
	stored, err := m.Fetch("filter")
	require.NoError(t, err)
	got, err := c.EntryLayout().ReadCounters(stored)
	require.NoError(t, err)
	for _, cnt := range got {
		assert.True(t, cnt.IsZero())
	}

	require.NoError(t, m.AddCounters("filter", sent))
	stored, err = m.Fetch("filter")
	require.NoError(t, err)
	assert.Equal(t, blob, stored)

	assert.ErrorIs(t, m.AddCounters("filter", sent[1:]), unix.EINVAL)
	assert.ErrorIs(t, m.AddCounters("nat", sent), unix.ENOENT)
}

func TestMemory_CountersSurviveCommit(t *testing.T) {
	c := newCompiler()
	m := NewMemory()
	require.NoError(t, m.SeedEmpty(c, "filter"))

	tbl, err := table.Open("filter", m, c)
	require.NoError(t, err)
	r := rule.New(extension.IPv4)
	require.NoError(t, r.SetSource("198.51.100.0/24"))
	r.SetTarget(rule.NewVerdict(abi.VerdictDrop))
	r.SetCounters(rule.Counters{Packets: 4, Bytes: 240})
	require.NoError(t, tbl.AppendRule("INPUT", r))
	require.NoError(t, tbl.Commit())

	again, err := table.Open("filter", m, c)
	require.NoError(t, err)
	rules, err := again.Rules("INPUT")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, rule.Counters{Packets: 4, Bytes: 240}, rules[0].Counters())
}

func TestMemory_FamilyLayout(t *testing.T) {
	c6 := compiler.New(extension.NewRegistry(), extension.IPv6)
	blob, err := c6.Empty("filter")
	require.NoError(t, err)

	m := NewMemory(WithFamily(extension.IPv6))
	require.NoError(t, m.Seed("filter", blob))
	require.NoError(t, m.Replace("filter", blob))

	// an IPv4 store cannot walk IPv6 entries
	m4 := NewMemory()
	require.NoError(t, m4.Seed("filter", blob))
	assert.ErrorIs(t, m4.Replace("filter", blob), unix.EINVAL)
}
