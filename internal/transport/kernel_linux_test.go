//go:build linux

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/xtables/internal/compiler"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/table"
	"grimm.is/xtables/internal/testutil"
)

func TestKernel_Supports(t *testing.T) {
	testutil.RequireKernel(t)

	k := NewKernel(extension.IPv4)
	ok, err := k.Supports("tcp", extension.Match, extension.IPv4, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = k.Supports("tcp", extension.Match, extension.IPv4, 200)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKernel_ChainRoundTrip(t *testing.T) {
	testutil.RequireKernel(t)

	k := NewKernel(extension.IPv4)
	reg := extension.NewRegistry(extension.WithRevisionChecker(k))
	c := compiler.New(reg, extension.IPv4)

	tbl, err := table.Open("filter", k, c)
	require.NoError(t, err)
	require.NoError(t, tbl.CreateChain("xtables-test"))
	require.NoError(t, tbl.Commit())

	reread, err := table.Open("filter", k, c)
	require.NoError(t, err)
	assert.True(t, reread.IsChain("xtables-test"))

	require.NoError(t, reread.DeleteChain("xtables-test"))
	require.NoError(t, reread.Commit())
	require.NoError(t, tbl.Refresh())
	assert.False(t, tbl.IsChain("xtables-test"))
}
