package abi

import (
	"testing"

	"github.com/google/nftables/binaryutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countersBlob builds a replace blob of IPv4 entries, each followed by 8
// bytes of target data, with the given counters.
func countersBlob(cs ...Counters) []byte {
	const next = SizeOfIPTEntry + 8
	w := NewWriter(Align)
	WriteHeader(w, Header{
		Name:        "filter",
		NumEntries:  uint32(len(cs)),
		Size:        uint32(len(cs) * next),
		NumCounters: uint32(len(cs)),
	})
	for _, c := range cs {
		w.Zero(SizeOfIPTIP)
		w.Uint32(0)              // nfcache
		w.Uint16(SizeOfIPTEntry) // target_offset
		w.Uint16(next)
		w.Uint32(0) // comefrom
		w.Uint64(c.Packets)
		w.Uint64(c.Bytes)
		w.Zero(8)
	}
	return w.Bytes()
}

func TestReadCounters(t *testing.T) {
	blob := countersBlob(Counters{3, 300}, Counters{}, Counters{1, 40})

	cs, err := IPTEntryLayout.ReadCounters(blob)
	require.NoError(t, err)
	assert.Equal(t, []Counters{{3, 300}, {}, {1, 40}}, cs)
	assert.True(t, cs[1].IsZero())
	assert.False(t, cs[2].IsZero())
}

func TestZeroAndAddCounters(t *testing.T) {
	blob := countersBlob(Counters{3, 300}, Counters{1, 40})

	require.NoError(t, IPTEntryLayout.ZeroCounters(blob))
	cs, err := IPTEntryLayout.ReadCounters(blob)
	require.NoError(t, err)
	assert.Equal(t, []Counters{{}, {}}, cs)

	require.NoError(t, IPTEntryLayout.AddCounters(blob, []Counters{{3, 300}, {1, 40}}))
	require.NoError(t, IPTEntryLayout.AddCounters(blob, []Counters{{1, 1}, {0, 0}}))
	cs, err = IPTEntryLayout.ReadCounters(blob)
	require.NoError(t, err)
	assert.Equal(t, []Counters{{4, 301}, {1, 40}}, cs)

	assert.Error(t, IPTEntryLayout.AddCounters(blob, []Counters{{1, 1}}), "one pair per entry")
}

func TestCounters_MalformedBlob(t *testing.T) {
	t.Run("bad next offset", func(t *testing.T) {
		blob := countersBlob(Counters{}, Counters{})
		copy(blob[SizeOfReplace()+SizeOfIPTIP+6:], binaryutil.NativeEndian.PutUint16(4))
		_, err := IPTEntryLayout.ReadCounters(blob)
		assert.ErrorContains(t, err, "bad next offset")
	})

	t.Run("entry count mismatch", func(t *testing.T) {
		blob := countersBlob(Counters{}, Counters{})
		copy(blob[TableMaxNameLen+4:], binaryutil.NativeEndian.PutUint32(3)) // num_entries
		_, err := IPTEntryLayout.ReadCounters(blob)
		assert.ErrorContains(t, err, "header says 3")
	})

	t.Run("wrong family layout", func(t *testing.T) {
		blob := countersBlob(Counters{}, Counters{})
		_, err := IP6TEntryLayout.ReadCounters(blob)
		assert.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := IPTEntryLayout.ReadCounters(make([]byte, 10))
		assert.Error(t, err)
	})
}

func TestCountersInfo(t *testing.T) {
	b := CountersInfo("nat", []Counters{{7, 700}, {0, 0}})
	require.Len(t, b, SizeOfCountersInfo+2*SizeOfCounters)

	r := NewReader(b)
	assert.Equal(t, "nat", r.String(TableMaxNameLen))
	assert.Equal(t, uint32(2), r.Uint32())
	r.Pad(Align)
	assert.Equal(t, uint64(7), r.Uint64())
	assert.Equal(t, uint64(700), r.Uint64())
	require.NoError(t, r.Err())
}
