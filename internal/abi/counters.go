package abi

import (
	"fmt"

	"github.com/google/nftables/binaryutil"
)

// Counters is struct xt_counters.
type Counters struct {
	Packets, Bytes uint64
}

// IsZero reports whether nothing has been counted.
func (c Counters) IsZero() bool { return c == Counters{} }

// SizeOfCountersInfo is sizeof(struct xt_counters_info) without the trailing
// counters: the table name, num_counters, and padding to the u64 array.
const SizeOfCountersInfo = 40

// CountersInfo builds the SO_SET_ADD_COUNTERS argument, which adds one
// counter pair to each entry of the table, in entry order.
func CountersInfo(table string, cs []Counters) []byte {
	w := NewWriter(Align)
	w.String(table, TableMaxNameLen)
	w.Uint32(uint32(len(cs)))
	w.Align()
	for _, c := range cs {
		w.Uint64(c.Packets)
		w.Uint64(c.Bytes)
	}
	return w.Bytes()
}

// EntryLayout locates the fields of ipt_entry or ip6t_entry that do not
// depend on the address family's selector.
type EntryLayout struct {
	IPSize    int // struct ipt_ip or ip6t_ip6
	EntrySize int
}

var (
	IPTEntryLayout  = EntryLayout{IPSize: SizeOfIPTIP, EntrySize: SizeOfIPTEntry}
	IP6TEntryLayout = EntryLayout{IPSize: SizeOfIP6TIP, EntrySize: SizeOfIP6TEntry}
)

// walk calls fn with the counters field of every entry of a replace blob.
func (l EntryLayout) walk(blob []byte, fn func(i int, field []byte)) error {
	h, err := ReadHeader(blob)
	if err != nil {
		return err
	}
	entries := blob[SizeOfReplace():]
	if len(entries) != int(h.Size) {
		return fmt.Errorf("blob has %d bytes of entries, header says %d", len(entries), h.Size)
	}
	n := 0
	for off := 0; off < len(entries); n++ {
		if off+l.EntrySize > len(entries) {
			return fmt.Errorf("entry %d at +%d: %w", n, off, ErrShortBuffer)
		}
		next := int(binaryutil.NativeEndian.Uint16(entries[off+l.IPSize+6:]))
		if next < l.EntrySize || off+next > len(entries) {
			return fmt.Errorf("entry %d at +%d: bad next offset %d", n, off, next)
		}
		fn(n, entries[off+l.EntrySize-SizeOfCounters:off+l.EntrySize])
		off += next
	}
	if n != int(h.NumEntries) {
		return fmt.Errorf("blob has %d entries, header says %d", n, h.NumEntries)
	}
	return nil
}

// ReadCounters returns the counters of every entry of a replace blob.
func (l EntryLayout) ReadCounters(blob []byte) ([]Counters, error) {
	var cs []Counters
	err := l.walk(blob, func(_ int, f []byte) {
		cs = append(cs, Counters{
			Packets: binaryutil.NativeEndian.Uint64(f[:8]),
			Bytes:   binaryutil.NativeEndian.Uint64(f[8:]),
		})
	})
	return cs, err
}

// ZeroCounters clears the counters of every entry in place, as the kernel
// does when it loads a replacement table.
func (l EntryLayout) ZeroCounters(blob []byte) error {
	return l.walk(blob, func(_ int, f []byte) { clear(f) })
}

// AddCounters adds cs to the entries' counters in place. cs must hold one
// pair per entry.
func (l EntryLayout) AddCounters(blob []byte, cs []Counters) error {
	h, err := ReadHeader(blob)
	if err != nil {
		return err
	}
	if len(cs) != int(h.NumEntries) {
		return fmt.Errorf("%d counters for %d entries", len(cs), h.NumEntries)
	}
	return l.walk(blob, func(i int, f []byte) {
		p := binaryutil.NativeEndian.Uint64(f[:8]) + cs[i].Packets
		b := binaryutil.NativeEndian.Uint64(f[8:]) + cs[i].Bytes
		copy(f[:8], binaryutil.NativeEndian.PutUint64(p))
		copy(f[8:], binaryutil.NativeEndian.PutUint64(b))
	})
}
