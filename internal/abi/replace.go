package abi

import "fmt"

// Header is the ipt_replace header that precedes the entries of a table
// blob. Its layout is shared with ip6t_replace.
type Header struct {
	Name        string
	ValidHooks  uint32
	NumEntries  uint32
	Size        uint32
	HookEntry   [NumHooks]uint32
	Underflow   [NumHooks]uint32
	NumCounters uint32
}

// Offsets of the fields the transport patches in place.
const (
	OffsetNumCounters = TableMaxNameLen + 4*3 + 4*NumHooks*2
)

// OffsetCounters is the offset of the counters pointer.
func OffsetCounters() int {
	return AlignUp(OffsetNumCounters+4, LongSize)
}

// WriteHeader encodes h. The counters pointer is left zero; the transport
// fills it in.
func WriteHeader(w *Writer, h Header) {
	w.String(h.Name, TableMaxNameLen)
	w.Uint32(h.ValidHooks)
	w.Uint32(h.NumEntries)
	w.Uint32(h.Size)
	for _, e := range h.HookEntry {
		w.Uint32(e)
	}
	for _, u := range h.Underflow {
		w.Uint32(u)
	}
	w.Uint32(h.NumCounters)
	w.Pad(LongSize)
	w.Long(0)
}

// ReadHeader decodes the header at the start of blob.
func ReadHeader(blob []byte) (Header, error) {
	r := NewReader(blob)
	h := Header{
		Name:       r.String(TableMaxNameLen),
		ValidHooks: r.Uint32(),
		NumEntries: r.Uint32(),
		Size:       r.Uint32(),
	}
	for i := range h.HookEntry {
		h.HookEntry[i] = r.Uint32()
	}
	for i := range h.Underflow {
		h.Underflow[i] = r.Uint32()
	}
	h.NumCounters = r.Uint32()
	r.Pad(LongSize)
	r.Long()
	if err := r.Err(); err != nil {
		return Header{}, fmt.Errorf("replace header: %w", err)
	}
	return h, nil
}

// Info is struct ipt_getinfo, the kernel's summary of a loaded table.
type Info struct {
	Name       string
	ValidHooks uint32
	HookEntry  [NumHooks]uint32
	Underflow  [NumHooks]uint32
	NumEntries uint32
	Size       uint32
}

// ReadInfo decodes an ipt_getinfo reply.
func ReadInfo(b []byte) (Info, error) {
	r := NewReader(b)
	info := Info{Name: r.String(TableMaxNameLen), ValidHooks: r.Uint32()}
	for i := range info.HookEntry {
		info.HookEntry[i] = r.Uint32()
	}
	for i := range info.Underflow {
		info.Underflow[i] = r.Uint32()
	}
	info.NumEntries = r.Uint32()
	info.Size = r.Uint32()
	if err := r.Err(); err != nil {
		return Info{}, fmt.Errorf("getinfo: %w", err)
	}
	return info, nil
}

// Header returns the replace header describing the table's current entries.
func (i Info) Header() Header {
	return Header{
		Name:        i.Name,
		ValidHooks:  i.ValidHooks,
		NumEntries:  i.NumEntries,
		Size:        i.Size,
		HookEntry:   i.HookEntry,
		Underflow:   i.Underflow,
		NumCounters: i.NumEntries,
	}
}
