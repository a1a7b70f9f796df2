package compiler

import (
	"bytes"
	"fmt"
	"math"
	"net/netip"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/option"
	"grimm.is/xtables/internal/rule"
)

// CompileRule compiles r as the entry at byte offset at of the table. The
// layout resolves jump targets and may be nil for rules without one.
func (c *Compiler) CompileRule(r *rule.Rule, at int, layout *Layout) ([]byte, error) {
	if err := c.validate(r); err != nil {
		return nil, err
	}

	var blocks [][]byte
	targetOffset := c.entrySize()
	for _, m := range r.Matches() {
		b, err := encodeBlock(m.Descriptor(), m.Raw(), m.Options())
		if err != nil {
			return nil, fmt.Errorf("match %s: %w", m.Name(), err)
		}
		blocks = append(blocks, b)
		targetOffset += len(b)
	}

	t := r.Target()
	var target []byte
	switch t.Kind() {
	case rule.Extension, rule.RawTarget:
		b, err := encodeBlock(t.Descriptor(), t.Raw(), t.Options())
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", t.Name(), err)
		}
		target = b
	default:
		verdict, err := c.verdict(t, at, targetOffset+abi.SizeOfStandardTarget, layout)
		if err != nil {
			return nil, err
		}
		target = standardTarget(verdict)
	}
	nextOffset := targetOffset + len(target)
	if nextOffset > math.MaxUint16 {
		return nil, fmt.Errorf("%w: entry of %d bytes exceeds the %d byte limit", ErrInvalidRule, nextOffset, math.MaxUint16)
	}

	w := abi.NewWriter(abi.Align)
	c.writeHeader(w, r, targetOffset, nextOffset)
	for _, b := range blocks {
		w.Raw(b)
	}
	w.Raw(target)
	return w.Bytes(), nil
}

// verdict computes the standard target's verdict. size is the size of the
// entry being compiled.
func (c *Compiler) verdict(t *rule.Target, at, size int, layout *Layout) (int32, error) {
	switch t.Kind() {
	case rule.Verdict:
		return t.Verdict(), nil
	case rule.Fallthrough:
		return int32(at + size), nil
	case rule.Jump:
		if layout == nil {
			return 0, fmt.Errorf("%w: %q (no table layout)", ErrUnknownChain, t.Chain())
		}
		off, ok := layout.ChainOffset(t.Chain())
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownChain, t.Chain())
		}
		return int32(off), nil
	}
	return 0, fmt.Errorf("%w: unexpected target kind %d", ErrInvalidRule, t.Kind())
}

// encodeBlock builds an xt_entry_match or xt_entry_target block. The two
// share one header layout.
func encodeBlock(d *extension.Descriptor, raw *extension.Raw, v option.Values) ([]byte, error) {
	name, revision := "", uint8(0)
	var data []byte
	if raw != nil {
		name, revision, data = raw.Name, raw.Revision, raw.Data
	} else {
		var err error
		if data, err = d.Encode(v); err != nil {
			return nil, err
		}
		name, revision = d.Name, d.Revision
	}

	size := abi.AlignUp(abi.SizeOfEntryMatch+len(data), abi.Align)
	if size > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %s block of %d bytes exceeds the %d byte limit", ErrInvalidRule, name, size, math.MaxUint16)
	}
	w := abi.NewWriter(abi.Align)
	w.Uint16(uint16(size))
	w.String(name, abi.ExtensionMaxNameLen)
	w.Uint8(revision)
	w.Raw(data)
	w.PadTo(size)
	return w.Bytes(), nil
}

func standardTarget(verdict int32) []byte {
	w := abi.NewWriter(abi.Align)
	w.Uint16(abi.SizeOfStandardTarget)
	w.String(abi.StandardTarget, abi.ExtensionMaxNameLen)
	w.Uint8(0)
	w.Int32(verdict)
	w.Align()
	return w.Bytes()
}

func errorTarget(name string) []byte {
	w := abi.NewWriter(abi.Align)
	w.Uint16(abi.SizeOfErrorTarget)
	w.String(abi.ErrorTarget, abi.ExtensionMaxNameLen)
	w.Uint8(0)
	w.String(name, abi.FunctionMaxNameLen)
	w.Align()
	return w.Bytes()
}

func (c *Compiler) addrLen() int {
	if c.family == extension.IPv6 {
		return 16
	}
	return 4
}

func (c *Compiler) addrBytes(a rule.Address) (ip, mask []byte) {
	if a.IsAny() {
		return make([]byte, c.addrLen()), make([]byte, c.addrLen())
	}
	return a.IP.AsSlice(), a.Mask.AsSlice()
}

func writeIface(w *abi.Writer, i rule.Interface) {
	w.String(i.Name, abi.IfNameSize)
}

func writeIfaceMask(w *abi.Writer, i rule.Interface) {
	m := i.Mask()
	w.Raw(m)
	w.Zero(abi.IfNameSize - len(m))
}

// writeHeader writes the fixed ipt_entry or ip6t_entry part of r.
func (c *Compiler) writeHeader(w *abi.Writer, r *rule.Rule, targetOffset, nextOffset int) {
	src, smsk := c.addrBytes(r.Source())
	dst, dmsk := c.addrBytes(r.Destination())
	in, out := r.InInterface(), r.OutInterface()
	p := r.Protocol()

	w.Raw(src)
	w.Raw(dst)
	w.Raw(smsk)
	w.Raw(dmsk)
	writeIface(w, in)
	writeIface(w, out)
	writeIfaceMask(w, in)
	writeIfaceMask(w, out)
	w.Uint16(uint16(p.Num))

	var flags, inv uint8
	if in.Negated {
		inv |= abi.IPTInvViaIn
	}
	if out.Negated {
		inv |= abi.IPTInvViaOut
	}
	if r.Source().Negated {
		inv |= abi.IPTInvSrcIP
	}
	if r.Destination().Negated {
		inv |= abi.IPTInvDstIP
	}
	if p.Negated {
		inv |= abi.IPTInvProto
	}

	if c.family == extension.IPv6 {
		if p.Num != 0 {
			flags |= abi.IP6TFlagProto
		}
		if r.Goto() {
			flags |= abi.IP6TFlagGoto
		}
		w.Uint8(0) // tos
		w.Uint8(flags)
		w.Uint8(inv)
		w.PadTo(abi.SizeOfIP6TIP)
	} else {
		f := r.Fragment()
		if f.Set {
			flags |= abi.IPTFlagFrag
			if f.Negated {
				inv |= abi.IPTInvFrag
			}
		}
		if r.Goto() {
			flags |= abi.IPTFlagGoto
		}
		w.Uint8(flags)
		w.Uint8(inv)
	}

	w.Uint32(0) // nfcache
	w.Uint16(uint16(targetOffset))
	w.Uint16(uint16(nextOffset))
	w.Uint32(0) // comefrom
	w.Pad(abi.Align)
	cnt := r.Counters()
	w.Uint64(cnt.Packets)
	w.Uint64(cnt.Bytes)
}

// entryInfo is what the table walker needs to know about an entry without
// decoding its matches.
type entryInfo struct {
	targetOffset  int
	nextOffset    int
	targetName    string
	verdict       int32  // standard target
	errorName     string // error target
	unconditional bool
}

// peek reads the offsets and target of the entry at the start of buf.
func (c *Compiler) peek(buf []byte) (entryInfo, error) {
	size := c.entrySize()
	if len(buf) < size {
		return entryInfo{}, fmt.Errorf("%w: truncated entry", ErrMalformedBlob)
	}
	hdrLen := abi.SizeOfIPTIP
	if c.family == extension.IPv6 {
		hdrLen = abi.SizeOfIP6TIP
	}
	r := abi.NewReader(buf)
	r.Skip(hdrLen + 4) // nfcache
	info := entryInfo{targetOffset: int(r.Uint16()), nextOffset: int(r.Uint16())}
	if info.targetOffset < size || info.targetOffset+abi.SizeOfEntryTarget > info.nextOffset ||
		info.nextOffset > len(buf) || info.nextOffset%abi.Align != 0 {
		return entryInfo{}, fmt.Errorf("%w: bad entry offsets target=%d next=%d", ErrMalformedBlob, info.targetOffset, info.nextOffset)
	}

	info.unconditional = info.targetOffset == size && isZeroBytes(buf[:hdrLen])

	t := abi.NewReader(buf[info.targetOffset:info.nextOffset])
	t.Skip(2)
	info.targetName = t.String(abi.ExtensionMaxNameLen)
	t.Skip(1)
	switch info.targetName {
	case abi.StandardTarget:
		info.verdict = t.Int32()
	case abi.ErrorTarget:
		info.errorName = t.String(abi.FunctionMaxNameLen)
	}
	if t.Err() != nil {
		return entryInfo{}, fmt.Errorf("%w: target: %v", ErrMalformedBlob, t.Err())
	}
	return info, nil
}

func isZeroBytes(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// DecompileRule decodes the entry at the start of buf, which sits at byte
// offset at of the table. The layout maps jump offsets back to chain names.
func (c *Compiler) DecompileRule(buf []byte, at int, layout *Layout) (*rule.Rule, error) {
	info, err := c.peek(buf)
	if err != nil {
		return nil, err
	}
	return c.decodeEntry(buf[:info.nextOffset], info, at, layout)
}

func (c *Compiler) decodeEntry(buf []byte, info entryInfo, at int, layout *Layout) (*rule.Rule, error) {
	r := rule.New(c.family)
	rd := abi.NewReader(buf)

	n := c.addrLen()
	src, dst, smsk, dmsk := rd.Raw(n), rd.Raw(n), rd.Raw(n), rd.Raw(n)
	inName, outName := rd.String(abi.IfNameSize), rd.String(abi.IfNameSize)
	rd.Skip(2 * abi.IfNameSize) // masks follow from the names
	proto := rd.Uint16()
	if c.family == extension.IPv6 {
		rd.Skip(1) // tos
	}
	flags, inv := rd.Uint8(), rd.Uint8()
	rd.Skip(c.entrySize() - abi.SizeOfCounters - rd.Offset())
	packets, byteCount := rd.Uint64(), rd.Uint64()
	if rd.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, rd.Err())
	}

	srcAddr, err := decodeAddress(src, smsk, inv&abi.IPTInvSrcIP != 0)
	if err != nil {
		return nil, err
	}
	dstAddr, err := decodeAddress(dst, dmsk, inv&abi.IPTInvDstIP != 0)
	if err != nil {
		return nil, err
	}
	if err := r.SetSourceAddress(srcAddr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if err := r.SetDestinationAddress(dstAddr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if err := r.SetInIface(rule.Interface{Name: inName, Negated: inv&abi.IPTInvViaIn != 0 && inName != ""}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if err := r.SetOutIface(rule.Interface{Name: outName, Negated: inv&abi.IPTInvViaOut != 0 && outName != ""}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if proto > 0xff {
		return nil, fmt.Errorf("%w: protocol %d", ErrMalformedBlob, proto)
	}

	var goTo bool
	if c.family == extension.IPv6 {
		goTo = flags&abi.IP6TFlagGoto != 0
	} else {
		goTo = flags&abi.IPTFlagGoto != 0
		if flags&abi.IPTFlagFrag != 0 {
			r.SetFragment(rule.Fragment{Set: true, Negated: inv&abi.IPTInvFrag != 0})
		}
	}
	r.SetGoto(goTo)
	r.SetCounters(rule.Counters{Packets: packets, Bytes: byteCount})

	// Matches are added after the protocol so SetProto cannot reject them.
	if err := r.SetProto(rule.Protocol{Num: uint8(proto), Negated: inv&abi.IPTInvProto != 0}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}

	off := c.entrySize()
	for off < info.targetOffset {
		hdr, data, err := readBlock(buf[off:info.targetOffset])
		if err != nil {
			return nil, fmt.Errorf("match at +%d: %w", off, err)
		}
		r.AddMatch(c.decodeMatch(hdr, data))
		off += hdr.size
	}

	t, err := c.decodeTarget(buf[info.targetOffset:info.nextOffset], info, at, layout)
	if err != nil {
		return nil, err
	}
	r.SetTarget(t)
	return r, nil
}

func decodeAddress(ip, mask []byte, negated bool) (rule.Address, error) {
	if isZeroBytes(ip) && isZeroBytes(mask) && !negated {
		return rule.Address{}, nil
	}
	a, _ := netip.AddrFromSlice(ip)
	m, _ := netip.AddrFromSlice(mask)
	addr, err := rule.NewAddress(a, m, negated)
	if err != nil {
		return rule.Address{}, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	return addr, nil
}

type blockHeader struct {
	size     int
	name     string
	revision uint8
}

// readBlock splits an xt_entry_match or xt_entry_target block into its
// header and data.
func readBlock(buf []byte) (blockHeader, []byte, error) {
	r := abi.NewReader(buf)
	h := blockHeader{size: int(r.Uint16())}
	h.name = r.String(abi.ExtensionMaxNameLen)
	h.revision = r.Uint8()
	if r.Err() != nil {
		return blockHeader{}, nil, fmt.Errorf("%w: %v", ErrMalformedBlob, r.Err())
	}
	if h.size < abi.SizeOfEntryMatch || h.size > len(buf) || h.size%abi.Align != 0 {
		return blockHeader{}, nil, fmt.Errorf("%w: block %q has size %d", ErrMalformedBlob, h.name, h.size)
	}
	return h, bytes.Clone(buf[abi.SizeOfEntryMatch:h.size]), nil
}

// decodeMatch decodes a match block. Blocks the registry does not know, or
// whose size disagrees with the descriptor, are kept verbatim.
func (c *Compiler) decodeMatch(h blockHeader, data []byte) *rule.Match {
	if d, ok := c.reg.Lookup(h.name, extension.Match, c.family, h.revision); ok && d.BlockSize() == h.size {
		v, err := d.Decode(data)
		if err == nil {
			return rule.NewDecodedMatch(d, v)
		}
		c.logger.Warn("Failed to decode match, keeping it verbatim", "match", h.name, "revision", h.revision, "error", err)
	}
	return rule.NewRawMatch(&extension.Raw{Name: h.name, Revision: h.revision, Data: data})
}

func (c *Compiler) decodeTarget(buf []byte, info entryInfo, at int, layout *Layout) (*rule.Target, error) {
	h, data, err := readBlock(buf)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	switch h.name {
	case abi.StandardTarget:
		if h.size != abi.SizeOfStandardTarget {
			return nil, fmt.Errorf("%w: standard target of size %d", ErrMalformedBlob, h.size)
		}
		return c.decodeVerdict(info.verdict, at, info.nextOffset, layout)
	case abi.ErrorTarget:
		return nil, fmt.Errorf("%w: error target %q in rule position", ErrMalformedBlob, info.errorName)
	}
	if d, ok := c.reg.Lookup(h.name, extension.Target, c.family, h.revision); ok && d.BlockSize() == h.size {
		v, err := d.Decode(data)
		if err == nil {
			return rule.NewDecodedTarget(d, v), nil
		}
		c.logger.Warn("Failed to decode target, keeping it verbatim", "target", h.name, "revision", h.revision, "error", err)
	}
	return rule.NewRawTarget(&extension.Raw{Name: h.name, Revision: h.revision, Data: data}), nil
}

func (c *Compiler) decodeVerdict(v int32, at, size int, layout *Layout) (*rule.Target, error) {
	if v < 0 {
		if _, ok := rule.VerdictName(v); !ok {
			return nil, fmt.Errorf("%w: unknown verdict %d", ErrMalformedBlob, v)
		}
		return rule.NewVerdict(v), nil
	}
	if layout != nil {
		if name, ok := layout.ChainAt(int(v)); ok {
			return rule.NewJump(name), nil
		}
	}
	if int(v) == at+size {
		return rule.NewFallthrough(), nil
	}
	return nil, fmt.Errorf("%w: jump to offset %d matches no chain", ErrMalformedBlob, v)
}
