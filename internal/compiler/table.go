package compiler

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/rule"
	"grimm.is/xtables/internal/validation"
)

// Layout records where each chain starts in a compiled table. Offsets are
// relative to the first entry, as the kernel's verdicts are.
type Layout struct {
	ValidHooks uint32
	HookEntry  [abi.NumHooks]uint32
	Underflow  [abi.NumHooks]uint32
	NumEntries int
	Size       int

	starts map[string]int
	names  map[int]string
}

func newLayout() *Layout {
	return &Layout{starts: make(map[string]int), names: make(map[int]string)}
}

func (l *Layout) addChain(name string, off int) {
	l.starts[name] = off
	l.names[off] = name
}

// ChainOffset returns the offset of a user chain's first entry: its first
// rule, or its RETURN footer when empty. Built-in chains are not jump
// targets and have no offset here.
func (l *Layout) ChainOffset(name string) (int, bool) {
	off, ok := l.starts[name]
	return off, ok
}

// ChainAt returns the user chain that starts at off.
func (l *Layout) ChainAt(off int) (string, bool) {
	name, ok := l.names[off]
	return name, ok
}

// ReadHeader decodes the replace header at the start of a table blob.
func ReadHeader(blob []byte) (abi.Header, error) {
	h, err := abi.ReadHeader(blob)
	if err != nil {
		return abi.Header{}, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	return h, nil
}

// orderChains puts built-in chains first in hook order, then user chains in
// their given order.
func orderChains(chains []*rule.Chain) []*rule.Chain {
	out := slices.Clone(chains)
	slices.SortStableFunc(out, func(a, b *rule.Chain) int {
		switch {
		case a.Builtin() && b.Builtin():
			return cmp.Compare(a.Hook, b.Hook)
		case a.Builtin():
			return -1
		case b.Builtin():
			return 1
		}
		return 0
	})
	return out
}

// Plan runs the layout pass: it assigns every chain its offset without
// compiling any rule.
func (c *Compiler) Plan(chains []*rule.Chain) (*Layout, error) {
	l := newLayout()
	standard := c.entrySize() + abi.SizeOfStandardTarget
	errEntry := c.entrySize() + abi.SizeOfErrorTarget

	off := 0
	seen := make(map[string]bool)
	for _, ch := range orderChains(chains) {
		if seen[ch.Name] {
			return nil, fmt.Errorf("%w: chain %q appears twice", ErrInvalidRule, ch.Name)
		}
		seen[ch.Name] = true

		if ch.Builtin() {
			if ch.Hook < 0 || ch.Hook >= abi.NumHooks {
				return nil, fmt.Errorf("%w: chain %q has hook %d", ErrInvalidRule, ch.Name, ch.Hook)
			}
			if l.ValidHooks&(1<<uint(ch.Hook)) != 0 {
				return nil, fmt.Errorf("%w: two chains on hook %d", ErrInvalidRule, ch.Hook)
			}
			l.ValidHooks |= 1 << uint(ch.Hook)
			l.HookEntry[ch.Hook] = uint32(off)
		} else {
			if err := validation.ValidateChainName(ch.Name); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
			}
			off += errEntry
			l.NumEntries++
			l.addChain(ch.Name, off)
		}

		for _, r := range ch.Rules {
			if r.Target() == nil {
				return nil, fmt.Errorf("%w: rule in chain %q has no target", ErrInvalidRule, ch.Name)
			}
			size := c.ruleSize(r)
			if size > math.MaxUint16 {
				return nil, fmt.Errorf("%w: rule in chain %q compiles to %d bytes, above the %d byte limit", ErrInvalidRule, ch.Name, size, math.MaxUint16)
			}
			off += size
			l.NumEntries++
		}

		if ch.Builtin() {
			l.Underflow[ch.Hook] = uint32(off)
		}
		off += standard // policy or RETURN footer
		l.NumEntries++
	}
	off += errEntry // terminator
	l.NumEntries++
	l.Size = off
	return l, nil
}

// CompileTable compiles chains into a table blob: an ipt_replace header
// followed by every entry. Built-in chains come first in hook order, each
// closed by its policy; user chains follow, each framed by an ERROR head
// and a RETURN footer; a final ERROR entry terminates the table.
func (c *Compiler) CompileTable(name string, chains []*rule.Chain) ([]byte, *Layout, error) {
	if err := validation.ValidateTableName(name); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	l, err := c.Plan(chains)
	if err != nil {
		return nil, nil, err
	}

	w := abi.NewWriter(abi.Align)
	abi.WriteHeader(w, abi.Header{
		Name:        name,
		ValidHooks:  l.ValidHooks,
		NumEntries:  uint32(l.NumEntries),
		Size:        uint32(l.Size),
		HookEntry:   l.HookEntry,
		Underflow:   l.Underflow,
		NumCounters: uint32(l.NumEntries),
	})
	base := w.Len()
	at := func() int { return w.Len() - base }

	for _, ch := range orderChains(chains) {
		if !ch.Builtin() {
			w.Raw(c.errorEntry(ch.Name))
		}
		for i, r := range ch.Rules {
			entry, err := c.CompileRule(r, at(), l)
			if err != nil {
				return nil, nil, fmt.Errorf("chain %s rule %d: %w", ch.Name, i+1, err)
			}
			w.Raw(entry)
		}
		if ch.Builtin() {
			if _, ok := rule.VerdictName(ch.Policy); !ok || ch.Policy == abi.VerdictReturn {
				return nil, nil, fmt.Errorf("%w: chain %q has policy %d", ErrInvalidRule, ch.Name, ch.Policy)
			}
			w.Raw(c.standardEntry(ch.Policy, ch.PolicyCounters))
		} else {
			w.Raw(c.standardEntry(abi.VerdictReturn, rule.Counters{}))
		}
	}
	w.Raw(c.errorEntry(abi.ErrorTarget))

	if at() != l.Size {
		return nil, nil, fmt.Errorf("compiled %d bytes, layout planned %d", at(), l.Size)
	}
	c.logger.Debug("Compiled table", "table", name, "entries", l.NumEntries, "size", l.Size)
	return w.Bytes(), l, nil
}

// standardEntry is an unconditional entry with a verdict: a policy or a
// user chain's RETURN footer.
func (c *Compiler) standardEntry(verdict int32, cnt rule.Counters) []byte {
	r := rule.New(c.family)
	r.SetCounters(cnt)
	size := c.entrySize() + abi.SizeOfStandardTarget
	w := abi.NewWriter(abi.Align)
	c.writeHeader(w, r, c.entrySize(), size)
	w.Raw(standardTarget(verdict))
	return w.Bytes()
}

// errorEntry is a user chain head, or the table terminator when name is
// "ERROR".
func (c *Compiler) errorEntry(name string) []byte {
	size := c.entrySize() + abi.SizeOfErrorTarget
	w := abi.NewWriter(abi.Align)
	c.writeHeader(w, rule.New(c.family), c.entrySize(), size)
	w.Raw(errorTarget(name))
	return w.Bytes()
}

type walkedEntry struct {
	off  int
	info entryInfo
}

// DecompileTable rebuilds the chains of a table blob. Jumps are resolved
// back to chain names, user chain footers are dropped, and built-in chain
// policies are lifted into the chains.
func (c *Compiler) DecompileTable(blob []byte) (string, []*rule.Chain, error) {
	h, err := ReadHeader(blob)
	if err != nil {
		return "", nil, err
	}
	hdrLen := abi.SizeOfReplace()
	if len(blob) != hdrLen+int(h.Size) {
		return "", nil, fmt.Errorf("%w: header says %d bytes of entries, blob has %d", ErrMalformedBlob, h.Size, len(blob)-hdrLen)
	}
	entries := blob[hdrLen:]

	// First pass: find every entry and every chain start.
	var walked []walkedEntry
	l := newLayout()
	for off := 0; off < len(entries); {
		info, err := c.peek(entries[off:])
		if err != nil {
			return "", nil, fmt.Errorf("entry at %d: %w", off, err)
		}
		walked = append(walked, walkedEntry{off: off, info: info})
		if info.targetName == abi.ErrorTarget && info.errorName != abi.ErrorTarget {
			l.addChain(info.errorName, off+info.nextOffset)
		}
		off += info.nextOffset
	}
	if int(h.NumEntries) != len(walked) {
		return "", nil, fmt.Errorf("%w: header says %d entries, found %d", ErrMalformedBlob, h.NumEntries, len(walked))
	}
	hookAt := make(map[int]int)
	for hook := 0; hook < abi.NumHooks; hook++ {
		if h.ValidHooks&(1<<uint(hook)) != 0 {
			hookAt[int(h.HookEntry[hook])] = hook
		}
	}

	// Second pass: build the chains.
	var chains []*rule.Chain
	var cur *rule.Chain
	for i, e := range walked {
		if hook, ok := hookAt[e.off]; ok {
			cur = rule.NewBuiltinChain(hook)
			chains = append(chains, cur)
		}
		buf := entries[e.off : e.off+e.info.nextOffset]

		switch {
		case e.info.targetName == abi.ErrorTarget:
			if e.info.errorName == abi.ErrorTarget {
				if i != len(walked)-1 {
					return "", nil, fmt.Errorf("%w: terminator at %d is not the last entry", ErrMalformedBlob, e.off)
				}
				cur = nil
				continue
			}
			cur = rule.NewUserChain(e.info.errorName)
			chains = append(chains, cur)
			continue

		case cur == nil:
			return "", nil, fmt.Errorf("%w: entry at %d belongs to no chain", ErrMalformedBlob, e.off)

		case cur.Builtin() && e.off == int(h.Underflow[cur.Hook]):
			if !e.info.unconditional || e.info.targetName != abi.StandardTarget || e.info.verdict >= 0 {
				return "", nil, fmt.Errorf("%w: chain %s has no valid policy", ErrMalformedBlob, cur.Name)
			}
			cur.Policy = e.info.verdict
			cur.PolicyCounters = c.readCounters(buf)
			cur = nil
			continue

		case !cur.Builtin() && isFooter(e.info, walked, i):
			cur = nil
			continue
		}

		r, err := c.decodeEntry(buf, e.info, e.off, l)
		if err != nil {
			return "", nil, fmt.Errorf("chain %s entry at %d: %w", cur.Name, e.off, err)
		}
		cur.Rules = append(cur.Rules, r)
	}
	c.logger.Debug("Decompiled table", "table", h.Name, "chains", len(chains), "entries", len(walked))
	return h.Name, chains, nil
}

// isFooter reports whether entry i closes a user chain: an unconditional
// RETURN directly followed by the next chain head or the terminator.
func isFooter(info entryInfo, walked []walkedEntry, i int) bool {
	if !info.unconditional || info.targetName != abi.StandardTarget || info.verdict != abi.VerdictReturn {
		return false
	}
	return i+1 < len(walked) && walked[i+1].info.targetName == abi.ErrorTarget
}

func (c *Compiler) readCounters(buf []byte) rule.Counters {
	r := abi.NewReader(buf[c.entrySize()-abi.SizeOfCounters:])
	return rule.Counters{Packets: r.Uint64(), Bytes: r.Uint64()}
}

// Empty compiles a table holding only its built-in chains, all with ACCEPT
// policies.
func (c *Compiler) Empty(table string) ([]byte, error) {
	hooks, ok := abi.TableHooks(table)
	if !ok {
		return nil, fmt.Errorf("%w: no built-in chains known for table %q", ErrInvalidRule, table)
	}
	chains := make([]*rule.Chain, 0, len(hooks))
	for _, h := range hooks {
		chains = append(chains, rule.NewBuiltinChain(h))
	}
	blob, _, err := c.CompileTable(table, chains)
	return blob, err
}
