// Package compiler translates rules to and from the kernel's ipt_entry and
// ip6t_entry layouts, and whole chain sets to and from the table blob
// exchanged with the kernel.
//
// All layout is done by an explicit buffer writer. Padding is always zero,
// so equal input compiles to identical bytes.
package compiler

import (
	"errors"
	"fmt"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/logging"
	"grimm.is/xtables/internal/rule"
)

var (
	// ErrMalformedBlob is returned when kernel data cannot be decoded.
	ErrMalformedBlob = errors.New("malformed table blob")

	// ErrUnknownChain is returned when a jump names a chain the layout does
	// not contain.
	ErrUnknownChain = errors.New("unknown chain")

	// ErrInvalidRule is returned when a rule fails compile-time checks.
	ErrInvalidRule = errors.New("invalid rule")
)

// Compiler compiles rules of one family.
type Compiler struct {
	reg    *extension.Registry
	family extension.Family
	logger *logging.Logger
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the compiler's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

// New returns a compiler for family backed by reg.
func New(reg *extension.Registry, family extension.Family, opts ...Option) *Compiler {
	c := &Compiler{reg: reg, family: family}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.WithComponent("compiler")
	}
	return c
}

// Family returns the family the compiler handles.
func (c *Compiler) Family() extension.Family { return c.family }

// Registry returns the extension registry used for decoding.
func (c *Compiler) Registry() *extension.Registry { return c.reg }

// EntryLayout returns the entry layout of the compiler's family.
func (c *Compiler) EntryLayout() abi.EntryLayout {
	if c.family == extension.IPv6 {
		return abi.IP6TEntryLayout
	}
	return abi.IPTEntryLayout
}

func (c *Compiler) entrySize() int {
	if c.family == extension.IPv6 {
		return abi.SizeOfIP6TEntry
	}
	return abi.SizeOfIPTEntry
}

// validate applies the checks deferred from rule construction.
func (c *Compiler) validate(r *rule.Rule) error {
	if r.Family() != c.family {
		return fmt.Errorf("%w: %s rule in %s table", ErrInvalidRule, r.Family(), c.family)
	}
	t := r.Target()
	if t == nil {
		return fmt.Errorf("%w: rule has no target", ErrInvalidRule)
	}
	if r.Goto() && t.Kind() != rule.Jump {
		return fmt.Errorf("%w: goto needs a chain target, not %q", ErrInvalidRule, t.Name())
	}
	if c.family == extension.IPv6 && r.Fragment().Set {
		return fmt.Errorf("%w: the fragment flag is IPv4 only", ErrInvalidRule)
	}
	p := r.Protocol()
	for _, m := range r.Matches() {
		d := m.Descriptor()
		if d == nil {
			continue
		}
		if !d.Serves(c.family) {
			return fmt.Errorf("%w: %s is not available for %s", ErrInvalidRule, d, c.family)
		}
		if d.Proto != 0 && (p.Num != d.Proto || p.Negated) {
			return fmt.Errorf("%w: %s match needs -p %s, rule has -p %s",
				rule.ErrProtocolMismatch, d.Name, rule.Protocol{Num: d.Proto}.Name(), p)
		}
	}
	if d := t.Descriptor(); d != nil && !d.Serves(c.family) {
		return fmt.Errorf("%w: %s is not available for %s", ErrInvalidRule, d, c.family)
	}
	return nil
}

// ruleSize is the compiled size of r. It does not depend on chain offsets,
// which is what allows the layout pass to run before any jump is resolved.
func (c *Compiler) ruleSize(r *rule.Rule) int {
	n := c.entrySize()
	for _, m := range r.Matches() {
		n += blockSize(m.Descriptor(), m.Raw())
	}
	t := r.Target()
	switch t.Kind() {
	case rule.Extension, rule.RawTarget:
		n += blockSize(t.Descriptor(), t.Raw())
	default:
		n += abi.SizeOfStandardTarget
	}
	return n
}

func blockSize(d *extension.Descriptor, raw *extension.Raw) int {
	if raw != nil {
		return abi.AlignUp(abi.SizeOfEntryMatch+len(raw.Data), abi.Align)
	}
	return d.BlockSize()
}
