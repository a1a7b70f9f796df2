// Package rule models firewall rules: the fixed IP header selectors, an
// ordered list of match extensions, and exactly one target.
//
// Rules are built loosely. Setters reject malformed input, but cross-field
// checks such as "the udp match needs -p udp" are left to the compiler.
package rule

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/extension"
)

// ErrProtocolMismatch is returned when a protocol change would orphan a
// protocol-bound match.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// Counters are the packet and byte counters the kernel keeps per entry.
type Counters struct {
	Packets uint64
	Bytes   uint64
}

// Fragment selects IPv4 non-first fragments.
type Fragment struct {
	Set     bool
	Negated bool
}

// Rule is one entry of a chain.
type Rule struct {
	family   extension.Family
	src      Address
	dst      Address
	in       Interface
	out      Interface
	proto    Protocol
	fragment Fragment
	gotoFlag bool
	matches  []*Match
	target   *Target
	counters Counters
}

// New returns an empty rule for family: it matches every packet and has no
// target yet.
func New(family extension.Family) *Rule {
	return &Rule{family: family}
}

func (r *Rule) Family() extension.Family { return r.family }
func (r *Rule) Source() Address          { return r.src }
func (r *Rule) Destination() Address     { return r.dst }
func (r *Rule) InInterface() Interface   { return r.in }
func (r *Rule) OutInterface() Interface  { return r.out }
func (r *Rule) Protocol() Protocol       { return r.proto }
func (r *Rule) Fragment() Fragment       { return r.fragment }
func (r *Rule) Goto() bool               { return r.gotoFlag }
func (r *Rule) Target() *Target          { return r.target }
func (r *Rule) Counters() Counters       { return r.counters }

// Matches returns the rule's matches in order. The slice must not be
// modified.
func (r *Rule) Matches() []*Match { return r.matches }

// SetSource parses and sets the source selector. An empty string matches
// every address.
func (r *Rule) SetSource(s string) error {
	a, err := r.parseAddress("source", s)
	if err != nil {
		return err
	}
	r.src = a
	return nil
}

// SetDestination parses and sets the destination selector.
func (r *Rule) SetDestination(s string) error {
	a, err := r.parseAddress("destination", s)
	if err != nil {
		return err
	}
	r.dst = a
	return nil
}

func (r *Rule) parseAddress(field, s string) (Address, error) {
	if strings.TrimSpace(s) == "" {
		return Address{}, nil
	}
	a, err := ParseAddress(s, r.family)
	if err != nil {
		return Address{}, invalid(field, s, err.Error())
	}
	return a, nil
}

// SetSourceAddress sets an already parsed source selector.
func (r *Rule) SetSourceAddress(a Address) error {
	if err := r.checkAddress("source", a); err != nil {
		return err
	}
	r.src = a
	return nil
}

// SetDestinationAddress sets an already parsed destination selector.
func (r *Rule) SetDestinationAddress(a Address) error {
	if err := r.checkAddress("destination", a); err != nil {
		return err
	}
	r.dst = a
	return nil
}

func (r *Rule) checkAddress(field string, a Address) error {
	if a.IsAny() {
		return nil
	}
	if err := checkFamily(a.IP, r.family); err != nil {
		return invalid(field, a.String(), err.Error())
	}
	return nil
}

// SetInInterface parses and sets the input interface selector. An empty
// string matches every interface.
func (r *Rule) SetInInterface(s string) error {
	i, err := parseInterfaceField("in-interface", s)
	if err != nil {
		return err
	}
	r.in = i
	return nil
}

// SetOutInterface parses and sets the output interface selector.
func (r *Rule) SetOutInterface(s string) error {
	i, err := parseInterfaceField("out-interface", s)
	if err != nil {
		return err
	}
	r.out = i
	return nil
}

// SetInIface sets an input interface selector read back from the kernel.
// Only the length is checked: the kernel accepts names the parser would
// not.
func (r *Rule) SetInIface(i Interface) error {
	if err := checkIface("in-interface", i); err != nil {
		return err
	}
	r.in = i
	return nil
}

// SetOutIface sets an output interface selector read back from the kernel.
func (r *Rule) SetOutIface(i Interface) error {
	if err := checkIface("out-interface", i); err != nil {
		return err
	}
	r.out = i
	return nil
}

func checkIface(field string, i Interface) error {
	if len(i.Name) >= abi.IfNameSize {
		return invalid(field, i.Name, "interface name too long")
	}
	return nil
}

func parseInterfaceField(field, s string) (Interface, error) {
	if strings.TrimSpace(s) == "" {
		return Interface{}, nil
	}
	i, err := ParseInterface(s)
	if err != nil {
		return Interface{}, invalid(field, s, err.Error())
	}
	return i, nil
}

// SetProtocol parses and sets the protocol selector. It fails with
// ErrProtocolMismatch if a match already on the rule requires another
// protocol.
func (r *Rule) SetProtocol(s string) error {
	if strings.TrimSpace(s) == "" {
		s = "all"
	}
	p, err := ParseProtocol(s)
	if err != nil {
		return invalid("protocol", s, err.Error())
	}
	return r.SetProto(p)
}

// SetProto sets an already parsed protocol selector.
func (r *Rule) SetProto(p Protocol) error {
	for _, m := range r.matches {
		if err := protocolFits(m, p); err != nil {
			return err
		}
	}
	r.proto = p
	return nil
}

// protocolFits checks that a protocol-bound match is usable with p.
func protocolFits(m *Match, p Protocol) error {
	d := m.Descriptor()
	if d == nil || d.Proto == 0 {
		return nil
	}
	if p.Num != d.Proto || p.Negated {
		return fmt.Errorf("%w: %s match requires -p %s, rule has -p %s",
			ErrProtocolMismatch, d.Name, Protocol{Num: d.Proto}.Name(), p)
	}
	return nil
}

// SetFragment sets the fragment selector. Only IPv4 rules can carry it; the
// compiler rejects it on IPv6 rules.
func (r *Rule) SetFragment(f Fragment) {
	if !f.Set {
		f.Negated = false
	}
	r.fragment = f
}

// SetGoto makes a jump target a goto: RETURN from the destination chain
// returns past the calling chain.
func (r *Rule) SetGoto(g bool) { r.gotoFlag = g }

// SetCounters sets the packet and byte counters.
func (r *Rule) SetCounters(c Counters) { r.counters = c }

// AddMatch appends a match.
func (r *Rule) AddMatch(m *Match) { r.matches = append(r.matches, m) }

// RemoveMatch removes the first match structurally equal to m.
func (r *Rule) RemoveMatch(m *Match) bool {
	for i, existing := range r.matches {
		if existing.Equal(m) {
			r.matches = slices.Delete(r.matches, i, i+1)
			return true
		}
	}
	return false
}

// SetTarget sets the rule's target.
func (r *Rule) SetTarget(t *Target) { r.target = t }

// Equal reports whether r and o select the same packets with the same
// target. Counters are ignored.
func (r *Rule) Equal(o *Rule) bool {
	if r.family != o.family ||
		r.src != o.src || r.dst != o.dst ||
		r.in != o.in || r.out != o.out ||
		r.proto != o.proto || r.fragment != o.fragment ||
		r.gotoFlag != o.gotoFlag {
		return false
	}
	if !slices.EqualFunc(r.matches, o.matches, (*Match).Equal) {
		return false
	}
	return r.target.Equal(o.target)
}

// Clone returns a deep copy.
func (r *Rule) Clone() *Rule {
	c := *r
	c.matches = make([]*Match, len(r.matches))
	for i, m := range r.matches {
		c.matches[i] = m.Clone()
	}
	if r.target != nil {
		c.target = r.target.Clone()
	}
	return &c
}

// String renders the rule in iptables-save syntax, without the leading
// "-A chain".
func (r *Rule) String() string {
	var parts []string
	add := func(negated bool, flag, value string) {
		if negated {
			parts = append(parts, "!")
		}
		parts = append(parts, flag, value)
	}
	if !r.src.IsAny() {
		a := r.src
		add(a.Negated, "-s", strings.TrimPrefix(a.String(), "!"))
	}
	if !r.dst.IsAny() {
		a := r.dst
		add(a.Negated, "-d", strings.TrimPrefix(a.String(), "!"))
	}
	if !r.in.IsAny() {
		add(r.in.Negated, "-i", r.in.Name)
	}
	if !r.out.IsAny() {
		add(r.out.Negated, "-o", r.out.Name)
	}
	if r.proto.Num != 0 {
		add(r.proto.Negated, "-p", r.proto.Name())
	}
	if r.fragment.Set {
		if r.fragment.Negated {
			parts = append(parts, "!")
		}
		parts = append(parts, "-f")
	}
	for _, m := range r.matches {
		parts = append(parts, m.String())
	}
	if t := r.target; t != nil && t.kind != Fallthrough {
		if t.kind == Jump && r.gotoFlag {
			parts = append(parts, "-g "+t.chain)
		} else {
			parts = append(parts, t.String())
		}
	}
	return strings.Join(parts, " ")
}
