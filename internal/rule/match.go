package rule

import (
	"fmt"
	"strings"

	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/option"
)

// block is the part shared by matches and extension targets: either a
// resolved descriptor with options, or an opaque raw block.
type block struct {
	desc   *extension.Descriptor
	raw    *extension.Raw
	values option.Values
}

// Name returns the extension name.
func (b *block) Name() string {
	if b.raw != nil {
		return b.raw.Name
	}
	if b.desc != nil {
		return b.desc.Name
	}
	return ""
}

// Revision returns the resolved revision.
func (b *block) Revision() uint8 {
	if b.raw != nil {
		return b.raw.Revision
	}
	if b.desc != nil {
		return b.desc.Revision
	}
	return 0
}

// Descriptor returns the resolved descriptor, nil for raw blocks.
func (b *block) Descriptor() *extension.Descriptor { return b.desc }

// Raw returns the opaque block, nil for resolved extensions.
func (b *block) Raw() *extension.Raw { return b.raw }

// Set parses and stores an option. On failure the block is unchanged.
func (b *block) Set(name, value string) error {
	if b.desc == nil {
		return &option.Error{Option: name, Value: value, Reason: fmt.Sprintf("%s has no known options", b.Name())}
	}
	spec, ok := b.desc.Options.Lookup(name)
	if !ok {
		return &option.Error{Option: name, Value: value, Reason: fmt.Sprintf("unknown option for %s", b.Name())}
	}
	st, err := spec.Parse(value)
	if err != nil {
		return err
	}
	if b.values == nil {
		b.values = option.Values{}
	}
	b.values[spec.Name] = st
	return nil
}

// Get returns the canonical text of an option's effective value: the value
// set, or else the default.
func (b *block) Get(name string) (string, bool) {
	if b.desc == nil {
		return "", false
	}
	spec, ok := b.desc.Options.Lookup(name)
	if !ok {
		return "", false
	}
	if st, ok := b.values[spec.Name]; ok {
		return spec.Format(st), true
	}
	if spec.Default != nil {
		return spec.Format(option.Setting{Value: spec.Default}), true
	}
	return "", false
}

// Unset removes an option so it falls back to its default.
func (b *block) Unset(name string) {
	if b.desc == nil {
		return
	}
	if spec, ok := b.desc.Options.Lookup(name); ok {
		delete(b.values, spec.Name)
	}
}

// Reset restores every option to its default. The resolved revision is
// kept.
func (b *block) Reset() {
	b.values = option.Values{}
}

// Options returns the normalized options: explicit defaults are dropped.
func (b *block) Options() option.Values {
	if b.desc == nil {
		return option.Values{}
	}
	return b.desc.Normalize(b.values)
}

func (b *block) equal(o *block) bool {
	switch {
	case b.raw != nil || o.raw != nil:
		return b.raw != nil && o.raw != nil && b.raw.Equal(o.raw)
	case b.desc == nil || o.desc == nil:
		return b.desc == o.desc
	}
	return b.desc.Name == o.desc.Name &&
		b.desc.Revision == o.desc.Revision &&
		b.Options().Equal(o.Options())
}

func (b *block) clone() block {
	c := block{desc: b.desc, values: b.values.Clone()}
	if b.raw != nil {
		c.raw = b.raw.Clone()
	}
	return c
}

// optionString renders options in schema order, iptables-save style.
func (b *block) optionString() string {
	if b.desc == nil {
		return ""
	}
	opts := b.Options()
	var parts []string
	for _, spec := range b.desc.Options {
		st, ok := opts[spec.Name]
		if !ok {
			continue
		}
		if st.Negated {
			parts = append(parts, "!")
		}
		parts = append(parts, "--"+spec.Name, quote(st.Value.String()))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// Match is one match extension of a rule.
type Match struct {
	block
}

// NewMatch resolves the highest revision of the named match the kernel
// accepts, using r's family and protocol. An empty name selects the
// implicit match of r's protocol.
func NewMatch(reg *extension.Registry, r *Rule, name string) (*Match, error) {
	d, err := reg.Resolve(name, extension.Match, r.family, r.proto.Num)
	if err != nil {
		return nil, err
	}
	return &Match{block{desc: d, values: option.Values{}}}, nil
}

// NewMatchRevision selects an explicit revision of the named match.
func NewMatchRevision(reg *extension.Registry, r *Rule, name string, revision uint8) (*Match, error) {
	d, err := reg.ResolveRevision(name, extension.Match, r.family, revision)
	if err != nil {
		return nil, err
	}
	return &Match{block{desc: d, values: option.Values{}}}, nil
}

// NewDecodedMatch wraps options unpacked from a kernel structure.
func NewDecodedMatch(d *extension.Descriptor, v option.Values) *Match {
	return &Match{block{desc: d, values: v.Clone()}}
}

// NewRawMatch wraps a block no descriptor understands.
func NewRawMatch(raw *extension.Raw) *Match {
	return &Match{block{raw: raw.Clone()}}
}

// Equal reports whether m and o are structurally equal.
func (m *Match) Equal(o *Match) bool { return m.block.equal(&o.block) }

// Clone returns a deep copy.
func (m *Match) Clone() *Match { return &Match{m.block.clone()} }

func (m *Match) String() string {
	s := "-m " + m.Name()
	if opts := m.optionString(); opts != "" {
		s += " " + opts
	}
	return s
}
