package rule

import (
	"fmt"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/option"
	"grimm.is/xtables/internal/validation"
)

// TargetKind classifies a rule's target.
type TargetKind uint8

const (
	// Verdict is ACCEPT, DROP, QUEUE or RETURN.
	Verdict TargetKind = iota
	// Jump continues in a user chain.
	Jump
	// Fallthrough has no verdict: the packet continues with the next rule.
	Fallthrough
	// Extension is a target extension such as LOG or MARK.
	Extension
	// RawTarget is an extension target no descriptor understands.
	RawTarget
)

var verdictNames = map[string]int32{
	"ACCEPT": abi.VerdictAccept,
	"DROP":   abi.VerdictDrop,
	"QUEUE":  abi.VerdictQueue,
	"RETURN": abi.VerdictReturn,
}

// VerdictName returns the name of a standard verdict.
func VerdictName(v int32) (string, bool) {
	for name, code := range verdictNames {
		if code == v {
			return name, true
		}
	}
	return "", false
}

// ParseVerdict maps ACCEPT, DROP, QUEUE or RETURN to its verdict code.
func ParseVerdict(name string) (int32, bool) {
	v, ok := verdictNames[name]
	return v, ok
}

// Target is the action of a rule.
type Target struct {
	block
	kind    TargetKind
	verdict int32
	chain   string
}

// NewTarget interprets name as a verdict, then as a target extension, and
// finally as a jump to a user chain. Whether the chain exists is checked at
// commit.
func NewTarget(reg *extension.Registry, r *Rule, name string) (*Target, error) {
	if v, ok := verdictNames[name]; ok {
		return NewVerdict(v), nil
	}
	if reg.Known(name, extension.Target) {
		d, err := reg.Resolve(name, extension.Target, r.family, r.proto.Num)
		if err != nil {
			return nil, err
		}
		return &Target{kind: Extension, block: block{desc: d, values: option.Values{}}}, nil
	}
	if err := validation.ValidateChainName(name); err != nil {
		return nil, fmt.Errorf("%w: target %q: %v", extension.ErrUnknownExtension, name, err)
	}
	return NewJump(name), nil
}

// NewTargetRevision selects an explicit revision of a target extension.
func NewTargetRevision(reg *extension.Registry, r *Rule, name string, revision uint8) (*Target, error) {
	d, err := reg.ResolveRevision(name, extension.Target, r.family, revision)
	if err != nil {
		return nil, err
	}
	return &Target{kind: Extension, block: block{desc: d, values: option.Values{}}}, nil
}

// NewVerdict returns a standard verdict target.
func NewVerdict(v int32) *Target {
	return &Target{kind: Verdict, verdict: v}
}

// NewJump returns a jump to the named user chain.
func NewJump(chain string) *Target {
	return &Target{kind: Jump, chain: chain}
}

// NewFallthrough returns a target that lets the packet continue.
func NewFallthrough() *Target {
	return &Target{kind: Fallthrough}
}

// NewDecodedTarget wraps options unpacked from a kernel structure.
func NewDecodedTarget(d *extension.Descriptor, v option.Values) *Target {
	return &Target{kind: Extension, block: block{desc: d, values: v.Clone()}}
}

// NewRawTarget wraps a target block no descriptor understands.
func NewRawTarget(raw *extension.Raw) *Target {
	return &Target{kind: RawTarget, block: block{raw: raw.Clone()}}
}

// Kind returns the target's kind.
func (t *Target) Kind() TargetKind { return t.kind }

// Verdict returns the verdict code of a Verdict target.
func (t *Target) Verdict() int32 { return t.verdict }

// Chain returns the destination of a Jump target.
func (t *Target) Chain() string { return t.chain }

// Name returns the name shown after -j.
func (t *Target) Name() string {
	switch t.kind {
	case Verdict:
		name, ok := VerdictName(t.verdict)
		if !ok {
			return fmt.Sprintf("verdict(%d)", t.verdict)
		}
		return name
	case Jump:
		return t.chain
	case Fallthrough:
		return ""
	}
	return t.block.Name()
}

// Equal reports whether t and o are structurally equal.
func (t *Target) Equal(o *Target) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.kind != o.kind {
		return false
	}
	switch t.kind {
	case Verdict:
		return t.verdict == o.verdict
	case Jump:
		return t.chain == o.chain
	case Fallthrough:
		return true
	}
	return t.block.equal(&o.block)
}

// Clone returns a deep copy.
func (t *Target) Clone() *Target {
	return &Target{block: t.block.clone(), kind: t.kind, verdict: t.verdict, chain: t.chain}
}

func (t *Target) String() string {
	if t.kind == Fallthrough {
		return ""
	}
	s := "-j " + t.Name()
	if opts := t.optionString(); opts != "" {
		s += " " + opts
	}
	return s
}
