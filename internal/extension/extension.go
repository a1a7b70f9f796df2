// Package extension describes the match and target extensions the compiler
// knows how to pack, and resolves which revision of an extension the running
// kernel accepts.
package extension

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/option"
)

var (
	// ErrUnknownExtension is returned when no descriptor of the requested
	// name and kind exists for the family.
	ErrUnknownExtension = errors.New("unknown extension")

	// ErrNoCompatibleRevision is returned when descriptors exist but the
	// kernel accepts none of their revisions.
	ErrNoCompatibleRevision = errors.New("no compatible revision")

	// ErrMissingOption is returned when a required option is unset at pack
	// time.
	ErrMissingOption = errors.New("missing required option")
)

// Kind tells matches and targets apart.
type Kind uint8

const (
	Match Kind = iota
	Target
)

func (k Kind) String() string {
	if k == Target {
		return "target"
	}
	return "match"
}

// Family is a netfilter protocol family.
type Family uint8

const (
	Unspec Family = unix.NFPROTO_UNSPEC
	IPv4   Family = unix.NFPROTO_IPV4
	IPv6   Family = unix.NFPROTO_IPV6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "any"
	}
}

// Descriptor describes one revision of an extension. Descriptors are
// immutable once registered.
type Descriptor struct {
	Name     string
	Kind     Kind
	Family   Family // Unspec serves every family
	Revision uint8

	// Proto is the IP protocol the extension requires, 0 for any. A match
	// with a Proto is also the implicit match for that protocol.
	Proto uint8

	// Size is the unpadded size of the packed option structure.
	Size    int
	Options option.Schema

	// Pack writes exactly Size bytes. Values have defaults filled in.
	Pack func(w *abi.Writer, v option.Values) error

	// Unpack reads the structure written by Pack.
	Unpack func(r *abi.Reader) (option.Values, error)
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s %s rev %d", d.Kind, d.Name, d.Revision)
}

// BlockSize is the aligned size of the xt_entry_match or xt_entry_target
// block that carries this extension.
func (d *Descriptor) BlockSize() int {
	return abi.AlignUp(abi.SizeOfEntryMatch+d.Size, abi.Align)
}

// Serves reports whether the descriptor applies to family.
func (d *Descriptor) Serves(f Family) bool {
	return d.Family == Unspec || d.Family == f
}

// Normalize drops default settings so equal option maps compare equal.
func (d *Descriptor) Normalize(v option.Values) option.Values {
	return d.Options.Normalize(v)
}

// Encode packs v into the option structure, padded to the block's data
// size.
func (d *Descriptor) Encode(v option.Values) ([]byte, error) {
	if missing := d.Options.Missing(v); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s needs --%s", ErrMissingOption, d.Name, missing[0])
	}
	w := abi.NewWriter(abi.Align)
	if err := d.Pack(w, d.Options.Resolve(v)); err != nil {
		return nil, fmt.Errorf("pack %s: %w", d.Name, err)
	}
	if w.Len() != d.Size {
		return nil, fmt.Errorf("pack %s: wrote %d bytes, want %d", d.Name, w.Len(), d.Size)
	}
	w.PadTo(d.BlockSize() - abi.SizeOfEntryMatch)
	return w.Bytes(), nil
}

// Decode unpacks an option structure previously produced by Encode.
func (d *Descriptor) Decode(data []byte) (option.Values, error) {
	r := abi.NewReader(data)
	v, err := d.Unpack(r)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", d.Name, err)
	}
	if r.Err() != nil {
		return nil, fmt.Errorf("unpack %s: %w", d.Name, r.Err())
	}
	return d.Normalize(v), nil
}

// Raw is an extension block kept verbatim because no descriptor understands
// it. Data excludes the 32-byte header.
type Raw struct {
	Name     string
	Revision uint8
	Data     []byte
}

// Equal reports whether two raw blocks are identical.
func (r *Raw) Equal(o *Raw) bool {
	return r.Name == o.Name && r.Revision == o.Revision && bytes.Equal(r.Data, o.Data)
}

// Clone returns a deep copy.
func (r *Raw) Clone() *Raw {
	return &Raw{Name: r.Name, Revision: r.Revision, Data: bytes.Clone(r.Data)}
}

// setting fetches a typed option value and its negation flag. Missing or
// mistyped values yield the zero value.
func setting[T option.Value](v option.Values, name string) (T, bool) {
	st := v[name]
	t, _ := st.Value.(T)
	return t, st.Negated
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
