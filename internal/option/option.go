// Package option parses, validates and renders the textual option values of
// match and target extensions.
//
// Values form a closed set of comparable types so that two option maps can be
// compared with ==, the same way the kernel compares packed structures.
package option

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// ErrInvalidOption is wrapped by every parse and validation failure.
var ErrInvalidOption = errors.New("invalid option")

// Error describes a rejected option value.
type Error struct {
	Option string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid option %q: %s", e.Option, e.Reason)
	}
	return fmt.Sprintf("invalid value %q for option %q: %s", e.Value, e.Option, e.Reason)
}

func (e *Error) Unwrap() error { return ErrInvalidOption }

// Value is a parsed option value. Implementations are defined in this package
// only.
type Value interface {
	fmt.Stringer
	isValue()
}

// PortRange is an inclusive port range. A single port has Min == Max.
type PortRange struct {
	Min, Max uint16
}

// AnyPort matches every port and is the default for port options.
var AnyPort = PortRange{Min: 0, Max: 65535}

func (p PortRange) String() string {
	if p.Min == p.Max {
		return fmt.Sprintf("%d", p.Min)
	}
	return fmt.Sprintf("%d:%d", p.Min, p.Max)
}

// Mark is a firewall mark with its mask.
type Mark struct {
	Value, Mask uint32
}

func (m Mark) String() string {
	if m.Mask == 0xffffffff {
		return fmt.Sprintf("0x%x", m.Value)
	}
	return fmt.Sprintf("0x%x/0x%x", m.Value, m.Mask)
}

// Rate is a packet rate in the kernel's fixed-point form: the average interval
// between packets in units of 1/LimitScale seconds.
type Rate struct {
	Avg uint32
}

// LimitScale is XT_LIMIT_SCALE.
const LimitScale = 10000

var rateUnits = []struct {
	name string
	mult uint32
}{
	{"day", LimitScale * 24 * 60 * 60},
	{"hour", LimitScale * 60 * 60},
	{"min", LimitScale * 60},
	{"sec", LimitScale},
}

// String renders the rate with the largest unit that represents it without
// losing more precision than a smaller one would.
func (r Rate) String() string {
	if r.Avg == 0 {
		return "inf"
	}
	i := 1
	for ; i < len(rateUnits); i++ {
		mult := rateUnits[i].mult
		if r.Avg > mult || mult/r.Avg < mult%r.Avg {
			break
		}
	}
	u := rateUnits[i-1]
	return fmt.Sprintf("%d/%s", u.mult/r.Avg, u.name)
}

// TCPFlags selects the TCP flag bits in Mask and requires them to equal Comp.
type TCPFlags struct {
	Mask, Comp uint8
}

// TCP flag bits.
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
	TCPFlagAll = 0x3f
)

var tcpFlagNames = []struct {
	name string
	bit  uint8
}{
	{"FIN", TCPFlagFIN},
	{"SYN", TCPFlagSYN},
	{"RST", TCPFlagRST},
	{"PSH", TCPFlagPSH},
	{"ACK", TCPFlagACK},
	{"URG", TCPFlagURG},
	{"ALL", TCPFlagAll},
	{"NONE", 0},
}

func formatTCPFlags(f uint8) string {
	if f == 0 {
		return "NONE"
	}
	var names []string
	for _, n := range tcpFlagNames[:6] {
		if f&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

func (f TCPFlags) String() string {
	return formatTCPFlags(f.Mask) + " " + formatTCPFlags(f.Comp)
}

// Uint is a bounded unsigned integer.
type Uint uint32

func (u Uint) String() string { return fmt.Sprintf("%d", uint32(u)) }

// Text is a bounded string.
type Text string

func (t Text) String() string { return string(t) }

func (PortRange) isValue() {}
func (Mark) isValue()      {}
func (Rate) isValue()      {}
func (TCPFlags) isValue()  {}
func (Uint) isValue()      {}
func (Text) isValue()      {}

// Setting is an option value together with its negation flag.
type Setting struct {
	Value   Value
	Negated bool
}

// IsSet reports whether the setting carries a value.
func (s Setting) IsSet() bool { return s.Value != nil }

func (s Setting) String() string {
	if s.Value == nil {
		return ""
	}
	if s.Negated {
		return "!" + s.Value.String()
	}
	return s.Value.String()
}

// Values maps option names to their settings.
type Values map[string]Setting

// Clone returns a copy of v. Values are immutable, so a shallow copy is
// enough.
func (v Values) Clone() Values {
	if v == nil {
		return Values{}
	}
	return maps.Clone(v)
}

// Equal reports whether v and o hold the same settings.
func (v Values) Equal(o Values) bool {
	return maps.Equal(v, o)
}
