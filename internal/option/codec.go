package option

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Codec parses the textual form of one kind of option value. The input has
// already had any negation prefix removed.
type Codec interface {
	Parse(s string) (Value, error)
}

// literal is implemented by codecs whose input is taken verbatim, so a
// leading "!" is part of the value rather than a negation.
type literal interface {
	literal()
}

func hasSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// PortCodec parses "port" or "low:high". Whitespace is ignored.
type PortCodec struct{}

func (PortCodec) Parse(s string) (Value, error) {
	s = stripSpace(s)
	if s == "" {
		return nil, errors.New("empty port")
	}
	lo, hi, isRange := strings.Cut(s, ":")
	if !isRange {
		p, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		return PortRange{Min: p, Max: p}, nil
	}

	r := AnyPort
	var err error
	if lo != "" {
		if r.Min, err = parsePort(lo); err != nil {
			return nil, err
		}
	}
	if hi != "" {
		if r.Max, err = parsePort(hi); err != nil {
			return nil, err
		}
	}
	if r.Min > r.Max {
		return nil, fmt.Errorf("range start %d is above range end %d", r.Min, r.Max)
	}
	return r, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%q is not a port number", s)
	}
	return uint16(n), nil
}

// MarkCodec parses "value[/mask]" with decimal or 0x-prefixed hex numbers.
type MarkCodec struct{}

func (MarkCodec) Parse(s string) (Value, error) {
	s = strings.TrimSpace(s)
	val, mask, hasMask := strings.Cut(s, "/")
	m := Mark{Mask: 0xffffffff}
	var err error
	if m.Value, err = parseUint32(val); err != nil {
		return nil, err
	}
	if hasMask {
		if m.Mask, err = parseUint32(mask); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func parseUint32(s string) (uint32, error) {
	// base 0 would also accept digit separators
	if strings.Contains(s, "_") {
		return 0, fmt.Errorf("%q is not a 32-bit number", s)
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not a 32-bit number", s)
	}
	return uint32(n), nil
}

// RateCodec parses "count/unit". Unlike the other codecs it tolerates no
// whitespace at all.
type RateCodec struct{}

var rateAliases = map[string]uint64{
	"second": 1,
	"sec":    1,
	"minute": 60,
	"min":    60,
	"hour":   60 * 60,
	"day":    24 * 60 * 60,
}

func (RateCodec) Parse(s string) (Value, error) {
	if hasSpace(s) {
		return nil, errors.New("rate must not contain whitespace")
	}
	if strings.HasPrefix(s, "!") {
		return nil, errors.New("rate cannot be negated")
	}
	count, unit, ok := strings.Cut(s, "/")
	if !ok {
		return nil, errors.New("rate must be count/unit")
	}
	secs, ok := rateAliases[unit]
	if !ok {
		return nil, fmt.Errorf("unknown rate unit %q", unit)
	}
	n, err := strconv.ParseUint(count, 10, 32)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("%q is not a positive count", count)
	}
	avg := LimitScale * secs / n
	if avg == 0 {
		return nil, errors.New("rate too fast")
	}
	return Rate{Avg: uint32(avg)}, nil
}

// TCPFlagsCodec parses "MASK COMP" where each part is a comma separated list
// of FIN, SYN, RST, PSH, ACK, URG, ALL or NONE.
type TCPFlagsCodec struct{}

func (TCPFlagsCodec) Parse(s string) (Value, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, errors.New("tcp flags need a mask and a comparison list")
	}
	mask, err := parseTCPFlagList(fields[0])
	if err != nil {
		return nil, err
	}
	comp, err := parseTCPFlagList(fields[1])
	if err != nil {
		return nil, err
	}
	return TCPFlags{Mask: mask, Comp: comp}, nil
}

func parseTCPFlagList(s string) (uint8, error) {
	var f uint8
next:
	for _, name := range strings.Split(s, ",") {
		for _, n := range tcpFlagNames {
			if strings.EqualFold(name, n.name) {
				f |= n.bit
				continue next
			}
		}
		return 0, fmt.Errorf("unknown tcp flag %q", name)
	}
	return f, nil
}

// UintCodec parses a decimal integer no larger than Max.
type UintCodec struct {
	Max uint32
}

func (c UintCodec) Parse(s string) (Value, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%q is not a number", s)
	}
	if n > uint64(c.Max) {
		return nil, fmt.Errorf("%d is above the maximum of %d", n, c.Max)
	}
	return Uint(n), nil
}

// TextCodec accepts a string of at most MaxLen bytes without NUL bytes.
type TextCodec struct {
	MaxLen int
}

func (c TextCodec) Parse(s string) (Value, error) {
	if len(s) > c.MaxLen {
		return nil, fmt.Errorf("longer than %d bytes", c.MaxLen)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return nil, errors.New("contains a NUL byte")
	}
	return Text(s), nil
}

func (TextCodec) literal() {}
