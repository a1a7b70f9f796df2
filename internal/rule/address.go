package rule

import (
	"fmt"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/option"
	"grimm.is/xtables/internal/validation"
)

// cutNegation strips a leading "!" and any whitespace after it.
func cutNegation(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		return strings.TrimLeftFunc(rest, unicode.IsSpace), true
	}
	return s, false
}

func invalid(field, value, reason string) error {
	return &option.Error{Option: field, Value: value, Reason: reason}
}

// Address is a source or destination selector. The zero Address matches
// every address. IP is always stored already masked.
type Address struct {
	IP      netip.Addr
	Mask    netip.Addr
	Negated bool
}

// IsAny reports whether a matches every address.
func (a Address) IsAny() bool { return !a.IP.IsValid() }

// NewAddress builds an address selector from an IP and mask of the same
// family. A zero mask that is not negated yields the "any" address.
func NewAddress(ip, mask netip.Addr, negated bool) (Address, error) {
	if !ip.IsValid() || !mask.IsValid() {
		return Address{}, fmt.Errorf("address and mask must both be set")
	}
	if ip.Is4() != mask.Is4() {
		return Address{}, fmt.Errorf("address %s and mask %s are of different families", ip, mask)
	}
	masked := andAddr(ip, mask)
	if isZero(mask) && isZero(masked) && !negated {
		return Address{}, nil
	}
	return Address{IP: masked, Mask: mask, Negated: negated}, nil
}

// ParseAddress parses "[!] ip[/prefix|/mask]" for family. Host names are not
// resolved.
func ParseAddress(s string, family extension.Family) (Address, error) {
	body, neg := cutNegation(s)
	host, maskStr, hasMask := strings.Cut(body, "/")

	ip, err := netip.ParseAddr(host)
	if err != nil || ip.Zone() != "" {
		return Address{}, fmt.Errorf("%q is not an IP address", host)
	}
	if err := checkFamily(ip, family); err != nil {
		return Address{}, err
	}

	mask := fullMask(ip.BitLen())
	if hasMask {
		if strings.ContainsAny(maskStr, ".:") {
			mask, err = netip.ParseAddr(maskStr)
			if err != nil || mask.BitLen() != ip.BitLen() {
				return Address{}, fmt.Errorf("%q is not a valid mask", maskStr)
			}
		} else {
			n, err := strconv.Atoi(maskStr)
			if err != nil || n < 0 || n > ip.BitLen() {
				return Address{}, fmt.Errorf("%q is not a valid prefix length", maskStr)
			}
			mask = prefixMask(n, ip.BitLen())
		}
	}
	return NewAddress(ip, mask, neg)
}

func checkFamily(ip netip.Addr, family extension.Family) error {
	switch family {
	case extension.IPv4:
		if !ip.Is4() {
			return fmt.Errorf("%s is not an IPv4 address", ip)
		}
	case extension.IPv6:
		if !ip.Is6() || ip.Is4In6() {
			return fmt.Errorf("%s is not an IPv6 address", ip)
		}
	}
	return nil
}

// String renders "ip/len" for contiguous masks and "ip/mask" otherwise.
func (a Address) String() string {
	if a.IsAny() {
		return ""
	}
	var s string
	if n, ok := prefixLen(a.Mask); ok {
		s = fmt.Sprintf("%s/%d", a.IP, n)
	} else {
		s = fmt.Sprintf("%s/%s", a.IP, a.Mask)
	}
	if a.Negated {
		return "!" + s
	}
	return s
}

func fullMask(bitLen int) netip.Addr {
	return prefixMask(bitLen, bitLen)
}

func prefixMask(n, bitLen int) netip.Addr {
	b := make([]byte, bitLen/8)
	for i := range b {
		switch {
		case n >= 8:
			b[i] = 0xff
			n -= 8
		case n > 0:
			b[i] = ^byte(0xff >> n)
			n = 0
		}
	}
	addr, _ := netip.AddrFromSlice(b)
	return addr
}

// prefixLen returns the prefix length of a contiguous mask.
func prefixLen(mask netip.Addr) (int, bool) {
	n := 0
	done := false
	for _, b := range mask.AsSlice() {
		if done {
			if b != 0 {
				return 0, false
			}
			continue
		}
		ones := bits.LeadingZeros8(^b)
		if b<<ones != 0 {
			return 0, false
		}
		n += ones
		done = ones < 8
	}
	return n, true
}

func andAddr(ip, mask netip.Addr) netip.Addr {
	a, m := ip.AsSlice(), mask.AsSlice()
	for i := range a {
		a[i] &= m[i]
	}
	out, _ := netip.AddrFromSlice(a)
	return out
}

func isZero(a netip.Addr) bool {
	for _, b := range a.AsSlice() {
		if b != 0 {
			return false
		}
	}
	return true
}

// Interface selects packets by input or output interface. An empty Name
// matches every interface; a trailing "+" matches by prefix.
type Interface struct {
	Name    string
	Negated bool
}

// IsAny reports whether i matches every interface.
func (i Interface) IsAny() bool { return i.Name == "" }

// Wildcard reports whether the name ends in "+".
func (i Interface) Wildcard() bool { return strings.HasSuffix(i.Name, "+") }

// Mask returns the comparison mask the kernel applies to the name: the
// prefix for wildcards, the name and its terminating NUL otherwise.
func (i Interface) Mask() []byte {
	n := len(i.Name) + 1
	if i.Wildcard() {
		n = len(i.Name) - 1
	}
	if i.IsAny() {
		n = 0
	}
	mask := make([]byte, n)
	for j := range mask {
		mask[j] = 0xff
	}
	return mask
}

// ParseInterface parses "[!] name[+]". A bare "+" matches every interface.
func ParseInterface(s string) (Interface, error) {
	name, neg := cutNegation(s)
	if err := validation.ValidateInterfaceName(name); err != nil {
		return Interface{}, err
	}
	if name == "+" && !neg {
		return Interface{}, nil
	}
	return Interface{Name: name, Negated: neg}, nil
}

func (i Interface) String() string {
	if i.Negated {
		return "!" + i.Name
	}
	return i.Name
}

// Protocol is the IP protocol selector. Num 0 matches every protocol.
type Protocol struct {
	Num     uint8
	Negated bool
}

var protocolNames = map[string]uint8{
	"all":       0,
	"icmp":      unix.IPPROTO_ICMP,
	"igmp":      unix.IPPROTO_IGMP,
	"tcp":       unix.IPPROTO_TCP,
	"udp":       unix.IPPROTO_UDP,
	"gre":       unix.IPPROTO_GRE,
	"esp":       unix.IPPROTO_ESP,
	"ah":        unix.IPPROTO_AH,
	"icmpv6":    unix.IPPROTO_ICMPV6,
	"ipv6-icmp": unix.IPPROTO_ICMPV6,
	"sctp":      unix.IPPROTO_SCTP,
	"udplite":   unix.IPPROTO_UDPLITE,
}

// ParseProtocol accepts a protocol name or number, optionally negated.
func ParseProtocol(s string) (Protocol, error) {
	body, neg := cutNegation(s)
	if num, ok := protocolNames[strings.ToLower(body)]; ok {
		if num == 0 && neg {
			return Protocol{}, fmt.Errorf("negating %q matches nothing", body)
		}
		return Protocol{Num: num, Negated: neg}, nil
	}
	n, err := strconv.ParseUint(body, 10, 8)
	if err != nil {
		return Protocol{}, fmt.Errorf("unknown protocol %q", body)
	}
	return Protocol{Num: uint8(n), Negated: neg}, nil
}

// Name returns the protocol's name, or its number when it has none.
func (p Protocol) Name() string {
	switch p.Num {
	case 0:
		return "all"
	case unix.IPPROTO_ICMPV6:
		return "ipv6-icmp"
	}
	for name, num := range protocolNames {
		if num == p.Num && name != "all" {
			return name
		}
	}
	return strconv.Itoa(int(p.Num))
}

func (p Protocol) String() string {
	if p.Negated {
		return "!" + p.Name()
	}
	return p.Name()
}
