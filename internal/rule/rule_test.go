package rule

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/option"
)

func newUDPRule(t *testing.T, reg *extension.Registry) *Rule {
	t.Helper()
	r := New(extension.IPv4)
	require.NoError(t, r.SetProtocol("udp"))
	return r
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in     string
		family extension.Family
		want   string
	}{
		{"10.0.0.1", extension.IPv4, "10.0.0.1/32"},
		{"10.1.2.3/8", extension.IPv4, "10.0.0.0/8"},
		{"!192.168.0.0/16", extension.IPv4, "!192.168.0.0/16"},
		{"! 192.168.0.0/255.255.0.0", extension.IPv4, "!192.168.0.0/16"},
		{"10.0.0.0/255.0.255.0", extension.IPv4, "10.0.0.0/255.0.255.0"},
		{"2001:db8::1/64", extension.IPv6, "2001:db8::/64"},
		{"::1", extension.IPv6, "::1/128"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := ParseAddress(tt.in, tt.family)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.String())
		})
	}

	any4, err := ParseAddress("0.0.0.0/0", extension.IPv4)
	require.NoError(t, err)
	assert.True(t, any4.IsAny())
	assert.Equal(t, Address{}, any4)
}

func TestParseAddressInvalid(t *testing.T) {
	tests := []struct {
		in     string
		family extension.Family
	}{
		{"example.com", extension.IPv4},
		{"10.0.0.1/33", extension.IPv4},
		{"10.0.0.1/ff::", extension.IPv4},
		{"2001:db8::1", extension.IPv4},
		{"10.0.0.1", extension.IPv6},
		{"::ffff:10.0.0.1", extension.IPv6},
		{"fe80::1%eth0", extension.IPv6},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseAddress(tt.in, tt.family)
			assert.Error(t, err)
		})
	}
}

func TestParseInterface(t *testing.T) {
	i, err := ParseInterface("eth0")
	require.NoError(t, err)
	assert.False(t, i.Wildcard())
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff}, i.Mask())

	i, err = ParseInterface("! eth+")
	require.NoError(t, err)
	assert.True(t, i.Negated)
	assert.True(t, i.Wildcard())
	assert.Equal(t, []byte{0xff, 0xff, 0xff}, i.Mask())
	assert.Equal(t, "!eth+", i.String())

	i, err = ParseInterface("+")
	require.NoError(t, err)
	assert.True(t, i.IsAny())
	assert.Empty(t, i.Mask())

	_, err = ParseInterface("eth0;reboot")
	assert.Error(t, err)
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol("udp")
	require.NoError(t, err)
	assert.Equal(t, Protocol{Num: 17}, p)

	p, err = ParseProtocol("!TCP")
	require.NoError(t, err)
	assert.Equal(t, Protocol{Num: 6, Negated: true}, p)
	assert.Equal(t, "!tcp", p.String())

	p, err = ParseProtocol("47")
	require.NoError(t, err)
	assert.Equal(t, "gre", p.Name())

	p, err = ParseProtocol("253")
	require.NoError(t, err)
	assert.Equal(t, "253", p.Name())

	assert.Equal(t, "ipv6-icmp", Protocol{Num: 58}.Name())

	_, err = ParseProtocol("!all")
	assert.Error(t, err)
	_, err = ParseProtocol("256")
	assert.Error(t, err)
}

func TestSettersRejectAtomically(t *testing.T) {
	r := New(extension.IPv4)
	require.NoError(t, r.SetSource("10.0.0.0/8"))

	err := r.SetSource("10.0.0.0/99")
	assert.ErrorIs(t, err, option.ErrInvalidOption)
	assert.Equal(t, "10.0.0.0/8", r.Source().String())

	require.NoError(t, r.SetInInterface("eth0"))
	assert.ErrorIs(t, r.SetInInterface("this-name-is-too-long"), option.ErrInvalidOption)
	assert.Equal(t, "eth0", r.InInterface().Name)

	require.NoError(t, r.SetSource(""))
	assert.True(t, r.Source().IsAny())

	assert.ErrorIs(t, r.SetSourceAddress(Address{IP: netip.MustParseAddr("::1"), Mask: netip.MustParseAddr("::1")}), option.ErrInvalidOption)
}

func TestMatchCompare(t *testing.T) {
	reg := extension.NewRegistry()
	r := newUDPRule(t, reg)

	m1, err := NewMatch(reg, r, "udp")
	require.NoError(t, err)
	require.NoError(t, m1.Set("sport", "12345"))
	require.NoError(t, m1.Set("dport", "12345"))

	m2, err := NewMatch(reg, r, "udp")
	require.NoError(t, err)
	require.NoError(t, m2.Set("sport", "12345"))
	require.NoError(t, m2.Set("dport", "12345"))
	assert.True(t, m1.Equal(m2))

	m2.Reset()
	require.NoError(t, m2.Set("sport", "12345"))
	require.NoError(t, m2.Set("dport", "12345"))
	assert.True(t, m1.Equal(m2))

	require.NoError(t, m2.Set("dport", "12346"))
	assert.False(t, m1.Equal(m2))

	require.NoError(t, m2.Set("destination-port", "12345"))
	assert.True(t, m1.Equal(m2))

	// an explicit default equals an unset option
	m3, err := NewMatch(reg, r, "")
	require.NoError(t, err)
	m4 := m3.Clone()
	require.NoError(t, m3.Set("sport", "0:65535"))
	assert.True(t, m3.Equal(m4))

	require.NoError(t, m3.Set("sport", "!0:65535"))
	assert.False(t, m3.Equal(m4))
}

func TestMatchSetGet(t *testing.T) {
	reg := extension.NewRegistry()
	r := New(extension.IPv4)

	m, err := NewMatch(reg, r, "mark")
	require.NoError(t, err)

	_, ok := m.Get("mark")
	assert.False(t, ok)

	require.NoError(t, m.Set("mark", "! 0x7b"))
	got, ok := m.Get("mark")
	require.True(t, ok)
	assert.Equal(t, "!0x7b", got)

	err = m.Set("mark", "0xffffffffff")
	assert.ErrorIs(t, err, option.ErrInvalidOption)
	got, _ = m.Get("mark")
	assert.Equal(t, "!0x7b", got)

	err = m.Set("nope", "1")
	assert.ErrorIs(t, err, option.ErrInvalidOption)

	m.Unset("mark")
	_, ok = m.Get("mark")
	assert.False(t, ok)

	lm, err := NewMatch(reg, r, "limit")
	require.NoError(t, err)
	got, ok = lm.Get("limit")
	require.True(t, ok)
	assert.Equal(t, "3/hour", got)
}

func TestMatchMarkResetThenRejectedSet(t *testing.T) {
	reg := extension.NewRegistry()
	r := New(extension.IPv4)
	m, err := NewMatch(reg, r, "mark")
	require.NoError(t, err)

	require.NoError(t, m.Set("mark", "0x7b/0xfffefffe"))
	got, ok := m.Get("mark")
	require.True(t, ok)
	assert.Equal(t, "0x7b/0xfffefffe", got)

	m.Reset()
	_, ok = m.Get("mark")
	assert.False(t, ok)
	assert.Empty(t, m.Options())
	before := m.Clone()

	err = m.Set("mark", "0xffffffffff")
	assert.ErrorIs(t, err, option.ErrInvalidOption)
	assert.True(t, m.Equal(before), "a rejected value leaves the match unchanged")
	_, ok = m.Get("mark")
	assert.False(t, ok)
	assert.Equal(t, uint8(1), m.Revision(), "reset keeps the resolved revision")
}

func TestMatchRevision(t *testing.T) {
	reg := extension.NewRegistry()
	r := New(extension.IPv4)

	m, err := NewMatchRevision(reg, r, "mark", 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), m.Revision())

	m1, err := NewMatch(reg, r, "mark")
	require.NoError(t, err)
	assert.Equal(t, uint8(1), m1.Revision())

	require.NoError(t, m.Set("mark", "1"))
	require.NoError(t, m1.Set("mark", "1"))
	assert.False(t, m.Equal(m1))

	m.Reset()
	assert.Equal(t, uint8(0), m.Revision())
}

func TestRawMatch(t *testing.T) {
	raw := &extension.Raw{Name: "conntrack", Revision: 3, Data: []byte{1, 2, 3, 4, 0, 0, 0, 0}}
	m := NewRawMatch(raw)
	raw.Data[0] = 9

	assert.Equal(t, "conntrack", m.Name())
	assert.Equal(t, byte(1), m.Raw().Data[0])
	assert.ErrorIs(t, m.Set("ctstate", "NEW"), option.ErrInvalidOption)

	assert.True(t, m.Equal(m.Clone()))
	other := NewRawMatch(&extension.Raw{Name: "conntrack", Revision: 3, Data: []byte{1, 2, 3, 5, 0, 0, 0, 0}})
	assert.False(t, m.Equal(other))
}

func TestSetProtocolMismatch(t *testing.T) {
	reg := extension.NewRegistry()
	r := newUDPRule(t, reg)

	m, err := NewMatch(reg, r, "udp")
	require.NoError(t, err)
	r.AddMatch(m)

	err = r.SetProtocol("tcp")
	assert.ErrorIs(t, err, ErrProtocolMismatch)
	assert.Equal(t, "udp", r.Protocol().Name())

	assert.ErrorIs(t, r.SetProtocol("!udp"), ErrProtocolMismatch)
	require.NoError(t, r.SetProtocol("udp"))

	assert.True(t, r.RemoveMatch(m))
	require.NoError(t, r.SetProtocol("tcp"))
}

func TestNewTarget(t *testing.T) {
	reg := extension.NewRegistry()
	r := New(extension.IPv4)

	tg, err := NewTarget(reg, r, "DROP")
	require.NoError(t, err)
	assert.Equal(t, Verdict, tg.Kind())
	assert.Equal(t, abi.VerdictDrop, tg.Verdict())

	tg, err = NewTarget(reg, r, "LOG")
	require.NoError(t, err)
	assert.Equal(t, Extension, tg.Kind())
	require.NoError(t, tg.Set("log-prefix", "in: "))

	tg, err = NewTarget(reg, r, "web")
	require.NoError(t, err)
	assert.Equal(t, Jump, tg.Kind())
	assert.Equal(t, "web", tg.Chain())

	_, err = NewTarget(reg, r, "-bad")
	assert.ErrorIs(t, err, extension.ErrUnknownExtension)

	assert.True(t, NewFallthrough().Equal(NewFallthrough()))
	assert.False(t, NewJump("a").Equal(NewJump("b")))
	assert.False(t, NewVerdict(abi.VerdictAccept).Equal(NewJump("ACCEPT")))
}

func TestRuleEqualAndClone(t *testing.T) {
	reg := extension.NewRegistry()

	build := func() *Rule {
		r := newUDPRule(t, reg)
		require.NoError(t, r.SetSource("127.0.0.1"))
		require.NoError(t, r.SetInInterface("eth0"))
		m, err := NewMatch(reg, r, "udp")
		require.NoError(t, err)
		require.NoError(t, m.Set("dport", "53"))
		r.AddMatch(m)
		r.SetTarget(NewVerdict(abi.VerdictAccept))
		return r
	}

	a, b := build(), build()
	assert.True(t, a.Equal(b))

	b.SetCounters(Counters{Packets: 10, Bytes: 1000})
	assert.True(t, a.Equal(b), "counters are not structural")

	c := a.Clone()
	require.NoError(t, c.Matches()[0].Set("dport", "54"))
	assert.False(t, a.Equal(c))
	got, _ := a.Matches()[0].Get("dport")
	assert.Equal(t, "53", got)

	b.SetGoto(true)
	assert.False(t, a.Equal(b))
}

func TestRuleString(t *testing.T) {
	reg := extension.NewRegistry()

	r := newUDPRule(t, reg)
	require.NoError(t, r.SetSource("!10.0.0.0/8"))
	require.NoError(t, r.SetOutInterface("eth+"))
	m, err := NewMatch(reg, r, "udp")
	require.NoError(t, err)
	require.NoError(t, m.Set("dport", "!1024:65535"))
	r.AddMatch(m)
	c, err := NewMatch(reg, r, "comment")
	require.NoError(t, err)
	require.NoError(t, c.Set("comment", "no high ports"))
	r.AddMatch(c)
	r.SetTarget(NewVerdict(abi.VerdictDrop))

	assert.Equal(t,
		`! -s 10.0.0.0/8 -o eth+ -p udp -m udp ! --dport 1024:65535 -m comment --comment "no high ports" -j DROP`,
		r.String())

	g := New(extension.IPv4)
	g.SetFragment(Fragment{Set: true, Negated: true})
	g.SetTarget(NewJump("web"))
	g.SetGoto(true)
	assert.Equal(t, "! -f -g web", g.String())

	count := New(extension.IPv6)
	count.SetTarget(NewFallthrough())
	assert.Equal(t, "", count.String())
}

func TestChain(t *testing.T) {
	in := NewBuiltinChain(abi.HookLocalIn)
	assert.Equal(t, "INPUT", in.Name)
	assert.True(t, in.Builtin())
	assert.Equal(t, "ACCEPT", in.PolicyName())

	r := New(extension.IPv4)
	r.SetTarget(NewJump("web"))
	in.Rules = append(in.Rules, r)
	assert.True(t, in.References("web"))
	assert.False(t, in.References("ssh"))

	web := NewUserChain("web")
	assert.False(t, web.Builtin())
	assert.Equal(t, "-", web.PolicyName())

	cp := in.Clone()
	cp.Rules[0].SetTarget(NewJump("ssh"))
	assert.True(t, in.References("web"))
}
