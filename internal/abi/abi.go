// Package abi describes the binary interface shared with the kernel's
// x_tables packet filter: structure sizes, socket option numbers, verdict
// encodings and the hook numbering of the built-in chains.
//
// Sizes are those of the 64-bit layouts; fields whose width follows the
// platform's unsigned long are sized with [LongSize].
package abi

import "math/bits"

// Alignment and name limits from <linux/netfilter/x_tables.h>.
const (
	// Align is XT_ALIGN: every match and target block, and every entry, is
	// padded to a multiple of this.
	Align = 8

	ExtensionMaxNameLen = 29
	FunctionMaxNameLen  = 30
	TableMaxNameLen     = 32
	IfNameSize          = 16

	// ChainMaxNameLen is the longest user chain name the tools accept.
	ChainMaxNameLen = ExtensionMaxNameLen - 1
)

// LongSize is sizeof(unsigned long) and sizeof(void *) on this platform.
const LongSize = bits.UintSize / 8

// Fixed structure sizes.
const (
	SizeOfEntryMatch     = 32 // struct xt_entry_match header
	SizeOfEntryTarget    = 32 // struct xt_entry_target header
	SizeOfStandardTarget = 40 // xt_entry_target + int verdict, aligned
	SizeOfErrorTarget    = 64 // xt_entry_target + errorname[30], aligned
	SizeOfCounters       = 16 // struct xt_counters

	SizeOfIPTIP     = 84  // struct ipt_ip
	SizeOfIPTEntry  = 112 // struct ipt_entry
	SizeOfIP6TIP    = 136 // struct ip6t_ip6
	SizeOfIP6TEntry = 168 // struct ip6t_entry

	SizeOfGetinfo     = 84 // struct ipt_getinfo
	SizeOfGetEntries  = 40 // struct ipt_get_entries without the entry table
	SizeOfGetRevision = 30 // struct xt_get_revision
)

// SizeOfReplace is sizeof(struct ipt_replace) without the trailing entries:
// the fixed fields, padding, and the user pointer to the counters buffer.
func SizeOfReplace() int {
	return AlignUp(TableMaxNameLen+4*3+4*NumHooks*2+4, LongSize) + LongSize
}

// AlignUp rounds n up to a multiple of a.
func AlignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// Socket options, shared by the IPv4 (SOL_IP) and IPv6 (SOL_IPV6) variants.
const (
	BaseCtl = 64

	SoSetReplace     = BaseCtl
	SoSetAddCounters = BaseCtl + 1

	SoGetInfo           = BaseCtl
	SoGetEntries        = BaseCtl + 1
	SoGetRevisionMatch  = BaseCtl + 2
	SoGetRevisionTarget = BaseCtl + 3
)

// Hook numbers (enum nf_inet_hooks). Built-in chains are attached to these.
const (
	HookPreRouting = iota
	HookLocalIn
	HookForward
	HookLocalOut
	HookPostRouting

	NumHooks
)

// HookChains names the built-in chain bound to each hook.
var HookChains = [NumHooks]string{
	HookPreRouting:  "PREROUTING",
	HookLocalIn:     "INPUT",
	HookForward:     "FORWARD",
	HookLocalOut:    "OUTPUT",
	HookPostRouting: "POSTROUTING",
}

// tableHooks lists the hooks each well-known table registers.
var tableHooks = map[string][]int{
	"filter":   {HookLocalIn, HookForward, HookLocalOut},
	"nat":      {HookPreRouting, HookLocalIn, HookLocalOut, HookPostRouting},
	"mangle":   {HookPreRouting, HookLocalIn, HookForward, HookLocalOut, HookPostRouting},
	"raw":      {HookPreRouting, HookLocalOut},
	"security": {HookLocalIn, HookForward, HookLocalOut},
}

// TableHooks returns the hooks of a well-known table in hook order.
func TableHooks(table string) ([]int, bool) {
	hooks, ok := tableHooks[table]
	return hooks, ok
}

// HookMask converts a hook list to the valid_hooks bitmask.
func HookMask(hooks []int) uint32 {
	var m uint32
	for _, h := range hooks {
		m |= 1 << uint(h)
	}
	return m
}

// Netfilter verdicts and their standard target encodings.
const (
	NFDrop   = 0
	NFAccept = 1
	NFStolen = 2
	NFQueue  = 3
	NFRepeat = 4

	VerdictAccept int32 = -NFAccept - 1
	VerdictDrop   int32 = -NFDrop - 1
	VerdictQueue  int32 = -NFQueue - 1
	VerdictReturn int32 = -NFRepeat - 1
)

// Well-known target names.
const (
	StandardTarget = ""
	ErrorTarget    = "ERROR"
)

// ipt_ip flags and inverse flags.
const (
	IPTFlagFrag = 0x01
	IPTFlagGoto = 0x02

	IPTInvViaIn  = 0x01
	IPTInvViaOut = 0x02
	IPTInvTOS    = 0x04
	IPTInvSrcIP  = 0x08
	IPTInvDstIP  = 0x10
	IPTInvFrag   = 0x20
	IPTInvProto  = 0x40
)

// ip6t_ip6 flags and inverse flags.
const (
	IP6TFlagProto = 0x01
	IP6TFlagTOS   = 0x02
	IP6TFlagGoto  = 0x04

	IP6TInvViaIn  = 0x01
	IP6TInvViaOut = 0x02
	IP6TInvTOS    = 0x04
	IP6TInvSrcIP  = 0x08
	IP6TInvDstIP  = 0x10
	IP6TInvFrag   = 0x20
	IP6TInvProto  = 0x40
)
