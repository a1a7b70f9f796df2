package extension

import (
	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/option"
)

// markTargetV2 is struct xt_mark_tginfo2: the packet mark becomes
// (mark & ~mask) ^ value.
func markTargetV2() *Descriptor {
	return &Descriptor{
		Name:     "MARK",
		Kind:     Target,
		Revision: 2,
		Size:     8,
		Options: option.Schema{
			{Name: "set-xmark", Codec: option.MarkCodec{}, Required: true},
		},
		Pack: func(w *abi.Writer, v option.Values) error {
			m, _ := setting[option.Mark](v, "set-xmark")
			w.Uint32(m.Value)
			w.Uint32(m.Mask)
			return nil
		},
		Unpack: func(r *abi.Reader) (option.Values, error) {
			m := option.Mark{Value: r.Uint32(), Mask: r.Uint32()}
			return option.Values{"set-xmark": {Value: m}}, nil
		},
	}
}

const logPrefixSize = 30

// logTarget is struct ipt_log_info, shared in layout by ip6t_log_info.
func logTarget() *Descriptor {
	return &Descriptor{
		Name: "LOG",
		Kind: Target,
		Size: 2 + logPrefixSize,
		Options: option.Schema{
			{Name: "log-level", Codec: option.UintCodec{Max: 7}, Default: option.Uint(4)},
			{Name: "log-prefix", Codec: option.TextCodec{MaxLen: logPrefixSize - 1}, Default: option.Text("")},
		},
		Pack: func(w *abi.Writer, v option.Values) error {
			level, _ := setting[option.Uint](v, "log-level")
			prefix, _ := setting[option.Text](v, "log-prefix")
			w.Uint8(uint8(level))
			w.Uint8(0) // logflags
			w.String(string(prefix), logPrefixSize)
			return nil
		},
		Unpack: func(r *abi.Reader) (option.Values, error) {
			level := option.Uint(r.Uint8())
			r.Skip(1)
			return option.Values{
				"log-level":  {Value: level},
				"log-prefix": {Value: option.Text(r.String(logPrefixSize))},
			}, nil
		},
	}
}

// Builtin returns fresh copies of the descriptors every registry starts
// with.
func Builtin() []*Descriptor {
	return []*Descriptor{
		udpMatch(),
		tcpMatch(),
		markMatchV0(),
		markMatchV1(),
		limitMatch(),
		commentMatch(),
		markTargetV2(),
		logTarget(),
	}
}
