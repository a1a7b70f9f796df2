package extension

import (
	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/option"
)

func markOptions() option.Schema {
	return option.Schema{
		{Name: "mark", Codec: option.MarkCodec{}, Negatable: true, Required: true},
	}
}

// markMatchV0 is struct xt_mark_info, whose fields are unsigned long.
func markMatchV0() *Descriptor {
	return &Descriptor{
		Name:     "mark",
		Kind:     Match,
		Revision: 0,
		Size:     3 * abi.LongSize,
		Options:  markOptions(),
		Pack: func(w *abi.Writer, v option.Values) error {
			m, neg := setting[option.Mark](v, "mark")
			w.Long(uint64(m.Value))
			w.Long(uint64(m.Mask))
			w.Uint8(boolByte(neg))
			w.Pad(abi.LongSize)
			return nil
		},
		Unpack: func(r *abi.Reader) (option.Values, error) {
			m := option.Mark{Value: uint32(r.Long()), Mask: uint32(r.Long())}
			neg := r.Uint8() != 0
			r.Skip(abi.LongSize - 1)
			return option.Values{"mark": {Value: m, Negated: neg}}, nil
		},
	}
}

// markMatchV1 is struct xt_mark_mtinfo1.
func markMatchV1() *Descriptor {
	return &Descriptor{
		Name:     "mark",
		Kind:     Match,
		Revision: 1,
		Size:     12,
		Options:  markOptions(),
		Pack: func(w *abi.Writer, v option.Values) error {
			m, neg := setting[option.Mark](v, "mark")
			w.Uint32(m.Value)
			w.Uint32(m.Mask)
			w.Uint8(boolByte(neg))
			w.Pad(4)
			return nil
		},
		Unpack: func(r *abi.Reader) (option.Values, error) {
			m := option.Mark{Value: r.Uint32(), Mask: r.Uint32()}
			neg := r.Uint8() != 0
			r.Skip(3)
			return option.Values{"mark": {Value: m, Negated: neg}}, nil
		},
	}
}
