package extension

import (
	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/option"
)

// Defaults of the limit match: 3/hour with a burst of 5.
var (
	defaultLimit = option.Rate{Avg: option.LimitScale * 60 * 60 / 3}
	defaultBurst = option.Uint(5)
)

// limitSize is sizeof(struct xt_rateinfo): avg, burst, the kernel-private
// prev/credit/credit_cap/cost state, and the master pointer.
var limitSize = abi.AlignUp(4+4+abi.LongSize+4+4+4, abi.LongSize) + abi.LongSize

// limitMatch is struct xt_rateinfo. Only avg and burst are user settable;
// the kernel clears the rest when it copies entries back out.
func limitMatch() *Descriptor {
	return &Descriptor{
		Name: "limit",
		Kind: Match,
		Size: limitSize,
		Options: option.Schema{
			{Name: "limit", Codec: option.RateCodec{}, Default: defaultLimit},
			{Name: "limit-burst", Codec: option.UintCodec{Max: 10000}, Default: defaultBurst},
		},
		Pack: func(w *abi.Writer, v option.Values) error {
			rate, _ := setting[option.Rate](v, "limit")
			burst, _ := setting[option.Uint](v, "limit-burst")
			w.Uint32(rate.Avg)
			w.Uint32(uint32(burst))
			w.Zero(limitSize - 8)
			return nil
		},
		Unpack: func(r *abi.Reader) (option.Values, error) {
			rate := option.Rate{Avg: r.Uint32()}
			burst := option.Uint(r.Uint32())
			r.Skip(limitSize - 8)
			return option.Values{
				"limit":       {Value: rate},
				"limit-burst": {Value: burst},
			}, nil
		},
	}
}
