package extension

import (
	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/option"
)

const commentSize = 256

// commentMatch is struct xt_comment_info.
func commentMatch() *Descriptor {
	return &Descriptor{
		Name: "comment",
		Kind: Match,
		Size: commentSize,
		Options: option.Schema{
			{Name: "comment", Codec: option.TextCodec{MaxLen: commentSize - 1}, Required: true},
		},
		Pack: func(w *abi.Writer, v option.Values) error {
			c, _ := setting[option.Text](v, "comment")
			w.String(string(c), commentSize)
			return nil
		},
		Unpack: func(r *abi.Reader) (option.Values, error) {
			return option.Values{"comment": {Value: option.Text(r.String(commentSize))}}, nil
		},
	}
}
