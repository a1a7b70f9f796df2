package extension

import (
	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/option"
)

// Inverse flags shared by xt_udp and xt_tcp.
const (
	invSrcPort = 0x01
	invDstPort = 0x02
	invFlags   = 0x04
	invOption  = 0x08
)

func portOptions() option.Schema {
	return option.Schema{
		{Name: "sport", Aliases: []string{"source-port"}, Codec: option.PortCodec{}, Default: option.AnyPort, Negatable: true},
		{Name: "dport", Aliases: []string{"destination-port"}, Codec: option.PortCodec{}, Default: option.AnyPort, Negatable: true},
	}
}

func writePorts(w *abi.Writer, v option.Values) (inv uint8) {
	sport, sneg := setting[option.PortRange](v, "sport")
	dport, dneg := setting[option.PortRange](v, "dport")
	w.Uint16(sport.Min)
	w.Uint16(sport.Max)
	w.Uint16(dport.Min)
	w.Uint16(dport.Max)
	if sneg {
		inv |= invSrcPort
	}
	if dneg {
		inv |= invDstPort
	}
	return inv
}

func readPorts(r *abi.Reader) (sport, dport option.PortRange) {
	sport = option.PortRange{Min: r.Uint16(), Max: r.Uint16()}
	dport = option.PortRange{Min: r.Uint16(), Max: r.Uint16()}
	return sport, dport
}

// udpMatch is struct xt_udp.
func udpMatch() *Descriptor {
	return &Descriptor{
		Name:    "udp",
		Kind:    Match,
		Proto:   unix.IPPROTO_UDP,
		Size:    10,
		Options: portOptions(),
		Pack: func(w *abi.Writer, v option.Values) error {
			inv := writePorts(w, v)
			w.Uint8(inv)
			w.Pad(2)
			return nil
		},
		Unpack: func(r *abi.Reader) (option.Values, error) {
			sport, dport := readPorts(r)
			inv := r.Uint8()
			r.Skip(1)
			return option.Values{
				"sport": {Value: sport, Negated: inv&invSrcPort != 0},
				"dport": {Value: dport, Negated: inv&invDstPort != 0},
			}, nil
		},
	}
}

// tcpMatch is struct xt_tcp.
func tcpMatch() *Descriptor {
	opts := append(portOptions(),
		&option.Spec{Name: "tcp-flags", Codec: option.TCPFlagsCodec{}, Default: option.TCPFlags{}, Negatable: true},
		&option.Spec{Name: "tcp-option", Codec: option.UintCodec{Max: 255}, Default: option.Uint(0), Negatable: true},
	)
	return &Descriptor{
		Name:    "tcp",
		Kind:    Match,
		Proto:   unix.IPPROTO_TCP,
		Size:    12,
		Options: opts,
		Pack: func(w *abi.Writer, v option.Values) error {
			inv := writePorts(w, v)
			opt, oneg := setting[option.Uint](v, "tcp-option")
			flags, fneg := setting[option.TCPFlags](v, "tcp-flags")
			w.Uint8(uint8(opt))
			w.Uint8(flags.Mask)
			w.Uint8(flags.Comp)
			if fneg {
				inv |= invFlags
			}
			if oneg {
				inv |= invOption
			}
			w.Uint8(inv)
			return nil
		},
		Unpack: func(r *abi.Reader) (option.Values, error) {
			sport, dport := readPorts(r)
			opt := r.Uint8()
			mask := r.Uint8()
			comp := r.Uint8()
			inv := r.Uint8()

			return option.Values{
				"sport":      {Value: sport, Negated: inv&invSrcPort != 0},
				"dport":      {Value: dport, Negated: inv&invDstPort != 0},
				"tcp-flags":  {Value: option.TCPFlags{Mask: mask, Comp: comp}, Negated: inv&invFlags != 0},
				"tcp-option": {Value: option.Uint(opt), Negated: inv&invOption != 0},
			}, nil
		},
	}
}
