// Package transport moves table blobs between the table manager and the
// kernel. Kernel talks to x_tables over a raw socket; Memory keeps blobs in
// process for dry runs and tests.
package transport

import (
	"bytes"
	"errors"
	"fmt"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/logging"
	"grimm.is/xtables/internal/validation"
)

// ErrUnsupported is returned by the kernel transport on platforms without
// x_tables.
var ErrUnsupported = errors.New("x_tables is only available on linux")

// Option configures a transport.
type Option func(*options)

type options struct {
	logger *logging.Logger
	family extension.Family
}

// WithLogger sets the transport's logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFamily sets the family of tables stored in a Memory that were not
// seeded through a compiler. The default is IPv4.
func WithFamily(f extension.Family) Option {
	return func(o *options) { o.family = f }
}

func buildOptions(opts []Option) options {
	o := options{family: extension.IPv4}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.WithComponent("transport")
	}
	return o
}

// checkBlob verifies a replace blob is addressed to table and sized
// consistently.
func checkBlob(table string, blob []byte) (abi.Header, error) {
	if err := validation.ValidateTableName(table); err != nil {
		return abi.Header{}, err
	}
	h, err := abi.ReadHeader(blob)
	if err != nil {
		return abi.Header{}, err
	}
	if h.Name != table {
		return abi.Header{}, fmt.Errorf("blob is for table %q, not %q", h.Name, table)
	}
	if len(blob) != abi.SizeOfReplace()+int(h.Size) {
		return abi.Header{}, fmt.Errorf("blob of %d bytes declares %d bytes of entries", len(blob), h.Size)
	}
	return h, nil
}

// getEntriesRequest builds an ipt_get_entries request for size bytes of
// entries.
func getEntriesRequest(table string, size uint32) []byte {
	w := abi.NewWriter(abi.Align)
	w.String(table, abi.TableMaxNameLen)
	w.Uint32(size)
	w.Align()
	w.Zero(int(size))
	return w.Bytes()
}

// fetchedBlob prefixes the entries of a get_entries reply with a replace
// header built from the table's info.
func fetchedBlob(info abi.Info, reply []byte) []byte {
	w := abi.NewWriter(abi.Align)
	abi.WriteHeader(w, info.Header())
	w.Raw(reply[abi.SizeOfGetEntries:])
	return w.Bytes()
}

func entryLayout(f extension.Family) abi.EntryLayout {
	if f == extension.IPv6 {
		return abi.IP6TEntryLayout
	}
	return abi.IPTEntryLayout
}

// patchReplace copies blob and points its counter slots at counters, which
// must hold numCounters xt_counters.
func patchReplace(blob []byte, numCounters uint32, countersAddr uint64) []byte {
	req := bytes.Clone(blob)
	w := abi.NewWriter(abi.Align)
	w.Uint32(numCounters)
	copy(req[abi.OffsetNumCounters:], w.Bytes())

	w = abi.NewWriter(abi.Align)
	w.Long(countersAddr)
	copy(req[abi.OffsetCounters():], w.Bytes())
	return req
}
