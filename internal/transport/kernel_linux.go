//go:build linux

package transport

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/logging"
)

// Kernel is the x_tables socket option transport. Each call opens its own
// raw socket, so a Kernel may be shared between tables.
type Kernel struct {
	family extension.Family
	logger *logging.Logger
}

// NewKernel returns the transport for family. Opening raw sockets needs
// CAP_NET_RAW and replacing tables CAP_NET_ADMIN.
func NewKernel(family extension.Family, opts ...Option) *Kernel {
	o := buildOptions(opts)
	return &Kernel{family: family, logger: o.logger}
}

func (k *Kernel) socket() (fd, level int, err error) {
	domain, level := unix.AF_INET, unix.SOL_IP
	if k.family == extension.IPv6 {
		domain, level = unix.AF_INET6, unix.SOL_IPV6
	}
	fd, err = unix.Socket(domain, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return -1, 0, fmt.Errorf("open raw socket: %w", err)
	}
	return fd, level, nil
}

// getsockopt issues a getsockopt syscall with buf as the in/out argument.
func getsockopt(fd, level, optname int, buf []byte) (uint32, error) {
	l := uint32(len(buf))
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), uintptr(level), uintptr(optname), uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return 0, e
	}
	return l, nil
}

// setsockopt issues a setsockopt syscall.
func setsockopt(fd, level, optname int, buf []byte) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(level), uintptr(optname), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0)
	if e != 0 {
		return e
	}
	return nil
}

func (k *Kernel) info(fd, level int, table string) (abi.Info, error) {
	w := abi.NewWriter(abi.Align)
	w.String(table, abi.TableMaxNameLen)
	w.Zero(abi.SizeOfGetinfo - w.Len())
	buf := w.Bytes()
	if _, err := getsockopt(fd, level, abi.SoGetInfo, buf); err != nil {
		return abi.Info{}, fmt.Errorf("get info for table %s: %w", table, err)
	}
	return abi.ReadInfo(buf)
}

// Fetch reads the table's entries and returns them as a replace blob.
func (k *Kernel) Fetch(table string) ([]byte, error) {
	fd, level, err := k.socket()
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	info, err := k.info(fd, level, table)
	if err != nil {
		return nil, err
	}
	req := getEntriesRequest(table, info.Size)
	if _, err := getsockopt(fd, level, abi.SoGetEntries, req); err != nil {
		return nil, fmt.Errorf("get entries for table %s: %w", table, err)
	}
	k.logger.Debug("Fetched table", "table", table, "entries", info.NumEntries, "size", info.Size)
	return fetchedBlob(info, req), nil
}

// Replace swaps the kernel table for blob. The kernel hands back the old
// table's counters, so the counter buffer is sized from the entry count
// read just before the replace; EAGAIN means the table changed in between.
func (k *Kernel) Replace(table string, blob []byte) error {
	if _, err := checkBlob(table, blob); err != nil {
		return err
	}
	fd, level, err := k.socket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	info, err := k.info(fd, level, table)
	if err != nil {
		return err
	}
	counters := make([]byte, max(int(info.NumEntries), 1)*abi.SizeOfCounters)
	req := patchReplace(blob, info.NumEntries, uint64(uintptr(unsafe.Pointer(&counters[0]))))
	err = setsockopt(fd, level, abi.SoSetReplace, req)
	runtime.KeepAlive(counters)
	if err != nil {
		return fmt.Errorf("replace table %s: %w", table, err)
	}
	k.logger.Debug("Replaced table", "table", table, "size", len(blob), "old_entries", info.NumEntries)
	return nil
}

// AddCounters adds cs to the counters of the table's entries. The kernel
// zeroes every counter on replace, so this restores them afterwards; cs must
// hold one pair per entry of the current table.
func (k *Kernel) AddCounters(table string, cs []abi.Counters) error {
	if len(cs) == 0 {
		return nil
	}
	fd, level, err := k.socket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err := setsockopt(fd, level, abi.SoSetAddCounters, abi.CountersInfo(table, cs)); err != nil {
		return fmt.Errorf("add counters to table %s: %w", table, err)
	}
	k.logger.Debug("Restored counters", "table", table, "entries", len(cs))
	return nil
}

// Supports asks the kernel whether it has a revision of an extension. The
// kernel loads the extension module on demand while answering.
func (k *Kernel) Supports(name string, kind extension.Kind, family extension.Family, revision uint8) (bool, error) {
	kk := k
	if family != extension.Unspec && family != k.family {
		kk = &Kernel{family: family, logger: k.logger}
	}
	fd, level, err := kk.socket()
	if err != nil {
		return false, err
	}
	defer unix.Close(fd)

	opt := abi.SoGetRevisionMatch
	if kind == extension.Target {
		opt = abi.SoGetRevisionTarget
	}
	w := abi.NewWriter(1)
	w.String(name, abi.ExtensionMaxNameLen)
	w.Uint8(revision)

	_, err = getsockopt(fd, level, opt, w.Bytes())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EPROTONOSUPPORT), errors.Is(err, unix.ENOENT):
		return false, nil
	}
	return false, fmt.Errorf("check %s %s revision %d: %w", kind, name, revision, err)
}
