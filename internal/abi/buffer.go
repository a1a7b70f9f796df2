package abi

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/nftables/binaryutil"
)

// ErrShortBuffer is returned when a Reader runs past the end of its input.
var ErrShortBuffer = errors.New("short buffer")

// Writer builds a packed kernel structure. Fields are appended in host byte
// order; padding is always explicit and always zero, so equal input produces
// identical bytes.
type Writer struct {
	buf   []byte
	align int
}

// NewWriter returns a Writer whose Align method pads to align bytes.
func NewWriter(align int) *Writer {
	return &Writer{align: align}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the written bytes. The slice aliases the Writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Uint16(v uint16) {
	w.buf = append(w.buf, binaryutil.NativeEndian.PutUint16(v)...)
}

func (w *Writer) Uint32(v uint32) {
	w.buf = append(w.buf, binaryutil.NativeEndian.PutUint32(v)...)
}

func (w *Writer) Int32(v int32) { w.Uint32(uint32(v)) }

func (w *Writer) Uint64(v uint64) {
	w.buf = append(w.buf, binaryutil.NativeEndian.PutUint64(v)...)
}

// Long writes an unsigned long (or pointer-sized) field.
func (w *Writer) Long(v uint64) {
	if LongSize == 8 {
		w.Uint64(v)
		return
	}
	w.Uint32(uint32(v))
}

// Raw appends b unchanged.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Zero appends n zero bytes.
func (w *Writer) Zero(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// String writes s into a fixed field of size bytes, NUL padded. s must be
// shorter than size; callers validate names before they get here.
func (w *Writer) String(s string, size int) {
	if len(s) >= size {
		panic(fmt.Sprintf("abi: %q does not fit in a %d byte field", s, size))
	}
	w.buf = append(w.buf, s...)
	w.Zero(size - len(s))
}

// PadTo zero-fills up to absolute offset n. It is a no-op when the Writer
// is already at or beyond n.
func (w *Writer) PadTo(n int) {
	if n > len(w.buf) {
		w.Zero(n - len(w.buf))
	}
}

// Pad aligns the write position to a multiple of a.
func (w *Writer) Pad(a int) { w.PadTo(AlignUp(len(w.buf), a)) }

// Align pads to the Writer's own alignment.
func (w *Writer) Align() { w.Pad(w.align) }

// PutUint16At back-patches a size or offset field written earlier.
func (w *Writer) PutUint16At(off int, v uint16) {
	copy(w.buf[off:], binaryutil.NativeEndian.PutUint16(v))
}

// PutUint32At back-patches a 32-bit field written earlier.
func (w *Writer) PutUint32At(off int, v uint32) {
	copy(w.buf[off:], binaryutil.NativeEndian.PutUint32(v))
}

// Reader decodes a packed kernel structure. Errors are sticky: once a read
// runs past the end, every later read returns zero values and Err reports
// ErrShortBuffer.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Offset returns the current read position.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binaryutil.NativeEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binaryutil.NativeEndian.Uint32(b)
}

func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

func (r *Reader) Uint64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binaryutil.NativeEndian.Uint64(b)
}

// Long reads an unsigned long (or pointer-sized) field.
func (r *Reader) Long() uint64 {
	if LongSize == 8 {
		return r.Uint64()
	}
	return uint64(r.Uint32())
}

// Raw returns the next n bytes as a copy.
func (r *Reader) Raw(n int) []byte {
	b := r.next(n)
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}

// String reads a fixed NUL-padded field of size bytes.
func (r *Reader) String(size int) string {
	b := r.next(size)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Skip advances n bytes.
func (r *Reader) Skip(n int) { r.next(n) }

// Pad skips to the next multiple of a.
func (r *Reader) Pad(a int) {
	if n := AlignUp(r.off, a) - r.off; n > 0 && r.off < len(r.buf) {
		r.next(n)
	}
}
