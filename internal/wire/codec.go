// Package wire implements the agent's control-channel wire format: the
// request/response RPC envelope and the feed messages pushed by the
// control server, all big-endian and length-implicit (one UDP datagram
// is one message).
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a decode runs past the end of the datagram.
var ErrShortBuffer = errors.New("wire: short buffer")

// writer accumulates an outgoing datagram.
type writer struct {
	buf []byte
}

func newWriter() *writer { return &writer{buf: make([]byte, 0, 256)} }

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

// bytesLenPrefixed writes a u16 length followed by the bytes. Use only when
// more fields follow; a trailing byte slice can instead be written with raw
// and read with the reader's rest().
func (w *writer) bytesLenPrefixed(b []byte) {
	w.u16(uint16(len(b)))
	w.raw(b)
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// reader consumes a decoded datagram.
type reader struct {
	buf []byte
	off int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return ErrShortBuffer
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bool() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *reader) bytesLenPrefixed() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b, nil
}

// rest returns a copy of everything remaining in the datagram, consuming it.
func (r *reader) rest() []byte {
	b := make([]byte, len(r.buf)-r.off)
	copy(b, r.buf[r.off:])
	r.off = len(r.buf)
	return b
}

func (r *reader) eof() bool { return r.off >= len(r.buf) }
