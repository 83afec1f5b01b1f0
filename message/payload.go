package message

import (
	"encoding/binary"
	"fmt"
)

// Writer packs int32 fields and byte blobs into a payload.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given capacity hint.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Int32 appends a big endian int32.
func (w *Writer) Int32(v int32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
	return w
}

// Names appends a length-prefixed array of actor names.
func (w *Writer) Names(names []ActorName) *Writer {
	w.Int32(int32(len(names)))
	for _, name := range names {
		w.Int32(int32(name))
	}
	return w
}

// Bytes appends raw bytes without a length prefix.
func (w *Writer) Bytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Payload returns the packed bytes.
func (w *Writer) Payload() []byte {
	return w.buf
}

// Reader unpacks what a Writer packed.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps a payload.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Int32 reads a big endian int32.
func (r *Reader) Int32() (int32, error) {
	if len(r.buf)-r.off < 4 {
		return 0, fmt.Errorf("%w: need 4 bytes at offset %d", ErrShortFrame, r.off)
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v, nil
}

// Names reads a length-prefixed array of actor names.
func (r *Reader) Names() ([]ActorName, error) {
	n, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > (len(r.buf)-r.off)/4 {
		return nil, fmt.Errorf("%w: name list of %d entries", ErrShortFrame, n)
	}
	names := make([]ActorName, n)
	for i := range names {
		v, _ := r.Int32()
		names[i] = ActorName(v)
	}
	return names, nil
}

// Bytes reads n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrShortFrame, n, r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Remaining returns the unread bytes.
func (r *Reader) Remaining() []byte {
	return r.buf[r.off:]
}

// PackInt32 packs a single int32 payload.
func PackInt32(v int32) []byte {
	return NewWriter(4).Int32(v).Payload()
}

// UnpackInt32 unpacks a single int32 payload.
func UnpackInt32(payload []byte) (int32, error) {
	return NewReader(payload).Int32()
}

// PackName packs an actor name payload.
func PackName(name ActorName) []byte {
	return PackInt32(int32(name))
}

// UnpackName unpacks an actor name payload.
func UnpackName(payload []byte) (ActorName, error) {
	v, err := UnpackInt32(payload)
	return ActorName(v), err
}
