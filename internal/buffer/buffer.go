// Package buffer provides the byte buffer shared by the codec and the
// transport read/write paths.
package buffer

import (
	"encoding/binary"
)

// Buffer is a wrapper around a slice of bytes with independent
// read and write positions.
type Buffer struct {
	b []byte
	i int
}

// New creates a new Buffer with b as its initial contents.
// Used to interop with any []byte.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Bytes returns a slice of the unread portion of the buffer.
// The slice aliases the buffer content at least until the next
// buffer modification.
func (b *Buffer) Bytes() []byte {
	return b.b[b.i:]
}

// Detach returns the underlying byte slice, disassociating it from the buffer.
func (b *Buffer) Detach() []byte {
	temp := b.b
	b.b = nil
	b.i = 0
	return temp
}

// Skip advances the read position by n.
func (b *Buffer) Skip(n int) {
	b.i += n
}

// Reset resets the read and write positions to zero, retaining
// the underlying storage for future writes.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.i = 0
}

// Reclaim shifts the unread portion of the buffer to the beginning of
// the underlying storage, freeing capacity for future reads.
func (b *Buffer) Reclaim() {
	l := b.Len()
	copy(b.b[:l], b.b[b.i:])
	b.b = b.b[:l]
	b.i = 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.i
}

// Size returns the total number of bytes written, read or unread.
func (b *Buffer) Size() int {
	return len(b.b)
}

// ReadByte reads one byte from the buffer.
func (b *Buffer) ReadByte() (byte, error) {
	if b.i == len(b.b) {
		return 0, errBufferTooSmall
	}

	n := b.b[b.i]
	b.i++
	return n, nil
}

// PeekByte returns the next byte without advancing the read position.
func (b *Buffer) PeekByte() (byte, error) {
	if b.i == len(b.b) {
		return 0, errBufferTooSmall
	}
	return b.b[b.i], nil
}

// ReadUint16 reads two bytes as a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Len() < 2 {
		return 0, errBufferTooSmall
	}

	n := binary.BigEndian.Uint16(b.b[b.i:])
	b.i += 2
	return n, nil
}

// ReadUint32 reads four bytes as a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Len() < 4 {
		return 0, errBufferTooSmall
	}

	n := binary.BigEndian.Uint32(b.b[b.i:])
	b.i += 4
	return n, nil
}

// ReadUint64 reads eight bytes as a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Len() < 8 {
		return 0, errBufferTooSmall
	}

	n := binary.BigEndian.Uint64(b.b[b.i:])
	b.i += 8
	return n, nil
}

// ReadFromOnce reads from r into the unused capacity of the buffer,
// growing it as needed, and appends the data read.
func (b *Buffer) ReadFromOnce(r reader) error {
	const minRead = 512

	l := len(b.b)
	if cap(b.b)-l < minRead {
		total := l * 2
		if total == 0 {
			total = minRead
		}
		new := make([]byte, l, total)
		copy(new, b.b)
		b.b = new
	}

	n, err := r.Read(b.b[l:cap(b.b)])
	b.b = b.b[:l+n]
	return err
}

// Append appends p to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.b = append(b.b, p...)
}

// AppendByte appends bb to the end of the buffer.
func (b *Buffer) AppendByte(bb byte) {
	b.b = append(b.b, bb)
}

// AppendString appends s to the end of the buffer.
func (b *Buffer) AppendString(s string) {
	b.b = append(b.b, s...)
}

// AppendUint16 appends n to the buffer in big-endian order.
func (b *Buffer) AppendUint16(n uint16) {
	b.b = append(b.b,
		byte(n>>8),
		byte(n),
	)
}

// AppendUint32 appends n to the buffer in big-endian order.
func (b *Buffer) AppendUint32(n uint32) {
	b.b = append(b.b,
		byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}

// AppendUint64 appends n to the buffer in big-endian order.
func (b *Buffer) AppendUint64(n uint64) {
	b.b = append(b.b,
		byte(n>>56),
		byte(n>>48),
		byte(n>>40),
		byte(n>>32),
		byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}

// Next returns a slice containing the next n bytes from the buffer
// and advances the read position.  The bool is false if fewer than
// n bytes remain; the buffer is not modified in that case.
func (b *Buffer) Next(n int64) ([]byte, bool) {
	if b.i+int(n) > len(b.b) {
		return nil, false
	}

	slice := b.b[b.i : b.i+int(n)]
	b.i += int(n)
	return slice, true
}

type reader interface {
	Read(p []byte) (int, error)
}

type bufferError string

func (e bufferError) Error() string { return string(e) }

const errBufferTooSmall bufferError = "buffer too small"
