package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated reports a read past the end of a datagram. Boundary handlers
// treat it as a framing error (drop the peer, or CLIENT_GO_GET_LOST with the
// truncated-datagram code externally).
var ErrTruncated = errors.New("wire: truncated datagram")

// Iterator reads typed values sequentially from a datagram payload.
type Iterator struct {
	buf []byte
	off int
}

// NewIterator wraps a received payload. The iterator does not copy.
func NewIterator(b []byte) *Iterator {
	return &Iterator{buf: b}
}

func (it *Iterator) need(n int) error {
	if it.off+n > len(it.buf) {
		return fmt.Errorf("%w: want %d bytes at offset %d of %d", ErrTruncated, n, it.off, len(it.buf))
	}
	return nil
}

func (it *Iterator) ReadUint8() (uint8, error) {
	if err := it.need(1); err != nil {
		return 0, err
	}
	v := it.buf[it.off]
	it.off++
	return v, nil
}

func (it *Iterator) ReadUint16() (uint16, error) {
	if err := it.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(it.buf[it.off:])
	it.off += 2
	return v, nil
}

func (it *Iterator) ReadUint32() (uint32, error) {
	if err := it.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(it.buf[it.off:])
	it.off += 4
	return v, nil
}

func (it *Iterator) ReadUint64() (uint64, error) {
	if err := it.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(it.buf[it.off:])
	it.off += 8
	return v, nil
}

func (it *Iterator) ReadInt32() (int32, error) {
	v, err := it.ReadUint32()
	return int32(v), err
}

// ReadString reads a u16 length-prefixed string.
func (it *Iterator) ReadString() (string, error) {
	b, err := it.ReadBlob()
	return string(b), err
}

// ReadBlob reads a u16 length-prefixed byte block. The returned slice
// aliases the underlying buffer.
func (it *Iterator) ReadBlob() ([]byte, error) {
	n, err := it.ReadUint16()
	if err != nil {
		return nil, err
	}
	if err := it.need(int(n)); err != nil {
		return nil, err
	}
	b := it.buf[it.off : it.off+int(n)]
	it.off += int(n)
	return b, nil
}

// ReadData reads n raw bytes.
func (it *Iterator) ReadData(n int) ([]byte, error) {
	if err := it.need(n); err != nil {
		return nil, err
	}
	b := it.buf[it.off : it.off+n]
	it.off += n
	return b, nil
}

// Remaining returns all unread bytes without consuming them.
func (it *Iterator) Remaining() []byte { return it.buf[it.off:] }

// RemainingLen returns how many bytes are left.
func (it *Iterator) RemainingLen() int { return len(it.buf) - it.off }

// Offset returns the current read position.
func (it *Iterator) Offset() int { return it.off }

// Since returns the bytes consumed between a prior Offset value and the
// current position.
func (it *Iterator) Since(start int) []byte { return it.buf[start:it.off] }

// Skip advances the read position by n bytes.
func (it *Iterator) Skip(n int) error {
	if err := it.need(n); err != nil {
		return err
	}
	it.off += n
	return nil
}
