// Package wire implements the datagram codec used on both the internal bus
// and the external client stream: an append-only writer (Datagram), a
// sequential reader (Iterator), and the u16 length-prefixed frame transport.
// All integers are little-endian; strings and blobs carry a u16 byte-length
// prefix.
package wire

import (
	"encoding/binary"

	"github.com/toonlabs/otpd/internal/proto"
)

// MaxFrameSize is the largest payload a u16 length prefix can describe.
const MaxFrameSize = 0xFFFF

// Datagram is an append-only message buffer. The zero value is ready to use.
type Datagram struct {
	buf []byte
}

// NewDatagram returns an empty datagram with a small preallocated buffer.
func NewDatagram() *Datagram {
	return &Datagram{buf: make([]byte, 0, 64)}
}

// ServerDatagram builds a routed internal datagram header:
// channel count (1), destination, sender, message type.
func ServerDatagram(dst, src proto.Channel, msgType uint16) *Datagram {
	dg := NewDatagram()
	dg.AddUint8(1)
	dg.AddUint64(dst)
	dg.AddUint64(src)
	dg.AddUint16(msgType)
	return dg
}

// ControlDatagram builds a control header addressed to the reserved control
// channel: channel count (1), CONTROL_MESSAGE, control type, channel argument.
func ControlDatagram(ctlType uint16, channel proto.Channel) *Datagram {
	dg := NewDatagram()
	dg.AddUint8(1)
	dg.AddUint64(proto.ControlMessage)
	dg.AddUint16(ctlType)
	dg.AddUint64(channel)
	return dg
}

// ClientDatagram builds an external client frame: message type only.
func ClientDatagram(msgType uint16) *Datagram {
	dg := NewDatagram()
	dg.AddUint16(msgType)
	return dg
}

func (d *Datagram) AddUint8(v uint8) {
	d.buf = append(d.buf, v)
}

func (d *Datagram) AddUint16(v uint16) {
	d.buf = binary.LittleEndian.AppendUint16(d.buf, v)
}

func (d *Datagram) AddUint32(v uint32) {
	d.buf = binary.LittleEndian.AppendUint32(d.buf, v)
}

func (d *Datagram) AddUint64(v uint64) {
	d.buf = binary.LittleEndian.AppendUint64(d.buf, v)
}

func (d *Datagram) AddInt32(v int32) {
	d.AddUint32(uint32(v))
}

// AddString appends a u16 length-prefixed UTF-8 string.
func (d *Datagram) AddString(s string) {
	d.AddUint16(uint16(len(s)))
	d.buf = append(d.buf, s...)
}

// AddBlob appends a u16 length-prefixed byte block.
func (d *Datagram) AddBlob(b []byte) {
	d.AddUint16(uint16(len(b)))
	d.buf = append(d.buf, b...)
}

// AddData appends raw bytes with no prefix.
func (d *Datagram) AddData(b []byte) {
	d.buf = append(d.buf, b...)
}

// AddDatagram appends another datagram's bytes with a u16 length prefix,
// the shape CONTROL_ADD_POST_REMOVE uses to carry its inner datagram.
func (d *Datagram) AddDatagram(inner *Datagram) {
	d.AddBlob(inner.Bytes())
}

// Bytes returns the underlying buffer. The caller must not retain it across
// further Add calls.
func (d *Datagram) Bytes() []byte { return d.buf }

// Len returns the current payload length.
func (d *Datagram) Len() int { return len(d.buf) }
