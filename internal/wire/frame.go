package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame writes one u16 length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wire: frame too large: %d bytes", len(payload))
	}
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteDatagram frames and writes a datagram.
func WriteDatagram(w io.Writer, dg *Datagram) error {
	return WriteFrame(w, dg.Bytes())
}

// ReadFrame reads one u16 length-prefixed frame. It returns io.EOF on a
// clean close before the prefix and io.ErrUnexpectedEOF on a short body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(hdr[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
