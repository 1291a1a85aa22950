// Package node carries the TCP plumbing shared by every cluster component:
// framed connections, the Message Director connector with channel
// subscription helpers, and the accept loop.
package node

import (
	"bufio"
	"net"
	"sync"

	"github.com/toonlabs/otpd/internal/wire"
)

// Conn wraps a TCP stream with buffered frame IO. Reads happen from one
// goroutine; writes are serialized by a mutex so event loops and timers can
// share the write side.
type Conn struct {
	raw net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer

	wmu  sync.Mutex
	once sync.Once
}

// NewConn wraps an accepted or dialed connection.
func NewConn(raw net.Conn) *Conn {
	return &Conn{
		raw: raw,
		br:  bufio.NewReaderSize(raw, 16*1024),
		bw:  bufio.NewWriterSize(raw, 16*1024),
	}
}

// ReadDatagram blocks for the next frame payload.
func (c *Conn) ReadDatagram() ([]byte, error) {
	return wire.ReadFrame(c.br)
}

// WriteDatagram frames, writes, and flushes one datagram.
func (c *Conn) WriteDatagram(dg *wire.Datagram) error {
	return c.WriteRaw(dg.Bytes())
}

// WriteRaw frames, writes, and flushes a pre-serialized payload.
func (c *Conn) WriteRaw(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wire.WriteFrame(c.bw, payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Close shuts the connection down once; later calls are no-ops.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() { err = c.raw.Close() })
	return err
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}
