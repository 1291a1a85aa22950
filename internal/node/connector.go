package node

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
)

// Sender is the bus-facing surface a component uses to talk to the Message
// Director. Tests substitute a recording implementation.
type Sender interface {
	Send(dg *wire.Datagram) error
	Subscribe(ch proto.Channel) error
	Unsubscribe(ch proto.Channel) error
	AddPostRemove(ch proto.Channel, inner *wire.Datagram) error
	ClearPostRemove(ch proto.Channel) error
}

// Connector is one peer link to the Message Director. Received frames are
// pushed to Inbox by the read loop; the owning event loop selects on it.
// Inbox closes when the link dies.
type Connector struct {
	conn  *Conn
	log   zerolog.Logger
	Inbox chan []byte
}

// DialMD connects to the Message Director at addr.
func DialMD(ctx context.Context, addr string, log zerolog.Logger) (*Connector, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("node: dial message director %s: %w", addr, err)
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	c := &Connector{
		conn:  NewConn(raw),
		log:   log.With().Str("md", addr).Logger(),
		Inbox: make(chan []byte, 1024),
	}
	go c.readLoop()
	return c, nil
}

func (c *Connector) readLoop() {
	defer close(c.Inbox)
	for {
		payload, err := c.conn.ReadDatagram()
		if err != nil {
			c.log.Debug().Err(err).Msg("message director link closed")
			return
		}
		c.Inbox <- payload
	}
}

// Send writes one datagram to the bus.
func (c *Connector) Send(dg *wire.Datagram) error {
	return c.conn.WriteDatagram(dg)
}

// Subscribe binds ch to this peer at the Message Director.
func (c *Connector) Subscribe(ch proto.Channel) error {
	return c.Send(wire.ControlDatagram(proto.ControlSetChannel, ch))
}

// Unsubscribe drops the binding, replaying any post-removes first.
func (c *Connector) Unsubscribe(ch proto.Channel) error {
	return c.Send(wire.ControlDatagram(proto.ControlRemoveChannel, ch))
}

// AddPostRemove registers a pre-serialized datagram to be replayed when ch
// is removed from routing.
func (c *Connector) AddPostRemove(ch proto.Channel, inner *wire.Datagram) error {
	dg := wire.ControlDatagram(proto.ControlAddPostRemove, ch)
	dg.AddDatagram(inner)
	return c.Send(dg)
}

// ClearPostRemove discards the post-remove queue for ch.
func (c *Connector) ClearPostRemove(ch proto.Channel) error {
	return c.Send(wire.ControlDatagram(proto.ControlClearPostRemove, ch))
}

// Close tears the link down. The read loop exits and Inbox closes.
func (c *Connector) Close() error {
	return c.conn.Close()
}

// DialMDRetry dials with backoff until ctx is done. Components started
// together with the Message Director use it to ride out startup order.
func DialMDRetry(ctx context.Context, addr string, log zerolog.Logger) (*Connector, error) {
	backoff := 50 * time.Millisecond
	for {
		c, err := DialMD(ctx, addr, log)
		if err == nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}
