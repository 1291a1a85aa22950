package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
)

func TestConnRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	left := NewConn(a)
	right := NewConn(b)
	defer left.Close()
	defer right.Close()

	dg := wire.ServerDatagram(proto.StateServerChannel, 42, proto.StateServerGetShardAll)
	dg.AddString("payload")

	done := make(chan error, 1)
	go func() { done <- left.WriteDatagram(dg) }()

	payload, err := right.ReadDatagram()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, dg.Bytes(), payload)
}

func TestConnCloseIsIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewConn(a)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestListenerServesAndStops(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- ln.Serve(ctx, func(c net.Conn) { accepted <- c }) }()

	raw, err := net.Dial("tcp", ln.Addr())
	require.NoError(t, err)
	defer raw.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("connection not accepted")
	}

	cancel()
	select {
	case err := <-serveDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not stop")
	}
}

func TestConnectorControlShapes(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)
	defer ln.Close()

	peerFrames := make(chan []byte, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx, func(raw net.Conn) {
		conn := NewConn(raw)
		for {
			payload, err := conn.ReadDatagram()
			if err != nil {
				return
			}
			peerFrames <- payload
		}
	})

	c, err := DialMDRetry(ctx, ln.Addr(), zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Subscribe(proto.Channel(7000)))

	inner := wire.ServerDatagram(7001, 7000, proto.StateServerObjectDeleteRAM)
	inner.AddUint32(55)
	require.NoError(t, c.AddPostRemove(proto.Channel(7000), inner))

	// SET_CHANNEL control frame.
	next := func() *wire.Iterator {
		select {
		case payload := <-peerFrames:
			return wire.NewIterator(payload)
		case <-time.After(2 * time.Second):
			t.Fatal("no frame from connector")
			return nil
		}
	}

	it := next()
	count, err := it.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(1), count)
	dst, err := it.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, proto.ControlMessage, dst)
	ctl, err := it.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, proto.ControlSetChannel, ctl)
	ch, err := it.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(7000), ch)

	// ADD_POST_REMOVE carries the inner datagram as a blob.
	it = next()
	_, err = it.ReadUint8()
	require.NoError(t, err)
	_, err = it.ReadUint64()
	require.NoError(t, err)
	ctl, err = it.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, proto.ControlAddPostRemove, ctl)
	ch, err = it.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(7000), ch)
	carried, err := it.ReadBlob()
	require.NoError(t, err)
	assert.Equal(t, inner.Bytes(), carried)
}

func TestDialMDRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := DialMDRetry(ctx, "127.0.0.1:1", zerolog.Nop())
	assert.Error(t, err)
}
