package md

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toonlabs/otpd/internal/node"
	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
)

func newTestServer() *Server {
	return New(Config{Addr: "127.0.0.1:0"}, zerolog.Nop(), nil)
}

// pipePeer is a participant backed by net.Pipe, with the far end's received
// frames pushed onto a channel.
func pipePeer(t *testing.T) (*participant, <-chan []byte) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	received := make(chan []byte, 64)
	go func() {
		br := bufio.NewReader(client)
		for {
			frame, err := wire.ReadFrame(br)
			if err != nil {
				close(received)
				return
			}
			received <- frame
		}
	}()
	return &participant{conn: node.NewConn(server), addr: "pipe"}, received
}

func bind(s *Server, p *participant, ch proto.Channel) {
	s.dispatch(p, wire.ControlDatagram(proto.ControlSetChannel, ch).Bytes())
}

func routed(dst, src proto.Channel, msgType uint16, body ...byte) []byte {
	dg := wire.ServerDatagram(dst, src, msgType)
	dg.AddData(body)
	return dg.Bytes()
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func assertSilent(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case frame := <-ch:
		t.Fatalf("unexpected frame: %v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetRemoveChannel(t *testing.T) {
	s := newTestServer()
	p, got := pipePeer(t)

	bind(s, p, 10)
	bind(s, p, 20)
	bind(s, p, 30)
	s.dispatch(p, wire.ControlDatagram(proto.ControlRemoveChannel, 20).Bytes())

	s.dispatch(p, routed(10, 1, 100))
	s.dispatch(p, routed(20, 1, 100))
	s.dispatch(p, routed(30, 1, 100))
	s.flush()

	first := recv(t, got)
	second := recv(t, got)
	assert.Equal(t, routed(10, 1, 100), first)
	assert.Equal(t, routed(30, 1, 100), second)
	assertSilent(t, got)
}

func TestFirstBindingWins(t *testing.T) {
	s := newTestServer()
	a, gotA := pipePeer(t)
	b, gotB := pipePeer(t)

	bind(s, a, 42)
	bind(s, b, 42)

	s.dispatch(a, routed(42, 1, 7))
	s.flush()

	recv(t, gotA)
	assertSilent(t, gotB)
	assert.False(t, b.hasChannel(42))
}

func TestRoutedVerbatim(t *testing.T) {
	s := newTestServer()
	p, got := pipePeer(t)
	bind(s, p, 555)

	dg := wire.ServerDatagram(555, 77, 2004)
	dg.AddUint32(1234)
	dg.AddString("payload bytes")
	s.dispatch(p, dg.Bytes())
	s.flush()

	assert.Equal(t, dg.Bytes(), recv(t, got))
}

func TestUnboundDestinationDropped(t *testing.T) {
	s := newTestServer()
	p, got := pipePeer(t)
	bind(s, p, 1)

	s.dispatch(p, routed(999, 1, 7))
	s.flush()
	assertSilent(t, got)
}

func TestControlProcessedInline(t *testing.T) {
	s := newTestServer()
	p, _ := pipePeer(t)

	// No flush between bind and the check: control must not be queued.
	bind(s, p, 77)
	assert.Same(t, p, s.table[77])
}

func TestPostRemoveReplayOrder(t *testing.T) {
	s := newTestServer()
	a, _ := pipePeer(t)
	b, gotB := pipePeer(t)

	bind(s, a, 5)
	bind(s, b, 77)

	for i := byte(1); i <= 3; i++ {
		dg := wire.ControlDatagram(proto.ControlAddPostRemove, 5)
		inner := wire.ServerDatagram(77, 5, 100)
		inner.AddUint8(i)
		dg.AddDatagram(inner)
		s.dispatch(a, dg.Bytes())
	}

	s.disconnectPeer(a)
	s.flush()

	for i := byte(1); i <= 3; i++ {
		frame := recv(t, gotB)
		it := wire.NewIterator(frame)
		it.Skip(1 + 8 + 8 + 2)
		marker, err := it.ReadUint8()
		require.NoError(t, err)
		assert.Equal(t, i, marker)
	}

	// Channel 5 is gone from routing.
	_, bound := s.table[5]
	assert.False(t, bound)
}

func TestClearPostRemove(t *testing.T) {
	s := newTestServer()
	a, _ := pipePeer(t)
	b, gotB := pipePeer(t)

	bind(s, a, 5)
	bind(s, b, 77)

	dg := wire.ControlDatagram(proto.ControlAddPostRemove, 5)
	dg.AddDatagram(wire.ServerDatagram(77, 5, 100))
	s.dispatch(a, dg.Bytes())
	s.dispatch(a, wire.ControlDatagram(proto.ControlClearPostRemove, 5).Bytes())

	s.disconnectPeer(a)
	s.flush()
	assertSilent(t, gotB)
}

func TestExplicitRemoveReplaysPostRemoves(t *testing.T) {
	s := newTestServer()
	a, _ := pipePeer(t)
	b, gotB := pipePeer(t)

	bind(s, a, 5)
	bind(s, b, 77)

	dg := wire.ControlDatagram(proto.ControlAddPostRemove, 5)
	dg.AddDatagram(wire.ServerDatagram(77, 5, 100))
	s.dispatch(a, dg.Bytes())

	s.dispatch(a, wire.ControlDatagram(proto.ControlRemoveChannel, 5).Bytes())
	s.flush()
	recv(t, gotB)
}

func TestRangeAndConNameAccepted(t *testing.T) {
	s := newTestServer()
	p, _ := pipePeer(t)

	s.dispatch(p, wire.ControlDatagram(proto.ControlAddRange, 100).Bytes())
	s.dispatch(p, wire.ControlDatagram(proto.ControlRemoveRange, 100).Bytes())
	s.dispatch(p, wire.ControlDatagram(proto.ControlSetConName, 0).Bytes())
	s.dispatch(p, wire.ControlDatagram(proto.ControlSetConURL, 0).Bytes())
	// Nothing to assert beyond not panicking and not binding anything.
	assert.Empty(t, s.table)
}

func TestQueueLimit(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", QueueLimit: 2}, zerolog.Nop(), nil)
	p, got := pipePeer(t)
	bind(s, p, 9)

	for i := 0; i < 5; i++ {
		s.dispatch(p, routed(9, 1, 7))
	}
	s.flush()

	recv(t, got)
	recv(t, got)
	assertSilent(t, got)
}

func TestOverTCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestServer()
	require.NoError(t, s.Start(ctx))

	dial := func() (*node.Conn, *bufio.Reader, net.Conn) {
		raw, err := net.Dial("tcp", s.Addr())
		require.NoError(t, err)
		return node.NewConn(raw), bufio.NewReader(raw), raw
	}

	sub, subReader, _ := dial()
	pub, _, pubRaw := dial()

	require.NoError(t, sub.WriteDatagram(wire.ControlDatagram(proto.ControlSetChannel, 1234)))

	// Give the event loop a beat to process the bind before publishing.
	time.Sleep(50 * time.Millisecond)

	dg := wire.ServerDatagram(1234, 1, 42)
	dg.AddString("over tcp")
	require.NoError(t, pub.WriteDatagram(dg))

	frame, err := wire.ReadFrame(subReader)
	require.NoError(t, err)
	assert.Equal(t, dg.Bytes(), frame)

	// Post-remove across real disconnect.
	pr := wire.ControlDatagram(proto.ControlAddPostRemove, 5555)
	inner := wire.ServerDatagram(1234, 5555, 43)
	inner.AddString("goodbye")
	pr.AddDatagram(inner)
	require.NoError(t, pub.WriteDatagram(wire.ControlDatagram(proto.ControlSetChannel, 5555)))
	require.NoError(t, pub.WriteDatagram(pr))
	time.Sleep(50 * time.Millisecond)
	pubRaw.Close()

	frame, err = wire.ReadFrame(subReader)
	require.NoError(t, err)
	assert.Equal(t, inner.Bytes(), frame)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}
