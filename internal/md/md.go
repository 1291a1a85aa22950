// Package md implements the Message Director, the routing fabric every
// other component connects to. Peers bind 64-bit channels with control
// messages; routed datagrams are forwarded verbatim to whichever peer holds
// the destination channel, best effort.
package md

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/toonlabs/otpd/internal/monitoring"
	"github.com/toonlabs/otpd/internal/node"
	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
)

const (
	defaultFlushInterval = time.Millisecond
	defaultQueueLimit    = 16384
)

// Config carries the Message Director settings.
type Config struct {
	Addr          string
	FlushInterval time.Duration
	// QueueLimit bounds the routed-datagram deque. Datagrams arriving
	// with the queue full are dropped.
	QueueLimit int
}

// participant is one connected peer and the channels it has bound, in
// registration order.
type participant struct {
	conn     *node.Conn
	channels []proto.Channel
	addr     string
}

func (p *participant) hasChannel(ch proto.Channel) bool {
	for _, c := range p.channels {
		if c == ch {
			return true
		}
	}
	return false
}

func (p *participant) dropChannel(ch proto.Channel) {
	for i, c := range p.channels {
		if c == ch {
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			return
		}
	}
}

type peerEvent struct {
	p *participant
	// payload is one received frame; nil marks a disconnect.
	payload []byte
}

// Server is the Message Director. All routing state is owned by the event
// loop goroutine; connection readers only push into inbox.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	metrics *monitoring.MDMetrics

	listener *node.Listener
	inbox    chan peerEvent
	done     chan struct{}

	table       map[proto.Channel]*participant
	postRemoves map[proto.Channel][][]byte
	queue       [][]byte
}

// New builds an unstarted server.
func New(cfg Config, log zerolog.Logger, metrics *monitoring.MDMetrics) *Server {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = defaultQueueLimit
	}
	return &Server{
		cfg:         cfg,
		log:         log.With().Str("component", "messagedirector").Logger(),
		metrics:     metrics,
		inbox:       make(chan peerEvent, 4096),
		done:        make(chan struct{}),
		table:       make(map[proto.Channel]*participant),
		postRemoves: make(map[proto.Channel][][]byte),
	}
}

// Start binds the listen address and launches the accept and event loops.
// Cancel ctx to stop; Done is closed once the loop drains out.
func (s *Server) Start(ctx context.Context) error {
	ln, err := node.Listen(s.cfg.Addr, s.log)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr()).Msg("message director listening")

	go func() {
		if err := ln.Serve(ctx, s.handlePeer); err != nil {
			s.log.Error().Err(err).Msg("accept loop failed")
		}
	}()
	go s.run(ctx)
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.listener.Addr() }

// Done is closed when the event loop has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) handlePeer(raw net.Conn) {
	p := &participant{conn: node.NewConn(raw), addr: raw.RemoteAddr().String()}
	for {
		payload, err := p.conn.ReadDatagram()
		if err != nil {
			s.inbox <- peerEvent{p: p}
			return
		}
		s.inbox <- peerEvent{p: p, payload: payload}
	}
}

func (s *Server) run(ctx context.Context) {
	defer close(s.done)
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case ev := <-s.inbox:
			if ev.payload == nil {
				s.disconnectPeer(ev.p)
			} else {
				s.dispatch(ev.p, ev.payload)
			}
		case <-flush.C:
			s.flush()
		}
	}
}

// dispatch handles one datagram from a peer. Control messages run inline;
// routed datagrams join the flush queue.
func (s *Server) dispatch(p *participant, payload []byte) {
	it := wire.NewIterator(payload)
	if _, err := it.ReadUint8(); err != nil {
		s.log.Warn().Str("peer", p.addr).Err(err).Msg("dropping malformed datagram")
		return
	}
	dst, err := it.ReadUint64()
	if err != nil {
		s.log.Warn().Str("peer", p.addr).Err(err).Msg("dropping malformed datagram")
		return
	}
	if dst == proto.ControlMessage {
		s.handleControl(p, it)
		return
	}
	if len(s.queue) >= s.cfg.QueueLimit {
		s.log.Warn().Uint64("channel", dst).Msg("queue full, dropping datagram")
		if s.metrics != nil {
			s.metrics.Dropped.Inc()
		}
		return
	}
	s.queue = append(s.queue, payload)
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
	}
}

func (s *Server) handleControl(p *participant, it *wire.Iterator) {
	ctlType, err := it.ReadUint16()
	if err != nil {
		s.log.Warn().Str("peer", p.addr).Err(err).Msg("dropping malformed control")
		return
	}
	ch, err := it.ReadUint64()
	if err != nil {
		s.log.Warn().Str("peer", p.addr).Err(err).Msg("dropping malformed control")
		return
	}

	switch ctlType {
	case proto.ControlSetChannel:
		s.setChannel(p, ch)
	case proto.ControlRemoveChannel:
		s.removeChannel(p, ch)
	case proto.ControlAddPostRemove:
		inner, err := it.ReadBlob()
		if err != nil {
			s.log.Warn().Str("peer", p.addr).Err(err).Msg("dropping malformed post-remove")
			return
		}
		cp := make([]byte, len(inner))
		copy(cp, inner)
		s.postRemoves[ch] = append(s.postRemoves[ch], cp)
	case proto.ControlClearPostRemove:
		delete(s.postRemoves, ch)
	case proto.ControlAddRange, proto.ControlRemoveRange,
		proto.ControlSetConName, proto.ControlSetConURL:
		// Accepted and ignored.
	default:
		s.log.Warn().Uint16("ctl_type", ctlType).Str("peer", p.addr).Msg("unknown control message")
	}
}

func (s *Server) setChannel(p *participant, ch proto.Channel) {
	if bound, ok := s.table[ch]; ok {
		if bound != p {
			s.log.Warn().Uint64("channel", ch).Str("peer", p.addr).Msg("channel already bound, rejecting")
		}
		return
	}
	s.table[ch] = p
	p.channels = append(p.channels, ch)
	if s.metrics != nil {
		s.metrics.Participants.Set(float64(len(s.table)))
	}
}

// removeChannel replays the channel's post-removes, then unbinds it.
func (s *Server) removeChannel(p *participant, ch proto.Channel) {
	if s.table[ch] != p {
		return
	}
	s.replayPostRemoves(p, ch)
	delete(s.table, ch)
	p.dropChannel(ch)
	if s.metrics != nil {
		s.metrics.Participants.Set(float64(len(s.table)))
	}
}

func (s *Server) replayPostRemoves(p *participant, ch proto.Channel) {
	pending := s.postRemoves[ch]
	delete(s.postRemoves, ch)
	for _, inner := range pending {
		if s.metrics != nil {
			s.metrics.PostRemoves.Inc()
		}
		s.dispatch(p, inner)
	}
}

// disconnectPeer removes every channel the peer registered, replaying each
// channel's post-removes exactly once in registration order.
func (s *Server) disconnectPeer(p *participant) {
	p.conn.Close()
	channels := p.channels
	p.channels = nil
	for _, ch := range channels {
		if s.table[ch] != p {
			continue
		}
		s.replayPostRemoves(p, ch)
		delete(s.table, ch)
	}
	if s.metrics != nil {
		s.metrics.Participants.Set(float64(len(s.table)))
	}
	s.log.Debug().Str("peer", p.addr).Int("channels", len(channels)).Msg("peer disconnected")
}

// flush drains the routed queue in FIFO order into peer writers.
func (s *Server) flush() {
	queue := s.queue
	s.queue = nil
	for _, payload := range queue {
		s.route(payload)
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
	}
}

func (s *Server) route(payload []byte) {
	it := wire.NewIterator(payload)
	it.Skip(1)
	dst, err := it.ReadUint64()
	if err != nil {
		return
	}
	p, ok := s.table[dst]
	if !ok {
		if s.metrics != nil {
			s.metrics.Dropped.Inc()
		}
		return
	}
	if err := p.conn.WriteRaw(payload); err != nil {
		s.log.Warn().Str("peer", p.addr).Err(err).Msg("write failed, disconnecting peer")
		s.disconnectPeer(p)
		return
	}
	if s.metrics != nil {
		s.metrics.Routed.Inc()
	}
}
