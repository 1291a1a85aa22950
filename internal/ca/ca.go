package ca

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/toonlabs/otpd/internal/channel"
	"github.com/toonlabs/otpd/internal/db"
	"github.com/toonlabs/otpd/internal/dc"
	"github.com/toonlabs/otpd/internal/limits"
	"github.com/toonlabs/otpd/internal/monitoring"
	"github.com/toonlabs/otpd/internal/node"
	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
	"github.com/toonlabs/otpd/internal/zone"
)

// Config carries the Client Agent settings.
type Config struct {
	Addr   string
	MDAddr string

	// Version and HashVal gate the login handshake.
	Version string
	HashVal uint32

	// Connection-channel pool.
	MinChannel proto.Channel
	MaxChannel proto.Channel

	AccountsFile string

	InterestTimeout time.Duration
	OwnerGrantDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinChannel == 0 {
		c.MinChannel = 1_000_000_000
	}
	if c.MaxChannel == 0 {
		c.MaxChannel = 1_009_999_999
	}
	if c.InterestTimeout == 0 {
		c.InterestTimeout = 2500 * time.Millisecond
	}
	if c.OwnerGrantDelay == 0 {
		c.OwnerGrantDelay = 200 * time.Millisecond
	}
}

// clientFrame is one unit of work from a client read loop.
type clientFrame struct {
	client  *Client
	payload []byte
	err     error
}

// Server is the Client Agent. All client and bus traffic funnels into one
// event loop; read loops and timers only push work onto its channels, so
// per-client state needs no locking.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	metrics *monitoring.CAMetrics
	catalog *dc.File
	vis     zone.Loader

	accounts *AccountStore
	alloc    *channel.Allocator

	send node.Sender
	db   *db.Client

	// Every subscribed connection channel maps to its client handler.
	clients map[proto.Channel]*Client

	frames  chan clientFrame
	accepts chan net.Conn
	calls   chan func()

	rate  *limits.ConnRateLimiter
	guard *limits.ResourceGuard

	// after schedules a function onto the event loop; tests substitute a
	// capturing implementation.
	after func(d time.Duration, fn func()) *time.Timer

	done chan struct{}
}

// New builds an unstarted server. The account store is opened immediately so
// a bad path fails fast.
func New(cfg Config, catalog *dc.File, vis zone.Loader, log zerolog.Logger, metrics *monitoring.CAMetrics) (*Server, error) {
	cfg.applyDefaults()
	accounts, err := OpenAccountStore(cfg.AccountsFile)
	if err != nil {
		return nil, err
	}
	alloc, err := channel.NewAllocator(cfg.MinChannel, cfg.MaxChannel)
	if err != nil {
		accounts.Close()
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "clientagent").Logger(),
		metrics:  metrics,
		catalog:  catalog,
		vis:      vis,
		accounts: accounts,
		alloc:    alloc,
		clients:  make(map[proto.Channel]*Client),
		frames:   make(chan clientFrame, 1024),
		accepts:  make(chan net.Conn, 16),
		calls:    make(chan func(), 256),
		done:     make(chan struct{}),
	}
	s.after = func(d time.Duration, fn func()) *time.Timer {
		return time.AfterFunc(d, func() {
			select {
			case s.calls <- fn:
			case <-s.done:
			}
		})
	}
	return s, nil
}

// UseLimits attaches accept-path admission control. Must be called before Run.
func (s *Server) UseLimits(rate *limits.ConnRateLimiter, guard *limits.ResourceGuard) {
	s.rate = rate
	s.guard = guard
}

// Run dials the Message Director, starts the listener, and services events
// until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	conn, err := node.DialMDRetry(ctx, s.cfg.MDAddr, s.log)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.send = conn
	s.db = db.NewClient(conn, proto.DatabaseChannel, s.catalog, s.log)
	if err := conn.Subscribe(proto.ClientAgentChannel); err != nil {
		return err
	}

	ln, err := node.Listen(s.cfg.Addr, s.log)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- ln.Serve(ctx, s.acceptConn) }()
	s.log.Info().Str("addr", ln.Addr()).Msg("client agent listening")

	defer close(s.done)
	defer s.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serveErr:
			return err
		case payload, ok := <-conn.Inbox:
			if !ok {
				return fmt.Errorf("ca: message director link lost")
			}
			s.handleInternal(payload)
		case raw := <-s.accepts:
			s.addClient(raw)
		case fr := <-s.frames:
			s.handleFrame(fr)
		case fn := <-s.calls:
			fn()
		}
	}
}

func (s *Server) shutdown() {
	dropped := make(map[*Client]struct{})
	for _, c := range s.clients {
		dropped[c] = struct{}{}
	}
	for c := range dropped {
		s.dropClient(c)
	}
	s.accounts.Close()
}

// acceptConn runs on a listener goroutine per connection; admission control
// happens here, before the event loop is involved.
func (s *Server) acceptConn(raw net.Conn) {
	peer := raw.RemoteAddr().String()
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}
	if s.rate != nil && !s.rate.Allow(host) {
		raw.Close()
		return
	}
	if s.guard != nil {
		ok, reason := s.guard.Admit()
		if !ok {
			s.log.Warn().Str("peer", peer).Str("reason", reason).Msg("connection refused")
			raw.Close()
			return
		}
	}
	select {
	case s.accepts <- raw:
	case <-s.done:
		raw.Close()
		if s.guard != nil {
			s.guard.Release()
		}
	}
}

func (s *Server) addClient(raw net.Conn) {
	ch, err := s.alloc.Allocate()
	if err != nil {
		s.log.Warn().Err(err).Msg("out of connection channels")
		raw.Close()
		if s.guard != nil {
			s.guard.Release()
		}
		return
	}
	c := newClient(s, node.NewConn(raw), ch)
	s.bindChannel(c, ch)
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
		s.metrics.ConnectionsTotal.Inc()
	}
	s.log.Info().Str("peer", c.conn.RemoteAddr()).Uint64("channel", ch).Msg("client connected")
	go c.readLoop()
}

func (s *Server) handleFrame(fr clientFrame) {
	if fr.client.closed {
		return
	}
	if fr.err != nil {
		s.log.Debug().Err(fr.err).Msg("client read failed")
		s.dropClient(fr.client)
		return
	}
	fr.client.handleClientDatagram(fr.payload)
}

// bindChannel subscribes ch for the client and records it for teardown.
func (s *Server) bindChannel(c *Client, ch proto.Channel) {
	s.clients[ch] = c
	c.channels = append(c.channels, ch)
	if err := s.send.Subscribe(ch); err != nil {
		s.log.Warn().Uint64("channel", ch).Err(err).Msg("subscribe failed")
	}
}

func (s *Server) unbindChannel(c *Client, ch proto.Channel) {
	delete(s.clients, ch)
	for i, have := range c.channels {
		if have == ch {
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
			break
		}
	}
	if err := s.send.Unsubscribe(ch); err != nil {
		s.log.Warn().Uint64("channel", ch).Err(err).Msg("unsubscribe failed")
	}
}

// dropClient tears a client down. Unsubscribing the allocated channel makes
// the Message Director replay its post-removes, which is what cleans the
// avatar out of the State Server and notifies friends.
func (s *Server) dropClient(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	if c.interestTimer != nil {
		c.interestTimer.Stop()
		c.interestTimer = nil
	}
	for _, ch := range append([]proto.Channel(nil), c.channels...) {
		delete(s.clients, ch)
		if err := s.send.Unsubscribe(ch); err != nil {
			s.log.Debug().Uint64("channel", ch).Err(err).Msg("unsubscribe failed")
		}
	}
	c.channels = nil
	if err := s.alloc.Free(c.allocated); err != nil {
		s.log.Debug().Err(err).Msg("channel free failed")
	}
	c.conn.Close()
	if s.guard != nil {
		s.guard.Release()
	}
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}
	s.log.Info().Uint32("account", c.accountID).Uint32("avatar", c.avatarID).Msg("client disconnected")
}

// handleInternal routes one bus datagram to the client bound to its
// destination channel.
func (s *Server) handleInternal(payload []byte) {
	it := wire.NewIterator(payload)
	count, err := it.ReadUint8()
	if err != nil || count == 0 {
		s.log.Warn().Msg("malformed internal datagram")
		return
	}
	var target *Client
	for i := 0; i < int(count); i++ {
		ch, err := it.ReadUint64()
		if err != nil {
			s.log.Warn().Msg("malformed internal datagram")
			return
		}
		if c, ok := s.clients[ch]; ok && target == nil {
			target = c
		}
	}
	sender, err := it.ReadUint64()
	if err != nil {
		return
	}
	msgType, err := it.ReadUint16()
	if err != nil {
		return
	}
	if target == nil {
		s.log.Debug().Uint16("msg_type", msgType).Msg("internal datagram for no client")
		return
	}
	target.handleInternal(sender, msgType, it)
}
