package node

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
)

// Listener is a TCP accept loop. Each component that terminates connections
// (Message Director for peers, Client Agent for clients) drives one.
type Listener struct {
	ln  net.Listener
	log zerolog.Logger
}

// Listen binds addr.
func Listen(addr string, log zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("node: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, log: log}, nil
}

// Addr returns the bound address, useful with port 0 in tests.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Serve accepts connections until ctx is done or the listener closes,
// invoking handle for each. handle runs on its own goroutine.
func (l *Listener) Serve(ctx context.Context, handle func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("node: accept: %w", err)
		}
		if tc, ok := raw.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		l.log.Debug().Str("peer", raw.RemoteAddr().String()).Msg("accepted connection")
		go handle(raw)
	}
}

// Close stops accepting.
func (l *Listener) Close() error {
	return l.ln.Close()
}
