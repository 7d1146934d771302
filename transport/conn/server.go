package conn

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"frak-rpc/transport"
)

// Server accepts socket peers and presents them as a single Transport: every
// accepted connection feeds the same listener set, and each event's Source is
// the connection it came from so replies go back to the right peer.
type Server struct {
	origin    string
	opts      options
	listeners transport.Listeners

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	shutdown atomic.Bool
}

// NewServer creates a server living at origin.
func NewServer(origin string, opts ...Option) *Server {
	return &Server{
		origin: origin,
		opts:   buildOptions(opts),
		conns:  make(map[*Conn]struct{}),
	}
}

// ListenAndServe listens on address and serves until Shutdown.
func (s *Server) ListenAndServe(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve runs the accept loop on l. It returns nil after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.opts.logger.Info("serving postMessage socket",
		zap.String("addr", l.Addr().String()), zap.String("origin", s.origin))

	for {
		nc, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an error
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.track(newConn(nc, s.origin, &s.listeners, s.opts))
	}
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-c.Done()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

// Addr returns the listening address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// PostMessage broadcasts msg to every connected peer; each peer filters on
// targetOrigin.
func (s *Server) PostMessage(msg any, targetOrigin string) error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.PostMessage(msg, targetOrigin); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) AddEventListener(l transport.EventListener) {
	s.listeners.Add(l)
}

func (s *Server) RemoveEventListener(l transport.EventListener) {
	s.listeners.Remove(l)
}

// Shutdown stops accepting, closes every connection and waits for their read
// loops to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	// Flag first, so the accept error is recognized as intentional
	s.shutdown.Store(true)

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
