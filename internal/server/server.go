// Package server implements the connection server: the TCP accept loop,
// the per-connection authentication/request state machine, and the
// active-connection set (exposed through ActiveConnections).
//
// Each accepted connection gets its own goroutine performing ordinary
// blocking reads and writes; the Go runtime's scheduler provides the
// cooperative suspension on socket readiness, so there is no separate
// callback-based event loop to build.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/kf6kjg/whip-lru/internal/logging"
)

var log = logging.For("server")

// Config is the subset of the core configuration the connection server
// needs directly.
type Config struct {
	Address  string
	Port     uint16
	Backlog  uint32
	Password string
}

// Server owns the accept loop and the set of active connections.
type Server struct {
	cfg     Config
	handler Handler

	mu       sync.Mutex
	ln       net.Listener
	conns    map[*conn]struct{}
	wg       sync.WaitGroup
	draining bool
}

// New constructs a Server. handler answers every request once a connection
// reaches Ready.
func New(cfg Config, handler Handler) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		conns:   make(map[*conn]struct{}),
	}
}

// address renders the configured address/port for net.Listen, translating
// the "*" (bind all interfaces) convention to the empty host net.Listen
// expects.
func (s *Server) address() string {
	host := s.cfg.Address
	if host == "*" {
		host = ""
	}
	return fmt.Sprintf("%s:%d", host, s.cfg.Port)
}

// Serve opens the listening socket and accepts connections until ctx is
// canceled or Shutdown is called. Once the listener is closed for shutdown
// it also waits, without a deadline, for every connection goroutine to end
// before returning.
//
// The backlog configured in Config is recorded for observability only:
// Go's net package does not expose the listen(2) backlog parameter, so the
// platform default applies; this is called out explicitly rather than
// silently ignored.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address())
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info().Str("address", ln.Addr().String()).Uint32("configured_backlog", s.cfg.Backlog).Msg("accepting connections")

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			s.mu.Unlock()
			if draining {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.handleAccepted(ctx, nc)
	}
}

func (s *Server) handleAccepted(ctx context.Context, nc net.Conn) {
	c := newConn(nc, s.cfg.Password, s.handler, log)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
		c.serve(ctx)
	}()
}

// Shutdown stops accepting new connections and waits until every
// connection goroutine has ended (its peer closed the connection or a read
// or write failed), or until ctx is done, whichever comes first. It never
// closes a live connection itself, and neither does canceling the context
// passed to Serve, so no connection with a pending read or send is dropped;
// when ctx ends first, Shutdown returns ctx.Err() and those connections stay
// open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveConnections reports the size of the active-connection set, for
// the status surface.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
