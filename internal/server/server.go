// Package server accepts netbeat sessions and answers each one on its own
// goroutine, bounded by an admission limit.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/control"
	"github.com/NodePath81/netbeat/internal/errs"
	"github.com/NodePath81/netbeat/internal/metrics"
	"github.com/NodePath81/netbeat/internal/util"
)

const acceptRetryDelay = 50 * time.Millisecond

type Option func(*Server)

// WithMetrics makes the server count sessions and bytes in m.
func WithMetrics(m *metrics.ServerMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithStatus publishes running sessions to the control plane store.
func WithStatus(status *control.StatusStore) Option {
	return func(s *Server) {
		s.status = status
	}
}

type Server struct {
	cfg       config.ServerConfig
	logger    util.Logger
	admission *Admission
	metrics   *metrics.ServerMetrics
	status    *control.StatusStore

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func New(cfg config.ServerConfig, logger util.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		admission: NewAdmission(cfg.MaxConnections),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled. A bind failure is returned as a connection error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Listen binds the configured address without serving it.
func (s *Server) Listen() (net.Listener, error) {
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Connection(fmt.Sprintf("bind %s", addr), err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed,
// then closes open sessions and waits for their workers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("server listening",
		"addr", ln.Addr().String(),
		"chunk_size", s.cfg.ChunkSize,
		"max_connections", s.cfg.MaxConnections,
	)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			s.closeConns()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			s.logger.Error("accept error", "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		s.admit(ctx, conn)
	}

	_ = ln.Close()
	s.wg.Wait()
	s.logger.Info("server stopped", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Active returns the number of sessions being served.
func (s *Server) Active() int {
	return s.admission.Active()
}

// Max returns the admission limit.
func (s *Server) Max() int {
	return s.admission.Max()
}

func (s *Server) admit(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if !s.admission.TryAcquire() {
		_ = conn.Close()
		if s.metrics != nil {
			s.metrics.SessionsRejected.Inc()
		}
		s.logger.Info("at capacity, connection dropped", "client", remote, "max_connections", s.cfg.MaxConnections)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionsAccepted.Inc()
		s.metrics.SessionsActive.Inc()
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	s.track(conn)
	if ctx.Err() != nil {
		// closeConns may have run before track.
		_ = conn.Close()
	}

	s.wg.Add(1)
	go s.handle(ctx, conn)
}

// handle owns conn and the admission slot taken for it.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	sess := newSession(s, conn)
	var err error
	defer s.wg.Done()
	defer s.admission.Release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
			sess.logger.Error("session panicked", "panic", r)
		}
		_ = conn.Close()
		s.untrack(conn)
		if s.metrics != nil {
			s.metrics.SessionsActive.Dec()
			if err != nil {
				s.metrics.SessionsFailed.Inc()
			}
		}
		if s.status != nil {
			s.status.Remove(sess.id, err)
		}
	}()

	err = sess.run(ctx)
	if err != nil {
		sess.logger.Warn("session failed", "error", err)
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
