package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"

	"zerotrust-dns/pkg/config"
	"zerotrust-dns/pkg/logging"
)

// ErrServerRunning is returned by Start on a server that is already serving
var ErrServerRunning = errors.New("server already running")

// BindError reports that neither the listen address nor the fallback port
// could be bound
type BindError struct {
	Err         error
	FallbackErr error
	Addr        string
	Fallback    string
}

func (e *BindError) Error() string {
	if e.Fallback == "" {
		return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("bind %s: %v; fallback %s: %v", e.Addr, e.Err, e.Fallback, e.FallbackErr)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Server reads UDP datagrams and hands each to the Handler in its own
// goroutine, at most max_concurrent_queries at a time.
type Server struct {
	cfg     config.ServerConfig
	handler *Handler
	logger  *logging.Logger
	sem     *semaphore.Weighted

	mu      sync.Mutex
	conn    net.PacketConn
	done    chan struct{}
	running bool
	closed  bool
	inWG    sync.WaitGroup
}

// NewServer creates a server; nothing is bound until Listen or Start
func NewServer(cfg config.ServerConfig, handler *Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Global()
	}
	if cfg.MaxConcurrentQueries <= 0 {
		cfg.MaxConcurrentQueries = 1024
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentQueries)),
	}
}

// Listen binds the listen address, or the fallback port on the same host
// when that fails. It returns a *BindError when both fail.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return ErrServerRunning
	}

	conn, err := net.ListenPacket("udp", s.cfg.ListenAddress)
	if err == nil {
		s.conn = conn
		s.logger.Info("DNS listener bound", "address", conn.LocalAddr().String())
		return nil
	}

	bindErr := &BindError{Addr: s.cfg.ListenAddress, Err: err}
	fallback, ok := fallbackAddress(s.cfg.ListenAddress, s.cfg.FallbackPort)
	if !ok {
		return bindErr
	}

	s.logger.Warn("Cannot bind listen address, trying fallback port",
		"address", s.cfg.ListenAddress,
		"fallback", fallback,
		"error", err,
	)
	bindErr.Fallback = fallback
	conn, bindErr.FallbackErr = net.ListenPacket("udp", fallback)
	if bindErr.FallbackErr != nil {
		return bindErr
	}
	s.conn = conn
	s.logger.Info("DNS listener bound", "address", conn.LocalAddr().String(), "fallback", true)
	return nil
}

func fallbackAddress(listen string, port int) (string, bool) {
	if port <= 0 {
		return "", false
	}
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return "", false
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return addr, addr != listen
}

// Start binds if needed and serves until ctx is done or the socket fails.
// A clean shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	bound := s.conn != nil
	s.mu.Unlock()
	if !bound {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.running = true
	s.done = make(chan struct{})
	conn, done := s.conn, s.done
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.closeConn() })
	defer stop()

	err := s.serve(ctx, conn)
	s.inWG.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	close(done)
	return err
}

func (s *Server) serve(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read datagram: %w", err)
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		s.inWG.Add(1)
		go s.handle(ctx, conn, raw, addr)
	}
}

func (s *Server) handle(ctx context.Context, conn net.PacketConn, raw []byte, addr net.Addr) {
	defer s.inWG.Done()
	defer s.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Query handler panicked", "client_ip", clientIP(addr), "panic", r)
		}
	}()

	// in-flight queries finish even when the listener is stopping
	qctx := context.WithoutCancel(ctx)
	s.handler.ServeDatagram(qctx, raw, addr, func(resp []byte) error {
		_, err := conn.WriteTo(resp, addr)
		return err
	})
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) closeConn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Shutdown closes the socket and waits for in-flight queries or ctx
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.closeConn(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		s.logger.Info("DNS server shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
