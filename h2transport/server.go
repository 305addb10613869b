package h2transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fullstorydev/grpcexport"
	"github.com/fullstorydev/grpcexport/dispatch"
	"github.com/fullstorydev/grpcexport/sequencer"
)

// ErrServerClosed is returned by Serve after Shutdown or Close.
var ErrServerClosed = errors.New("h2transport: server closed")

const (
	defaultMaxConcurrentStreams = 1000
	// initialWindowSize is advertised for every stream and, through a
	// WINDOW_UPDATE, for the connection.
	initialWindowSize = 1 << 20
	defaultWindowSize = 65535
	defaultFrameSize  = 16384
	maxHeaderListSize = 16 << 20
)

// Server serves gRPC over HTTP/2 connections with prior knowledge, reading
// and writing frames directly. Requests are routed through the strategies of
// a grpcexport.Registry.
type Server struct {
	reg                  *grpcexport.Registry
	log                  *zap.Logger
	metrics              *dispatch.Metrics
	poolSize             int
	maxRecvMsgSize       int
	maxConcurrentStreams uint32
	limiter              *rate.Limiter

	disp *dispatch.Dispatcher
	pool *sequencer.PoolExecutor

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	closed    bool
}

// ServerOption is an option used when constructing a NewServer.
type ServerOption interface {
	apply(*Server)
}

type serverOptFunc func(*Server)

func (fn serverOptFunc) apply(s *Server) {
	fn(s)
}

// WithLogger configures the logger used for connection and stream events.
func WithLogger(l *zap.Logger) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.log = l
	})
}

// WithMetrics configures the collectors updated by the server's streams.
func WithMetrics(m *dispatch.Metrics) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.metrics = m
	})
}

// WithWorkerPool runs strategy invocations on a pool of the given size
// shared by all connections, instead of on a goroutine per stream.
func WithWorkerPool(size int) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.poolSize = size
	})
}

// WithMaxRecvMsgSize bounds the size of request messages.
func WithMaxRecvMsgSize(n int) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.maxRecvMsgSize = n
	})
}

// WithMaxConcurrentStreams bounds the number of open streams per connection.
// It is advertised to clients in the server SETTINGS; streams beyond it are
// refused.
func WithMaxConcurrentStreams(n uint32) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.maxConcurrentStreams = n
	})
}

// WithStreamRateLimit limits how fast new streams may be opened across the
// server. Streams over the limit fail with RESOURCE_EXHAUSTED.
func WithStreamRateLimit(r rate.Limit, burst int) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.limiter = rate.NewLimiter(r, burst)
	})
}

// NewServer returns a server for the routes of reg.
func NewServer(reg *grpcexport.Registry, opts ...ServerOption) (*Server, error) {
	s := &Server{
		reg:                  reg,
		maxConcurrentStreams: defaultMaxConcurrentStreams,
		listeners:            map[net.Listener]struct{}{},
		conns:                map[*conn]struct{}{},
	}
	for _, o := range opts {
		o.apply(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	dopts := dispatch.Options{
		Logger:         s.log,
		Metrics:        s.metrics,
		MaxRecvMsgSize: s.maxRecvMsgSize,
	}
	if s.poolSize > 0 {
		pool, err := sequencer.NewPoolExecutor(s.poolSize)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		dopts.Executor = pool
	}
	s.disp = dispatch.New(reg, dopts)
	return s, nil
}

// Serve accepts connections on lis and serves each on its own goroutine. It
// returns ErrServerClosed once the server is shut down.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[lis] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, lis)
		s.mu.Unlock()
	}()

	var tempDelay time.Duration
	for {
		nc, err := lis.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go func() {
			_ = s.ServeConn(nc)
		}()
	}
}

// ServeConn serves a single connection and returns when it is closed.
func (s *Server) ServeConn(nc net.Conn) error {
	c := newConn(s, nc)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = nc.Close()
		return ErrServerClosed
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	return c.serve()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops accepting connections, sends GOAWAY on every open
// connection and waits for their streams to complete, or for ctx to be done.
// Connections are closed when it returns.
func (s *Server) Shutdown(ctx context.Context) error {
	conns := s.stop()
	for _, c := range conns {
		c.goAway()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var err error
wait:
	for {
		idle := true
		for _, c := range conns {
			if c.activeStreams() > 0 {
				idle = false
				break
			}
		}
		if idle {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break wait
		case <-ticker.C:
		}
	}
	for _, c := range conns {
		c.close()
	}
	s.release()
	return err
}

// Close closes all listeners and connections right away. Open streams are
// reset.
func (s *Server) Close() error {
	for _, c := range s.stop() {
		c.close()
	}
	s.release()
	return nil
}

func (s *Server) stop() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for lis := range s.listeners {
		_ = lis.Close()
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) release() {
	if s.pool != nil {
		s.pool.Release()
	}
}
