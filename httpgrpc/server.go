package httpgrpc

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/credentials"

	"github.com/fullstorydev/grpcexport"
	"github.com/fullstorydev/grpcexport/dispatch"
	"github.com/fullstorydev/grpcexport/sequencer"
)

// Server exposes the routes of a registry as an http.Handler. The handler
// only accepts HTTP/2 requests, so it must be mounted on a server that
// negotiates HTTP/2: either over TLS or wrapped with h2c.NewHandler.
type Server struct {
	reg      *grpcexport.Registry
	basePath string
	log      *zap.Logger
	metrics  *dispatch.Metrics
	poolSize int
	maxRecv  int

	disp    *dispatch.Dispatcher
	pool    *sequencer.PoolExecutor
	streams atomic.Uint32
}

var _ http.Handler = (*Server)(nil)

// ServerOption is an option used when constructing a NewServer.
type ServerOption interface {
	apply(*Server)
}

type serverOptFunc func(*Server)

func (fn serverOptFunc) apply(s *Server) {
	fn(s)
}

// WithBasePath configures the server to use the given base path. The default
// base path is "/". If the caller mounts the *httpgrpc.Server at some
// sub-path, this can be used to inform the handler of that path. As an
// alternative, the caller could instead use http.StripPrefix so that the
// *httpgrpc.Server does not need to know the sub-path.
func WithBasePath(path string) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.basePath = path
	})
}

// WithLogger configures the logger of the server and of its streams.
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

// WithWorkerPool runs strategies on a bounded pool of the given size instead
// of a goroutine per stream. The pool is released by Close.
func WithWorkerPool(size int) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.poolSize = size
	})
}

// WithMaxRecvMsgSize bounds the size of request messages.
func WithMaxRecvMsgSize(n int) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.maxRecv = n
	})
}

// NewServer returns a handler for the routes of reg.
func NewServer(reg *grpcexport.Registry, opts ...ServerOption) (*Server, error) {
	s := &Server{reg: reg, basePath: "/"}
	for _, o := range opts {
		o.apply(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if !strings.HasSuffix(s.basePath, "/") {
		s.basePath += "/"
	}
	dopts := dispatch.Options{
		Logger:         s.log,
		Metrics:        s.metrics,
		MaxRecvMsgSize: s.maxRecv,
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

// Close releases the worker pool, if any. It does not wait for streams.
func (s *Server) Close() {
	if s.pool != nil {
		s.pool.Release()
	}
}

// ServeHTTP implements http.Handler. It returns once the response is
// complete or the client has gone away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ProtoMajor != 2 {
		writeError(w, http.StatusHTTPVersionNotSupported)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed)
		return
	}
	path, ok := strings.CutPrefix(r.URL.Path, s.basePath)
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}

	rw := newResponseWriter(w)
	win := newWindow()
	ds := s.disp.Open(r.Context(), dispatch.OpenParams{
		StreamID:   s.streams.Add(1),
		Headers:    requestFields(r, "/"+path),
		Remote:     strAddr(r.RemoteAddr),
		Local:      localAddr(r),
		AuthInfo:   authInfo(r),
		Writer:     rw,
		OnConsumed: win.release,
	})
	go pumpBody(r.Body, ds, win, s.log)

	select {
	case <-ds.Done():
	case <-r.Context().Done():
		ds.Reset()
		<-ds.Done()
	}
	rw.close()
}

// requestFields renders the request as the header block an HTTP/2 server
// would have decoded.
func requestFields(r *http.Request, path string) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: r.Method},
		{Name: ":path", Value: path},
		{Name: ":authority", Value: r.Host},
	}
	for k, vs := range r.Header {
		k = strings.ToLower(k)
		for _, v := range vs {
			fields = append(fields, hpack.HeaderField{Name: k, Value: v})
		}
	}
	return fields
}

func localAddr(r *http.Request) net.Addr {
	a, _ := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	return a
}

func authInfo(r *http.Request) credentials.AuthInfo {
	if r.TLS == nil {
		return nil
	}
	return credentials.TLSInfo{
		State:          *r.TLS,
		CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.PrivacyAndIntegrity},
	}
}

func writeError(w http.ResponseWriter, code int) {
	http.Error(w, http.StatusText(code), code)
}
