package dispatch

import (
	"context"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpcexport"
	"github.com/fullstorydev/grpcexport/framing"
	"github.com/fullstorydev/grpcexport/internal"
	"github.com/fullstorydev/grpcexport/sequencer"
)

// FrameWriter writes the outbound frames of one stream. Implementations must
// be safe to call from a goroutine other than the one reading the
// connection. WriteData may block for flow control; it must return an error
// once the stream has been reset.
type FrameWriter interface {
	// WriteHeaders writes a header block. A block with endStream set is the
	// trailer block that closes the stream.
	WriteHeaders(fields []hpack.HeaderField, endStream bool) error
	// WriteData writes p as the payload of one or more DATA frames.
	WriteData(p []byte) error
}

// Options configures a Dispatcher. The zero value is usable.
type Options struct {
	// Logger receives stream lifecycle and failure logs. Defaults to a no-op
	// logger.
	Logger *zap.Logger
	// Metrics, if set, is updated as streams open and complete.
	Metrics *Metrics
	// Executor runs strategy invocations. Defaults to a goroutine per drain.
	Executor sequencer.Executor
	// MaxRecvMsgSize bounds the declared length of request messages. Zero
	// selects framing.DefaultMaxMessageSize.
	MaxRecvMsgSize int
}

// OpenParams describes a stream whose request headers have been received.
type OpenParams struct {
	// StreamID is the HTTP/2 stream identifier. It is only used for logs.
	StreamID uint32
	// Headers is the decoded request header block, pseudo-headers included.
	Headers []hpack.HeaderField
	// Remote and Local are the addresses of the connection.
	Remote, Local net.Addr
	// AuthInfo describes the security of the connection, if any.
	AuthInfo credentials.AuthInfo
	// Writer receives the response frames.
	Writer FrameWriter
	// OnConsumed, if set, is called with the number of request bytes the
	// stream no longer holds, so that the transport can return them to the
	// client's flow-control window. The bytes of a complete message are held
	// until the invocation that handles it has returned. OnConsumed may be
	// called from any goroutine, including from within Receive.
	OnConsumed func(n int)
}

// Dispatcher routes new streams to the strategies of a registry.
type Dispatcher struct {
	reg     *grpcexport.Registry
	log     *zap.Logger
	metrics *Metrics
	exec    sequencer.Executor
	maxRecv int
}

// New returns a dispatcher for the routes of reg.
func New(reg *grpcexport.Registry, opts Options) *Dispatcher {
	d := &Dispatcher{
		reg:     reg,
		log:     opts.Logger,
		metrics: opts.Metrics,
		exec:    opts.Executor,
		maxRecv: opts.MaxRecvMsgSize,
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.exec == nil {
		d.exec = sequencer.GoExecutor{}
	}
	return d
}

// Open starts a stream. Requests with an unsupported content type or an
// unknown path are answered right away with a trailers-only UNIMPLEMENTED
// response; no strategy is created for them. The returned stream is never
// nil: its Done channel is already closed when the request was rejected.
//
// The stream context derives from ctx, so canceling ctx cancels the stream.
func (d *Dispatcher) Open(ctx context.Context, p OpenParams) *Stream {
	path := headerValue(p.Headers, ":path")
	ct := headerValue(p.Headers, "content-type")
	s := &Stream{
		id:      p.StreamID,
		w:       p.Writer,
		metrics: d.metrics,
		service: unknownMethod,
		method:  unknownMethod,
		notify:  make(chan struct{}, 1),
		hdrNow:  make(chan struct{}, 1),
		failed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log = d.log.With(zap.Uint32("stream_id", p.StreamID), zap.String("method", path))
	if p.Remote != nil {
		s.log = s.log.With(zap.Stringer("remote", p.Remote))
	}

	rt, found := d.reg.LookupPath(path)
	cardinality := unknownMethod
	if found {
		s.service, s.method = rt.Service, rt.Method
		cardinality = rt.Cardinality.String()
	}
	d.metrics.streamStarted(s.service, s.method, cardinality)

	if !validContentType(ct) {
		s.reject(status.Newf(codes.Unimplemented, "unsupported content-type %q", ct))
		return s
	}
	if !found {
		s.reject(status.Newf(codes.Unimplemented, "unknown method %s", path))
		return s
	}

	md, err := internal.MetadataFromFields(p.Headers)
	if err != nil {
		s.reject(status.New(codes.Internal, err.Error()))
		return s
	}
	sctx := metadata.NewIncomingContext(ctx, md)
	sctx = peer.NewContext(sctx, &peer.Peer{Addr: p.Remote, LocalAddr: p.Local, AuthInfo: p.AuthInfo})
	if to := headerValue(p.Headers, "grpc-timeout"); to != "" {
		timeout, err := internal.ParseTimeout(to)
		if err != nil {
			s.reject(status.New(codes.Internal, err.Error()))
			return s
		}
		s.cancel()
		s.ctx, s.cancel = context.WithTimeout(sctx, timeout)
	} else {
		s.cancel()
		s.ctx, s.cancel = context.WithCancel(sctx)
	}

	fullMethod := rt.FullMethod()
	s.sts = &internal.ServerTransportStream{Name: fullMethod, OnSendHeader: s.sendHeaderNow}
	s.ctx = grpc.NewContextWithServerTransportStream(s.ctx, s.sts)
	s.ctx = grpcexport.NewStreamContext(s.ctx, &grpcexport.StreamInfo{
		FullMethod:  fullMethod,
		Encoding:    headerValue(p.Headers, "grpc-encoding"),
		Cardinality: rt.Cardinality,
		Remote:      p.Remote,
		Executor:    d.exec,
	})

	s.strategy = rt.Factory()
	s.seq = sequencer.New(d.exec, s.invoke)
	s.splitter = framing.NewSplitter(p.Remote, d.maxRecv)
	s.log.Debug("stream opened", zap.String("cardinality", cardinality))

	if o, ok := s.strategy.(grpcexport.Opener); ok {
		if err := o.Open(s.ctx); err != nil {
			s.fail(err)
		} else {
			s.opened = true
		}
	} else {
		s.opened = true
	}
	go s.run()
	return s
}
