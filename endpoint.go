package grpcexport

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fullstorydev/grpcexport/framing"
)

// EndpointConfig configures how an endpoint decodes requests and encodes
// responses. The zero value accepts raw payloads and requires handlers to
// return proto messages.
type EndpointConfig struct {
	// Decoder turns inbound messages into requests. Defaults to RawDecoder.
	Decoder RequestDecoder
	// Encoder serializes response content. Defaults to an encoder that
	// accepts proto messages only.
	Encoder *Encoder
	// FieldNumber is handed to the decoder in DecodeConfig.
	FieldNumber protowire.Number
	// MaxRecvMsgSize bounds the decompressed size of request messages.
	MaxRecvMsgSize int
	// Interceptor wraps every handler evaluation, after the interceptors of
	// the registry.
	Interceptor grpc.UnaryServerInterceptor
	// OnOpen runs when a stream for the endpoint opens. An error fails the
	// stream before any message is handled.
	OnOpen func(ctx context.Context) error
	// OnClose runs once the stream is gone.
	OnClose func(ctx context.Context)
}

var protoEncoder = &Encoder{field: 1}

// endpoint is the part shared by all strategy variants: decoding, parameter
// defaults, interception, evaluation and encoding.
type endpoint struct {
	fullMethod  string
	cfg         EndpointConfig
	decoder     RequestDecoder
	encoder     *Encoder
	interceptor grpc.UnaryServerInterceptor
}

func newEndpoint(fullMethod string, cfg EndpointConfig, unaryInt grpc.UnaryServerInterceptor) *endpoint {
	ep := &endpoint{
		fullMethod: fullMethod,
		cfg:        cfg,
		decoder:    cfg.Decoder,
		encoder:    cfg.Encoder,
	}
	if ep.decoder == nil {
		ep.decoder = RawDecoder()
	}
	if ep.encoder == nil {
		ep.encoder = protoEncoder
	}
	var ints []grpc.UnaryServerInterceptor
	if unaryInt != nil {
		ints = append(ints, unaryInt)
	}
	if cfg.Interceptor != nil {
		ints = append(ints, cfg.Interceptor)
	}
	if len(ints) > 0 {
		ep.interceptor = chainUnaryServer(ints)
	}
	return ep
}

func (e *endpoint) Open(ctx context.Context) error {
	if e.cfg.OnOpen == nil {
		return nil
	}
	return e.cfg.OnOpen(ctx)
}

func (e *endpoint) Close(ctx context.Context) {
	if e.cfg.OnClose != nil {
		e.cfg.OnClose(ctx)
	}
}

// request builds the request for msg, or the end-of-stream request if msg is
// nil.
func (e *endpoint) request(ctx context.Context, msg *framing.Message) (*Request, error) {
	var req *Request
	if msg == nil {
		req = &Request{End: true}
	} else {
		cfg := DecodeConfig{
			FieldNumber: e.cfg.FieldNumber,
			Encoding:    StreamFromContext(ctx).Encoding,
			MaxSize:     e.cfg.MaxRecvMsgSize,
		}
		r, err := e.decoder.Decode(msg, cfg)
		if err != nil {
			return nil, withCode(err, codes.InvalidArgument)
		}
		if r == nil {
			r = &Request{}
		}
		if d, ok := e.decoder.(defaulter); ok {
			if err := d.InsertDefaults(r); err != nil {
				return nil, withCode(err, codes.InvalidArgument)
			}
		}
		r.Compressed = msg.Compressed
		r.Peer = msg.RemoteAddr
		req = r
	}
	req.Metadata, _ = metadata.FromIncomingContext(ctx)
	if req.Peer == nil {
		if p, ok := peer.FromContext(ctx); ok {
			req.Peer = p.Addr
		}
	}
	return req, nil
}

func (e *endpoint) info() *grpc.UnaryServerInfo {
	return &grpc.UnaryServerInfo{FullMethod: e.fullMethod}
}

func (e *endpoint) call(ctx context.Context, req *Request, fn UnaryFunc) (*Response, error) {
	if e.interceptor == nil {
		return fn(ctx, req)
	}
	resp, err := e.interceptor(ctx, req, e.info(), func(ctx context.Context, r any) (any, error) {
		req, ok := r.(*Request)
		if !ok {
			return nil, status.Errorf(codes.Internal, "interceptor replaced request with %T", r)
		}
		resp, err := fn(ctx, req)
		if resp == nil {
			// keep the interface nil so interceptors can test for it
			return nil, err
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	r, _ := resp.(*Response)
	return r, nil
}

func (e *endpoint) stream(ctx context.Context, req *Request, fn StreamFunc, send func(*Response) error) error {
	if e.interceptor == nil {
		return fn(ctx, req, send)
	}
	_, err := e.interceptor(ctx, req, e.info(), func(ctx context.Context, r any) (any, error) {
		req, ok := r.(*Request)
		if !ok {
			return nil, status.Errorf(codes.Internal, "interceptor replaced request with %T", r)
		}
		return nil, fn(ctx, req, send)
	})
	return err
}

func (e *endpoint) encode(resp *Response) ([]byte, error) {
	var content any
	if resp != nil {
		content = resp.Content
	}
	b, err := e.encoder.Encode(content)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return b, nil
}

// sender returns the send function handed to stream handlers. After a
// response that closes the stream, further sends fail.
func (e *endpoint) sender(out *ResponseStream) func(*Response) error {
	var closed atomic.Bool
	return func(resp *Response) error {
		if resp == nil {
			return nil
		}
		if closed.Load() {
			return ErrStreamFinished
		}
		o := Outbound{CloseStream: resp.Effect.closes()}
		if resp.Content == nil && resp.Effect == Close {
			o.CloseOnly = true
		} else {
			b, err := e.encode(resp)
			if err != nil {
				return err
			}
			o.Payload = b
		}
		if o.CloseStream {
			closed.Store(true)
		}
		return out.Send(o)
	}
}

func withCode(err error, c codes.Code) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(c, err.Error())
}

type unaryStrategy struct {
	*endpoint
	fn       UnaryFunc
	received bool
}

func (s *unaryStrategy) Handle(ctx context.Context, ev Event) (Out, error) {
	if ev.End {
		if !s.received {
			return Out{}, status.Error(codes.Internal, "method requires 1 request message but client sent none")
		}
		return Nothing(nil), nil
	}
	if s.received {
		return Out{}, status.Error(codes.InvalidArgument, "method accepts 1 request message but client sent >1")
	}
	s.received = true
	req, err := s.request(ctx, ev.Message)
	if err != nil {
		return Out{}, err
	}
	resp, err := s.call(ctx, req, s.fn)
	if err != nil {
		return Out{}, err
	}
	b, err := s.encode(resp)
	if err != nil {
		return Out{}, err
	}
	return Single(nil, b, true), nil
}

// clientStreamStrategy evaluates the handler for every message but only
// surfaces the result of the end-of-stream evaluation, unless an earlier
// result already ends the stream.
type clientStreamStrategy struct {
	*endpoint
	fn     UnaryFunc
	closed bool
}

func (s *clientStreamStrategy) Handle(ctx context.Context, ev Event) (Out, error) {
	if s.closed {
		return Nothing(nil), nil
	}
	var msg *framing.Message
	if !ev.End {
		msg = ev.Message
	}
	req, err := s.request(ctx, msg)
	if err != nil {
		return Out{}, err
	}
	resp, err := s.call(ctx, req, s.fn)
	if err != nil {
		return Out{}, err
	}
	if !ev.End && (resp == nil || !resp.Effect.closes()) {
		return Nothing(nil), nil
	}
	s.closed = true
	b, err := s.encode(resp)
	if err != nil {
		return Out{}, err
	}
	return Single(nil, b, true), nil
}

// serverStreamStrategy runs the handler once, asynchronously, for the only
// request message. The handler's responses flow through a ResponseStream.
type serverStreamStrategy struct {
	*endpoint
	fn  StreamFunc
	out *ResponseStream
}

func (s *serverStreamStrategy) Handle(ctx context.Context, ev Event) (Out, error) {
	if ev.End {
		if s.out == nil {
			return Out{}, status.Error(codes.Internal, "method requires 1 request message but client sent none")
		}
		return Nothing(nil), nil
	}
	if s.out != nil {
		s.out.Finish(status.Error(codes.InvalidArgument, "method accepts 1 request message but client sent >1"))
		return Nothing(nil), nil
	}
	req, err := s.request(ctx, ev.Message)
	if err != nil {
		return Out{}, err
	}
	out := NewResponseStream(ctx, DefaultStreamBuffer)
	s.out = out
	send := s.sender(out)
	if err := spawn(ctx, func() {
		out.Finish(s.stream(ctx, req, s.fn, send))
	}); err != nil {
		out.Finish(status.Errorf(codes.Unavailable, "failed to start handler: %v", err))
	}
	return Stream(nil, out), nil
}

// spawn runs fn on the executor of the stream in ctx, or on a goroutine of
// its own when the transport attached none.
func spawn(ctx context.Context, fn func()) error {
	if exec := StreamFromContext(ctx).Executor; exec != nil {
		return exec.Submit(fn)
	}
	go fn()
	return nil
}

// bidiStrategy runs the handler once per message and once for the end of the
// stream, all sending into one ResponseStream. The first evaluation runs on
// the executor, so that the stream can be written while it runs; every later
// one runs inside Handle once the one before it has completed. Evaluations
// never overlap, and Handle does not return before its message was handled.
type bidiStrategy struct {
	*endpoint
	fn    StreamFunc
	out   *ResponseStream
	send  func(*Response) error
	first *evaluation
}

// evaluation is a deferred run that either the executor or the next Handle
// call picks up, whichever gets to it first.
type evaluation struct {
	claimed atomic.Bool
	done    chan struct{}
	run     func()
}

func (e *evaluation) tryRun() bool {
	if !e.claimed.CompareAndSwap(false, true) {
		return false
	}
	defer close(e.done)
	e.run()
	return true
}

func (s *bidiStrategy) Handle(ctx context.Context, ev Event) (Out, error) {
	var msg *framing.Message
	if !ev.End {
		msg = ev.Message
	}
	if s.out == nil {
		s.out = NewResponseStream(ctx, DefaultStreamBuffer)
		s.send = s.sender(s.out)
		e := &evaluation{done: make(chan struct{})}
		e.run = func() {
			s.evaluate(ctx, msg)
		}
		s.first = e
		if err := spawn(ctx, func() { e.tryRun() }); err != nil {
			s.out.Finish(status.Errorf(codes.Unavailable, "failed to start handler: %v", err))
		}
		return Stream(nil, s.out), nil
	}
	if e := s.first; e != nil {
		s.first = nil
		// the executor may not have reached the first evaluation yet
		if !e.tryRun() {
			select {
			case <-e.done:
			case <-ctx.Done():
				return Nothing(nil), nil
			}
		}
	}
	s.evaluate(ctx, msg)
	return Nothing(nil), nil
}

func (s *bidiStrategy) evaluate(ctx context.Context, msg *framing.Message) {
	select {
	case <-s.out.Done():
		return
	case <-ctx.Done():
		return
	default:
	}
	req, err := s.request(ctx, msg)
	if err != nil {
		s.out.Finish(err)
		return
	}
	if err := s.stream(ctx, req, s.fn, s.send); err != nil {
		s.out.Finish(err)
		return
	}
	if req.End {
		s.out.Finish(nil)
	}
}
