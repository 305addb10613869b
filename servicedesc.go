package grpcexport

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpcexport/framing"
	"github.com/fullstorydev/grpcexport/internal"
)

// descUnaryStrategy adapts a grpc.MethodDesc.
type descUnaryStrategy struct {
	fullMethod string
	impl       any
	desc       *grpc.MethodDesc
	received   bool
}

func (s *descUnaryStrategy) Handle(ctx context.Context, ev Event) (Out, error) {
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

	codec := internal.ProtoCodec()
	cfg := DecodeConfig{Encoding: StreamFromContext(ctx).Encoding}
	dec := func(m any) error {
		b, err := Payload(ev.Message, cfg)
		if err != nil {
			return err
		}
		if err := codec.Unmarshal(b, m); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return nil
	}
	// interceptors of the registry are already part of the handler
	resp, err := s.desc.Handler(s.impl, ctx, dec, nil)
	if err != nil {
		return Out{}, err
	}
	b, err := codec.Marshal(resp)
	if err != nil {
		return Out{}, status.Errorf(codes.Internal, "failed to marshal response: %v", err)
	}
	return Single(nil, b, true), nil
}

// descStreamStrategy adapts a grpc.StreamDesc. The handler runs against a
// grpc.ServerStream whose RecvMsg is fed by the events. A handler that only
// takes one request runs on the stream's executor; one that pulls messages
// with RecvMsg gets a goroutine of its own, since it stays parked between
// messages and its input arrives through invocations on the same executor.
type descStreamStrategy struct {
	fullMethod string
	impl       any
	desc       *grpc.StreamDesc

	out         *ResponseStream
	recv        chan *framing.Message
	handlerDone chan struct{}
	ended       bool
}

func (s *descStreamStrategy) Handle(ctx context.Context, ev Event) (Out, error) {
	first := s.out == nil
	if first {
		s.start(ctx)
	}
	switch {
	case s.ended:
	case !first && !ev.End && !s.desc.ClientStreams:
		s.out.Finish(status.Error(codes.InvalidArgument, "method accepts 1 request message but client sent >1"))
	case ev.End:
		s.ended = true
		close(s.recv)
	default:
		select {
		case s.recv <- ev.Message:
		case <-s.handlerDone:
			// the handler returned without reading everything
		case <-ctx.Done():
		}
	}
	if first {
		return Stream(nil, s.out), nil
	}
	return Nothing(nil), nil
}

func (s *descStreamStrategy) start(ctx context.Context) {
	out := NewResponseStream(ctx, DefaultStreamBuffer)
	// one slot, so that the first message never waits for the handler
	recv := make(chan *framing.Message, 1)
	done := make(chan struct{})
	s.out, s.recv, s.handlerDone = out, recv, done

	ss := &serverStream{
		ctx:           ctx,
		method:        s.fullMethod,
		clientStreams: s.desc.ClientStreams,
		out:           out,
		recv:          recv,
		codec:         internal.ProtoCodec(),
		cfg:           DecodeConfig{Encoding: StreamFromContext(ctx).Encoding},
	}
	handler, impl := s.desc.Handler, s.impl
	run := func() {
		defer close(done)
		out.Finish(handler(impl, ss))
	}
	if s.desc.ClientStreams {
		go run()
		return
	}
	if err := spawn(ctx, run); err != nil {
		close(done)
		out.Finish(status.Errorf(codes.Unavailable, "failed to start handler: %v", err))
	}
}

// serverStream implements grpc.ServerStream on top of a ResponseStream.
type serverStream struct {
	ctx           context.Context
	method        string
	clientStreams bool
	out           *ResponseStream
	recv          <-chan *framing.Message
	codec         encoding.Codec
	cfg           DecodeConfig
	recvd         int
}

var _ grpc.ServerStream = (*serverStream)(nil)

func (s *serverStream) transportStream() (grpc.ServerTransportStream, error) {
	sts := grpc.ServerTransportStreamFromContext(s.ctx)
	if sts == nil {
		return nil, fmt.Errorf("no transport stream in context for %s", s.method)
	}
	return sts, nil
}

func (s *serverStream) SetHeader(md metadata.MD) error {
	sts, err := s.transportStream()
	if err != nil {
		return err
	}
	return sts.SetHeader(md)
}

func (s *serverStream) SendHeader(md metadata.MD) error {
	sts, err := s.transportStream()
	if err != nil {
		return err
	}
	return sts.SendHeader(md)
}

func (s *serverStream) SetTrailer(md metadata.MD) {
	if sts, err := s.transportStream(); err == nil {
		_ = sts.SetTrailer(md)
	}
}

func (s *serverStream) Context() context.Context {
	return s.ctx
}

func (s *serverStream) SendMsg(m any) error {
	b, err := s.codec.Marshal(m)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to marshal response: %v", err)
	}
	if err := s.out.Send(Outbound{Payload: b}); err != nil {
		return internal.TranslateContextError(err)
	}
	return nil
}

func (s *serverStream) RecvMsg(m any) error {
	select {
	case msg, ok := <-s.recv:
		if !ok {
			if !s.clientStreams && s.recvd == 0 {
				return status.Error(codes.Internal, "method requires 1 request message but client sent none")
			}
			return io.EOF
		}
		s.recvd++
		b, err := Payload(msg, s.cfg)
		if err != nil {
			return err
		}
		if err := s.codec.Unmarshal(b, m); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return nil
	case <-s.ctx.Done():
		return internal.TranslateContextError(s.ctx.Err())
	}
}
