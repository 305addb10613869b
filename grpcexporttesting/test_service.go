package grpcexporttesting

import (
	"context"
	"io"
	"time"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// TestServiceName is the fully-qualified name of the test service.
const TestServiceName = "grpcexport.testing.TestService"

// Message is the request and response type of every TestService method.
type Message = structpb.Struct

// Request tells the test service how to respond. It travels as a Message.
type Request struct {
	Payload  string
	Headers  map[string]string
	Trailers map[string]string
	// Code, if not OK, makes the call fail with that code.
	Code codes.Code
	// Details attaches the test error details to a failure.
	Details bool
	// Count is the number of messages a server stream sends. A negative
	// count puts a bidi stream in half-duplex mode.
	Count       int
	DelayMillis int
}

// Message returns the wire form of r.
func (r *Request) Message() *Message {
	return &Message{Fields: map[string]*structpb.Value{
		"payload":      structpb.NewStringValue(r.Payload),
		"headers":      structpb.NewStructValue(stringStruct(r.Headers)),
		"trailers":     structpb.NewStructValue(stringStruct(r.Trailers)),
		"code":         structpb.NewNumberValue(float64(r.Code)),
		"details":      structpb.NewBoolValue(r.Details),
		"count":        structpb.NewNumberValue(float64(r.Count)),
		"delay_millis": structpb.NewNumberValue(float64(r.DelayMillis)),
	}}
}

// ParseRequest reads a Request from its wire form.
func ParseRequest(m *Message) *Request {
	f := m.GetFields()
	return &Request{
		Payload:     f["payload"].GetStringValue(),
		Headers:     structStrings(f["headers"].GetStructValue()),
		Trailers:    structStrings(f["trailers"].GetStructValue()),
		Code:        codes.Code(f["code"].GetNumberValue()),
		Details:     f["details"].GetBoolValue(),
		Count:       int(f["count"].GetNumberValue()),
		DelayMillis: int(f["delay_millis"].GetNumberValue()),
	}
}

// Response is what the test service sends back.
type Response struct {
	Payload string
	// Headers echoes the request metadata the server received.
	Headers map[string]string
	Count   int
}

func (r *Response) message() *Message {
	return &Message{Fields: map[string]*structpb.Value{
		"payload": structpb.NewStringValue(r.Payload),
		"headers": structpb.NewStructValue(stringStruct(r.Headers)),
		"count":   structpb.NewNumberValue(float64(r.Count)),
	}}
}

// ParseResponse reads a Response from its wire form.
func ParseResponse(m *Message) *Response {
	f := m.GetFields()
	return &Response{
		Payload: f["payload"].GetStringValue(),
		Headers: structStrings(f["headers"].GetStructValue()),
		Count:   int(f["count"].GetNumberValue()),
	}
}

func stringStruct(m map[string]string) *structpb.Struct {
	s := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	for k, v := range m {
		s.Fields[k] = structpb.NewStringValue(v)
	}
	return s
}

func structStrings(s *structpb.Struct) map[string]string {
	m := map[string]string{}
	for k, v := range s.GetFields() {
		m[k] = v.GetStringValue()
	}
	return m
}

// TestServiceServer is the server API of the test service.
type TestServiceServer interface {
	Unary(context.Context, *Message) (*Message, error)
	ClientStream(grpc.ClientStreamingServer[Message, Message]) error
	ServerStream(*Message, grpc.ServerStreamingServer[Message]) error
	BidiStream(grpc.BidiStreamingServer[Message, Message]) error
}

// TestServer has default responses to the various kinds of methods.
type TestServer struct{}

var _ TestServiceServer = (*TestServer)(nil)

// Unary implements TestServiceServer.
func (s *TestServer) Unary(ctx context.Context, m *Message) (*Message, error) {
	req := ParseRequest(m)
	if err := sleep(ctx, req.DelayMillis); err != nil {
		return nil, err
	}
	if err := grpc.SetHeader(ctx, metadata.New(req.Headers)); err != nil {
		return nil, err
	}
	if err := grpc.SetTrailer(ctx, metadata.New(req.Trailers)); err != nil {
		return nil, err
	}
	if req.Code != codes.OK {
		return nil, statusFromRequest(req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	return (&Response{Headers: asMap(md), Payload: req.Payload}).message(), nil
}

// ClientStream implements TestServiceServer.
func (s *TestServer) ClientStream(cs grpc.ClientStreamingServer[Message, Message]) error {
	var req *Request
	count := 0
	for {
		m, err := cs.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		req = ParseRequest(m)
		count++
		if req.Code != codes.OK {
			break
		}
	}
	if req == nil {
		req = &Request{}
	}
	if err := sleep(cs.Context(), req.DelayMillis); err != nil {
		return err
	}
	if err := cs.SetHeader(metadata.New(req.Headers)); err != nil {
		return err
	}
	cs.SetTrailer(metadata.New(req.Trailers))
	if req.Code != codes.OK {
		return statusFromRequest(req)
	}
	md, _ := metadata.FromIncomingContext(cs.Context())
	return cs.SendAndClose((&Response{Headers: asMap(md), Payload: req.Payload, Count: count}).message())
}

// ServerStream implements TestServiceServer.
func (s *TestServer) ServerStream(m *Message, ss grpc.ServerStreamingServer[Message]) error {
	req := ParseRequest(m)
	if err := sleep(ss.Context(), req.DelayMillis); err != nil {
		return err
	}
	md, _ := metadata.FromIncomingContext(ss.Context())
	if err := ss.SetHeader(metadata.New(req.Headers)); err != nil {
		return err
	}
	for i := 0; i < req.Count; i++ {
		err := ss.Send((&Response{Headers: asMap(md), Payload: req.Payload, Count: i + 1}).message())
		if err != nil {
			return err
		}
	}
	ss.SetTrailer(metadata.New(req.Trailers))
	if req.Code != codes.OK {
		return statusFromRequest(req)
	}
	return nil
}

// BidiStream implements TestServiceServer.
func (s *TestServer) BidiStream(str grpc.BidiStreamingServer[Message, Message]) error {
	md, _ := metadata.FromIncomingContext(str.Context())
	var req *Request
	count := 0
	var responses []*Message
	isHalfDuplex := false
	for {
		m, err := str.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		req = ParseRequest(m)
		if err := sleep(str.Context(), req.DelayMillis); err != nil {
			return err
		}
		if count == 0 {
			if err := str.SetHeader(metadata.New(req.Headers)); err != nil {
				return err
			}
			isHalfDuplex = req.Count < 0
		}
		count++
		if req.Code != codes.OK {
			break
		}
		reply := (&Response{Headers: asMap(md), Payload: req.Payload, Count: count}).message()
		if isHalfDuplex {
			// the client stream is fully consumed before anything is sent
			responses = append(responses, reply)
		} else if err := str.Send(reply); err != nil {
			return err
		}
	}
	for _, reply := range responses {
		if err := str.Send(reply); err != nil {
			return err
		}
	}
	if req != nil {
		str.SetTrailer(metadata.New(req.Trailers))
		if req.Code != codes.OK {
			return statusFromRequest(req)
		}
	}
	return nil
}

func sleep(ctx context.Context, millis int) error {
	if millis <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(millis) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func statusFromRequest(req *Request) error {
	statProto := &spb.Status{
		Code:    int32(req.Code),
		Message: "error",
	}
	if req.Details {
		statProto.Details = testErrorDetails()
	}
	return status.FromProto(statProto).Err()
}

func testErrorDetails() []*anypb.Any {
	var details []*anypb.Any
	for _, msg := range testErrorMessages {
		a, err := anypb.New(msg)
		if err != nil {
			panic(err)
		}
		details = append(details, a)
	}
	return details
}

func asMap(md metadata.MD) map[string]string {
	m := map[string]string{}
	for k, vs := range md {
		if len(vs) == 0 {
			continue
		}
		m[k] = vs[len(vs)-1]
	}
	return m
}

// RegisterTestServiceServer registers srv with any grpc.ServiceRegistrar,
// including a grpcexport.Registry.
func RegisterTestServiceServer(r grpc.ServiceRegistrar, srv TestServiceServer) {
	r.RegisterService(&TestServiceDesc, srv)
}

// TestServiceDesc is the grpc.ServiceDesc of the test service, in the shape
// protoc-gen-go-grpc generates.
var TestServiceDesc = grpc.ServiceDesc{
	ServiceName: TestServiceName,
	HandlerType: (*TestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Unary",
			Handler:    unaryHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ClientStream",
			Handler:       clientStreamHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "ServerStream",
			Handler:       serverStreamHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "BidiStream",
			Handler:       bidiStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func unaryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TestServiceServer).Unary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + TestServiceName + "/Unary",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TestServiceServer).Unary(ctx, req.(*Message))
	}
	return interceptor(ctx, in, info, handler)
}

func clientStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TestServiceServer).ClientStream(&grpc.GenericServerStream[Message, Message]{ServerStream: stream})
}

func serverStreamHandler(srv any, stream grpc.ServerStream) error {
	m := new(Message)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TestServiceServer).ServerStream(m, &grpc.GenericServerStream[Message, Message]{ServerStream: stream})
}

func bidiStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TestServiceServer).BidiStream(&grpc.GenericServerStream[Message, Message]{ServerStream: stream})
}

// TestServiceClient is the client API of the test service.
type TestServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTestServiceClient returns a client that sends RPCs over cc.
func NewTestServiceClient(cc grpc.ClientConnInterface) *TestServiceClient {
	return &TestServiceClient{cc: cc}
}

// Unary calls the Unary method.
func (c *TestServiceClient) Unary(ctx context.Context, in *Message, opts ...grpc.CallOption) (*Message, error) {
	out := new(Message)
	if err := c.cc.Invoke(ctx, "/"+TestServiceName+"/Unary", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ClientStream starts a ClientStream call.
func (c *TestServiceClient) ClientStream(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[Message, Message], error) {
	stream, err := c.cc.NewStream(ctx, &TestServiceDesc.Streams[0], "/"+TestServiceName+"/ClientStream", opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[Message, Message]{ClientStream: stream}, nil
}

// ServerStream starts a ServerStream call with the given request.
func (c *TestServiceClient) ServerStream(ctx context.Context, in *Message, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Message], error) {
	stream, err := c.cc.NewStream(ctx, &TestServiceDesc.Streams[1], "/"+TestServiceName+"/ServerStream", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[Message, Message]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// BidiStream starts a BidiStream call.
func (c *TestServiceClient) BidiStream(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[Message, Message], error) {
	stream, err := c.cc.NewStream(ctx, &TestServiceDesc.Streams[2], "/"+TestServiceName+"/BidiStream", opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[Message, Message]{ClientStream: stream}, nil
}
