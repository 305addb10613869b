// Package grpcexport exposes plain Go handler functions as gRPC methods.
//
// Handlers are registered with a Registry under a service and method name,
// together with the cardinality of the method (unary, client-streaming,
// server-streaming or bidirectional). For every stream the transport opens,
// the registry produces a fresh Strategy. The strategy is fed one Event per
// inbound message, and a final Event when the client half-closes the stream.
// It answers each event with an Out value: nothing, a single message, or a
// ResponseStream that carries any number of messages.
//
// The transports in the h2transport and httpgrpc sub-packages drive
// strategies through the dispatch package. That package serializes
// invocations per stream, frames responses and writes trailers.
//
// Services generated by protoc-gen-go-grpc can be exposed as well, since
// *Registry implements grpc.ServiceRegistrar:
//
//	reg := grpcexport.NewRegistry()
//	pb.RegisterFooServer(reg, &fooImpl{})
//	reg.HandleUnary("demo.Math", "Double", grpcexport.EndpointConfig{
//		Decoder: grpcexport.ParameterDecoder(grpcexport.Parameter{Name: "n", Number: 1, Kind: grpcexport.KindInt64}),
//		Encoder: grpcexport.MustEncoder(int64(0)),
//	}, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
//		return grpcexport.Reply(req.Params["n"].(int64) * 2), nil
//	})
package grpcexport
