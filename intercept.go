package grpcexport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// WithUnaryInterceptors configures the registry to wrap every handler
// evaluation with the given interceptors. For endpoints registered with the
// Handle* methods, the interceptors see the *Request and, for unary and
// client-streaming endpoints, the *Response. For services registered with
// RegisterService, they wrap the unary methods as they would on a
// *grpc.Server.
//
// The first interceptor in the set will be the first one invoked. When that
// interceptor delegates to the provided handler, it will call the second
// interceptor, and so on. Repeated options append to the chain.
func WithUnaryInterceptors(unaryInt ...grpc.UnaryServerInterceptor) RegistryOption {
	return func(r *Registry) {
		r.unaryInts = append(r.unaryInts, unaryInt...)
	}
}

// WithStreamInterceptors configures the registry to wrap the streaming
// methods of services registered with RegisterService.
func WithStreamInterceptors(streamInt ...grpc.StreamServerInterceptor) RegistryOption {
	return func(r *Registry) {
		r.streamInts = append(r.streamInts, streamInt...)
	}
}

// InterceptServer returns a new service description that will intercept RPCs
// with the given interceptors. If both given interceptors are nil, returns
// svcDesc.
func InterceptServer(svcDesc *grpc.ServiceDesc, unaryInt grpc.UnaryServerInterceptor, streamInt grpc.StreamServerInterceptor) *grpc.ServiceDesc {
	if unaryInt == nil && streamInt == nil {
		return svcDesc
	}
	intercepted := *svcDesc

	if unaryInt != nil {
		intercepted.Methods = make([]grpc.MethodDesc, len(svcDesc.Methods))
		for i, md := range svcDesc.Methods {
			origHandler := md.Handler
			intercepted.Methods[i] = grpc.MethodDesc{
				MethodName: md.MethodName,
				Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
					combinedInterceptor := unaryInt
					if interceptor != nil {
						// combine unaryInt with the interceptor provided to handler
						combinedInterceptor = func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
							h := func(ctx context.Context, req any) (any, error) {
								return unaryInt(ctx, req, info, handler)
							}
							// we first call provided interceptor, but supply a handler that will call unaryInt
							return interceptor(ctx, req, info, h)
						}
					}
					return origHandler(srv, ctx, dec, combinedInterceptor)
				},
			}
		}
	}

	if streamInt != nil {
		intercepted.Streams = make([]grpc.StreamDesc, len(svcDesc.Streams))
		for i, sd := range svcDesc.Streams {
			origHandler := sd.Handler
			info := &grpc.StreamServerInfo{
				FullMethod:     fmt.Sprintf("/%s/%s", svcDesc.ServiceName, sd.StreamName),
				IsClientStream: sd.ClientStreams,
				IsServerStream: sd.ServerStreams,
			}
			intercepted.Streams[i] = grpc.StreamDesc{
				StreamName:    sd.StreamName,
				ClientStreams: sd.ClientStreams,
				ServerStreams: sd.ServerStreams,
				Handler: func(srv any, stream grpc.ServerStream) error {
					return streamInt(srv, stream, info, origHandler)
				},
			}
		}
	}

	return &intercepted
}

func chainUnaryServer(unaryInt []grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	switch len(unaryInt) {
	case 0:
		return nil
	case 1:
		return unaryInt[0]
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		for i := range unaryInt {
			currInterceptor := unaryInt[len(unaryInt)-i-1] // going backwards through the chain
			currHandler := handler
			handler = func(ctx context.Context, req any) (any, error) {
				return currInterceptor(ctx, req, info, currHandler)
			}
		}
		return handler(ctx, req)
	}
}

func chainStreamServer(streamInt []grpc.StreamServerInterceptor) grpc.StreamServerInterceptor {
	switch len(streamInt) {
	case 0:
		return nil
	case 1:
		return streamInt[0]
	}
	return func(impl any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		for i := range streamInt {
			currInterceptor := streamInt[len(streamInt)-i-1] // going backwards through the chain
			currHandler := handler
			handler = func(impl any, stream grpc.ServerStream) error {
				return currInterceptor(impl, stream, info, currHandler)
			}
		}
		return handler(impl, stream)
	}
}
