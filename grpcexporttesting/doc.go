// Package grpcexporttesting helps with testing servers that export gRPC
// endpoints. Its main value is in a method that, given a client connection,
// will ensure the server behind it behaves like a standard gRPC server under
// various conditions.
//
// It tests successful RPCs, failures with error details, timeouts and
// client-side cancellations. It covers all kinds of RPCs: unary,
// client-streaming, server-streaming and bidirectional-streaming, the latter
// in both half-duplex and full-duplex modes.
//
// The server must expose the test server implementation contained in this
// package, &grpcexporttesting.TestServer{}, registered with
// RegisterTestServiceServer. RunServerTestCases also expects the endpoints of
// RegisterMathRoutes, which need a grpcexport.Registry; RunServiceTestCases
// alone works against any gRPC server.
package grpcexporttesting
