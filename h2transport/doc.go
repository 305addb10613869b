// Package h2transport serves gRPC directly over HTTP/2 connections.
//
// The server speaks HTTP/2 with prior knowledge (the way gRPC clients dial
// plaintext targets) or over connections already secured with TLS. It reads
// frames itself with the golang.org/x/net/http2 Framer, so the message
// framing, flow control and ordering of response frames are all handled by
// this module rather than by net/http:
//
//	reg := grpcexport.NewRegistry()
//	reg.HandleUnary("demo.Math", "Double", cfg, double)
//	srv, err := h2transport.NewServer(reg, h2transport.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	return srv.Serve(lis)
package h2transport
