// Package httpgrpc exposes gRPC endpoints through a standard http.Handler.
// This is intended for programs that already run a net/http server and want
// the routes of a grpcexport.Registry to share its listener, TLS setup and
// middleware, rather than run the dedicated h2transport server.
//
// RPC strategies are invoked directly from the HTTP handler. The request is
// not transformed and proxied on loopback to a real gRPC server: the request
// body is split into gRPC messages as it arrives, and the response messages
// are written to the ResponseWriter as they are produced, with the status
// and trailing metadata sent as HTTP trailers.
//
// # Caveats
//
// gRPC needs HTTP/2, for trailers and for full-duplex streams. Requests made
// with an older protocol version are answered with 505 HTTP Version Not
// Supported. Servers that do not use TLS must wrap the handler with
// h2c.NewHandler so that clients can connect with prior knowledge:
//
//	srv, err := httpgrpc.NewServer(reg)
//	if err != nil {
//		return err
//	}
//	defer srv.Close()
//	return http.Serve(lis, h2c.NewHandler(srv, &http2.Server{}))
//
// Only POST requests are accepted; other methods get 405 Method Not Allowed.
// Everything else, including unknown methods and unsupported content types,
// is reported to the client as a gRPC status.
//
// Flow control and frame sizes are left to net/http, so the handler has no
// say over window sizes. Use h2transport when that matters.
package httpgrpc
