// Package dispatch connects HTTP/2 streams to the routes of a
// grpcexport.Registry.
//
// A transport calls Dispatcher.Open when the request headers of a new stream
// have been decoded, then feeds the stream the payloads of its DATA frames
// with Stream.Receive. The stream splits the payloads into gRPC messages,
// hands them to the route's strategy through a per-stream sequencer, and
// writes the results through a FrameWriter from a single writer goroutine:
// one HEADERS block, the response messages in request order, then the
// trailers carrying the status.
package dispatch
