package grpcexport

import (
	"context"
	"net"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	"github.com/fullstorydev/grpcexport/sequencer"
)

// ConnectionEffect is declared by a handler on each response and tells the
// strategy what should happen to the stream afterwards.
type ConnectionEffect int

const (
	// Open keeps the stream open.
	Open ConnectionEffect = iota
	// End sends the response as the last message and ends the RPC.
	End
	// Close ends the RPC. The response content is sent first if it is
	// non-nil.
	Close
)

func (e ConnectionEffect) String() string {
	switch e {
	case Open:
		return "open"
	case End:
		return "end"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

func (e ConnectionEffect) closes() bool {
	return e == End || e == Close
}

// Request is the decoded form of one inbound message, as handed to a handler.
type Request struct {
	// Message is set by decoders that produce a proto message.
	Message proto.Message
	// Params holds named values produced by a ParameterDecoder, after
	// defaults were applied.
	Params map[string]any
	// Payload is the raw, decompressed message bytes. It is nil for the
	// end-of-stream request.
	Payload []byte
	// End is true for the request that represents the client half-closing
	// the stream. It carries no message.
	End bool
	// Metadata holds the request headers of the stream.
	Metadata metadata.MD
	// Peer is the remote address the message came from, if known.
	Peer net.Addr
	// Compressed reports whether the message arrived compressed.
	Compressed bool
}

// Param returns the named parameter.
func (r *Request) Param(name string) (any, bool) {
	v, ok := r.Params[name]
	return v, ok
}

// Response is what a handler returns for a request.
type Response struct {
	Content any
	Effect  ConnectionEffect
}

// Reply returns a response carrying content that ends the RPC.
func Reply(content any) *Response {
	return &Response{Content: content, Effect: End}
}

// Send returns a response carrying content that keeps the stream open.
func Send(content any) *Response {
	return &Response{Content: content, Effect: Open}
}

// Hangup returns a response without content that closes the stream.
func Hangup() *Response {
	return &Response{Effect: Close}
}

// UnaryFunc handles one request and returns one response. Client-streaming
// endpoints call it once per message and once more for the end of the
// stream.
type UnaryFunc func(ctx context.Context, req *Request) (*Response, error)

// StreamFunc handles one request and may send any number of responses before
// it returns. A response whose effect is End or Close closes the stream, and
// further sends fail.
type StreamFunc func(ctx context.Context, req *Request, send func(*Response) error) error

// StreamInfo describes the stream a strategy runs on. Transports attach it
// to the stream context.
type StreamInfo struct {
	// FullMethod is "/service/method".
	FullMethod string
	// Encoding is the value of the grpc-encoding request header.
	Encoding string
	// Cardinality is the cardinality of the route.
	Cardinality Cardinality
	// Remote is the peer address, if known.
	Remote net.Addr
	// Executor runs handler evaluations that continue after Handle returns,
	// such as a server-streaming handler. Nil starts a goroutine for each.
	Executor sequencer.Executor
}

type streamInfoKey struct{}

// NewStreamContext returns a context carrying info.
func NewStreamContext(ctx context.Context, info *StreamInfo) context.Context {
	return context.WithValue(ctx, streamInfoKey{}, info)
}

// StreamFromContext returns the StreamInfo attached by the transport, or an
// empty one.
func StreamFromContext(ctx context.Context) *StreamInfo {
	if info, ok := ctx.Value(streamInfoKey{}).(*StreamInfo); ok {
		return info
	}
	return &StreamInfo{}
}
