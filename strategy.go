package grpcexport

import (
	"context"
	"fmt"

	"github.com/fullstorydev/grpcexport/framing"
)

// Cardinality describes how many messages flow in each direction of an RPC.
type Cardinality int

const (
	Unary Cardinality = iota
	ClientStreaming
	ServerStreaming
	BidiStreaming
)

func (c Cardinality) String() string {
	switch c {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client_stream"
	case ServerStreaming:
		return "server_stream"
	case BidiStreaming:
		return "bidi_stream"
	default:
		return fmt.Sprintf("Cardinality(%d)", int(c))
	}
}

// ClientStreams reports whether the client may send more than one message.
func (c Cardinality) ClientStreams() bool {
	return c == ClientStreaming || c == BidiStreaming
}

// ServerStreams reports whether the server may send more than one message.
func (c Cardinality) ServerStreams() bool {
	return c == ServerStreaming || c == BidiStreaming
}

// Event is one input to a Strategy: either a complete inbound message or the
// end-of-stream signal that follows the last message.
type Event struct {
	Message *framing.Message
	End     bool
}

// MessageEvent returns the event for an inbound message.
func MessageEvent(m *framing.Message) Event {
	return Event{Message: m}
}

// EndEvent returns the event signalling that the client half-closed the
// stream.
func EndEvent() Event {
	return Event{End: true}
}

// Strategy turns the events of one stream into outbound messages. The caller
// never invokes Handle concurrently for the same stream, and events arrive in
// the order they were received.
//
// An error returned from Handle terminates the stream with the status the
// error carries, or Unknown if it carries none.
type Strategy interface {
	Handle(ctx context.Context, ev Event) (Out, error)
}

// StrategyFactory creates the strategy for a new stream. It is called once
// per stream, so the returned value may hold per-stream state.
type StrategyFactory func() Strategy

// Opener is implemented by strategies that want to run code when their stream
// opens, before the first event. A non-nil error fails the stream.
type Opener interface {
	Open(ctx context.Context) error
}

// Closer is implemented by strategies that want to be told when their stream
// is gone, however it ended. It is called after the final frame was written,
// or after the stream was reset.
type Closer interface {
	Close(ctx context.Context)
}
