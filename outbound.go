package grpcexport

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/grpc/metadata"
)

// OutKind tags the variant held by an Out.
type OutKind int

const (
	// KindNothing means no message is sent and the stream stays open.
	KindNothing OutKind = iota
	// KindSingle means exactly one message is sent.
	KindSingle
	// KindStream means messages follow asynchronously on a ResponseStream.
	KindStream
)

func (k OutKind) String() string {
	switch k {
	case KindNothing:
		return "nothing"
	case KindSingle:
		return "single"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Out is what a Strategy produces for one event. Use Nothing, Single and
// Stream to construct it.
type Out struct {
	Kind OutKind
	// Header is merged into the response headers if they have not been
	// written yet.
	Header metadata.MD
	// Payload is the encoded message for KindSingle.
	Payload []byte
	// CloseStream, for KindSingle, ends the RPC with an OK status after the
	// payload is written.
	CloseStream bool
	// Stream is the message source for KindStream.
	Stream *ResponseStream
}

// Nothing returns an Out that sends no message and keeps the stream open.
func Nothing(hdr metadata.MD) Out {
	return Out{Kind: KindNothing, Header: hdr}
}

// Single returns an Out that sends one message, then ends the RPC if
// closeStream is true.
func Single(hdr metadata.MD, payload []byte, closeStream bool) Out {
	return Out{Kind: KindSingle, Header: hdr, Payload: payload, CloseStream: closeStream}
}

// Stream returns an Out whose messages are produced on s.
func Stream(hdr metadata.MD, s *ResponseStream) Out {
	return Out{Kind: KindStream, Header: hdr, Stream: s}
}

// Outbound is one entry of a ResponseStream.
type Outbound struct {
	Payload []byte
	// CloseStream ends the RPC with an OK status once this entry is written.
	CloseStream bool
	// CloseOnly marks an entry that carries no message, only the close.
	CloseOnly bool
}

// ErrStreamFinished is returned by ResponseStream.Send once the stream has
// been finished, either by its producer or because the consumer stopped.
var ErrStreamFinished = errors.New("response stream already finished")

// DefaultStreamBuffer is the capacity of response streams created by the
// built-in strategies.
const DefaultStreamBuffer = 16

// ResponseStream connects a producer of response messages to the single task
// that writes them to the wire. It is a bounded queue with an explicit close
// signal: the producer calls Send any number of times, then Finish exactly
// once with the final error (nil for OK).
type ResponseStream struct {
	ctx  context.Context
	ch   chan Outbound
	done chan struct{}
	once sync.Once
	err  error
}

// NewResponseStream creates a stream with the given buffer size. Sends fail
// once ctx is done.
func NewResponseStream(ctx context.Context, size int) *ResponseStream {
	if size < 0 {
		size = 0
	}
	return &ResponseStream{
		ctx:  ctx,
		ch:   make(chan Outbound, size),
		done: make(chan struct{}),
	}
}

// Send queues one entry, blocking while the buffer is full.
func (s *ResponseStream) Send(o Outbound) error {
	select {
	case <-s.done:
		return ErrStreamFinished
	default:
	}
	select {
	case s.ch <- o:
		return nil
	case <-s.done:
		return ErrStreamFinished
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Finish marks the end of the stream. Only the first call has an effect; the
// error it carries becomes the status of the RPC.
func (s *ResponseStream) Finish(err error) bool {
	finished := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		finished = true
	})
	return finished
}

// Messages returns the channel entries are delivered on. It is never closed;
// consumers also select on Done.
func (s *ResponseStream) Messages() <-chan Outbound {
	return s.ch
}

// Done is closed once Finish has been called.
func (s *ResponseStream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error given to Finish. It is only meaningful after Done is
// closed.
func (s *ResponseStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Next returns the next entry. Entries sent before Finish are always
// delivered before ok is false. When ok is false the stream is over and Err
// reports how it ended.
func (s *ResponseStream) Next(ctx context.Context) (o Outbound, ok bool, err error) {
	select {
	case o = <-s.ch:
		return o, true, nil
	default:
	}
	select {
	case o = <-s.ch:
		return o, true, nil
	case <-s.done:
		// drain anything that raced with Finish
		select {
		case o = <-s.ch:
			return o, true, nil
		default:
			return Outbound{}, false, nil
		}
	case <-ctx.Done():
		return Outbound{}, false, ctx.Err()
	}
}
