package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpcexport"
	"github.com/fullstorydev/grpcexport/framing"
	"github.com/fullstorydev/grpcexport/internal"
	"github.com/fullstorydev/grpcexport/sequencer"
)

// item is one entry of the write queue: the future of a strategy invocation,
// or an error that ends the stream at that position.
type item struct {
	fut *sequencer.Future[grpcexport.Out]
	end bool
	err error
}

// inbound is an event together with the request bytes it keeps out of the
// client's flow-control window until its invocation completes.
type inbound struct {
	ev   grpcexport.Event
	held int
}

// transportError wraps failures of the FrameWriter. No trailers are
// attempted after one.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "write failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// Stream is the server side of one RPC. The transport feeds it request bytes
// with Receive from the goroutine that reads the connection; a writer
// goroutine owned by the stream writes the response frames in the order the
// corresponding invocations were queued.
type Stream struct {
	id      uint32
	log     *zap.Logger
	metrics *Metrics
	w       FrameWriter
	service string
	method  string

	ctx      context.Context
	cancel   context.CancelFunc
	sts      *internal.ServerTransportStream
	strategy grpcexport.Strategy
	opened   bool
	seq      *sequencer.Sequencer[inbound, grpcexport.Out]
	// consumed returns request bytes to the client's flow-control window.
	consumed func(n int)
	// splitter is only used by Receive.
	splitter *framing.Splitter

	mu       sync.Mutex
	queue    []item
	ended    bool
	reset    bool
	finished bool
	failure  error

	notify   chan struct{}
	hdrNow   chan struct{}
	failed   chan struct{}
	failOnce sync.Once
	done     chan struct{}

	// owned by the writer goroutine
	hdr         metadata.MD
	headersSent bool
	code        codes.Code
}

// ID returns the HTTP/2 stream identifier.
func (s *Stream) ID() uint32 {
	return s.id
}

// Context returns the stream context, which handlers also receive.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Done is closed once the stream is over: the trailers were written, writing
// failed, or the stream was reset.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Code returns the status the stream ended with. It is only meaningful after
// Done is closed.
func (s *Stream) Code() codes.Code {
	select {
	case <-s.done:
		return s.code
	default:
		return codes.OK
	}
}

// Receive hands the payload of a DATA frame to the stream. endStream reports
// that the client half-closed the stream with this frame. Data that arrives
// after the end of the stream, or after the stream finished, is ignored.
//
// Receive must not be called concurrently.
func (s *Stream) Receive(p []byte, endStream bool) {
	s.mu.Lock()
	if s.ended || s.finished {
		s.mu.Unlock()
		return
	}
	s.ended = endStream
	s.mu.Unlock()

	before := s.splitter.Pending()
	msgs, err := s.splitter.Split(p)
	if err == nil {
		// Bytes of an incomplete message are returned right away, since the
		// client cannot finish the message without window. Complete messages
		// hold their bytes until they have been handled.
		if len(msgs) == 0 {
			s.release(len(p))
		} else {
			s.release(s.splitter.Pending())
		}
	}
	s.metrics.messagesReceived(s.service, s.method, len(msgs))
	for i, m := range msgs {
		held := framing.PrefixSize + len(m.Payload)
		if i == 0 {
			// the buffered head of this message was already returned
			held -= before
		}
		s.enqueue(item{fut: s.seq.Handle(inbound{ev: grpcexport.MessageEvent(m), held: held})})
	}
	switch {
	case errors.Is(err, framing.ErrMessageTooLarge):
		s.fail(status.Error(codes.ResourceExhausted, err.Error()))
	case err != nil:
		s.fail(status.Error(codes.Internal, err.Error()))
	case endStream && s.splitter.Pending() > 0:
		s.fail(status.Errorf(codes.Internal, "stream ended with %d bytes of an incomplete message", s.splitter.Pending()))
	case endStream:
		s.enqueue(item{fut: s.seq.Handle(inbound{ev: grpcexport.EndEvent()}), end: true})
	}
}

// Reset aborts the stream after the client reset it or the connection was
// lost. The stream context is canceled and nothing more is written.
// Invocations that are already running are not waited for.
func (s *Stream) Reset() {
	s.mu.Lock()
	s.reset = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Stream) enqueue(it item) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, it)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// fail ends the stream with err once the entries queued so far have been
// written. Streaming responses that are in progress are cut short.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.enqueue(item{err: err})
	s.abort(err)
}

func (s *Stream) abort(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.failure = err
		s.mu.Unlock()
		close(s.failed)
	})
}

func (s *Stream) failureErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Stream) sendHeaderNow() {
	select {
	case s.hdrNow <- struct{}{}:
	default:
	}
}

func (s *Stream) invoke(in inbound) (out grpcexport.Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = status.Errorf(codes.Internal, "handler panicked: %v", r)
		}
		if err != nil {
			s.abort(err)
		}
		s.release(in.held)
	}()
	if err := s.ctx.Err(); err != nil {
		return grpcexport.Out{}, internal.TranslateContextError(err)
	}
	return s.strategy.Handle(s.ctx, in.ev)
}

func (s *Stream) release(n int) {
	if n > 0 && s.consumed != nil {
		s.consumed(n)
	}
}

func (s *Stream) run() {
	s.finish(s.write())
}

// write consumes the queue until the RPC is complete. A nil return means OK.
func (s *Stream) write() error {
	for {
		it, err := s.next()
		if err != nil {
			return err
		}
		if it.err != nil {
			return it.err
		}
		out, err := s.await(it.fut)
		if err != nil {
			return err
		}
		s.mergeHeader(out.Header)
		switch out.Kind {
		case grpcexport.KindSingle:
			if err := s.writeMessage(out.Payload); err != nil {
				return err
			}
			if out.CloseStream {
				return nil
			}
		case grpcexport.KindStream:
			return s.drain(out.Stream)
		}
		if it.end {
			return nil
		}
	}
}

func (s *Stream) next() (item, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			it := s.queue[0]
			s.queue[0] = item{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return it, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.hdrNow:
			if err := s.writeHeaders(); err != nil {
				return item{}, err
			}
		case <-s.ctx.Done():
			return item{}, internal.TranslateContextError(s.ctx.Err())
		}
	}
}

func (s *Stream) await(fut *sequencer.Future[grpcexport.Out]) (grpcexport.Out, error) {
	for {
		select {
		case <-fut.Done():
			return fut.Result()
		case <-s.hdrNow:
			if err := s.writeHeaders(); err != nil {
				return grpcexport.Out{}, err
			}
		case <-s.ctx.Done():
			return grpcexport.Out{}, internal.TranslateContextError(s.ctx.Err())
		}
	}
}

// drain writes the entries of rs until it finishes, and ends the RPC with
// the error it finished with.
func (s *Stream) drain(rs *grpcexport.ResponseStream) (err error) {
	defer func() {
		rs.Finish(err)
	}()
	for {
		select {
		case o := <-rs.Messages():
			if done, err := s.writeOutbound(o); done || err != nil {
				return err
			}
		case <-rs.Done():
			for {
				select {
				case o := <-rs.Messages():
					if done, err := s.writeOutbound(o); done || err != nil {
						return err
					}
				default:
					return rs.Err()
				}
			}
		case <-s.failed:
			return s.failureErr()
		case <-s.hdrNow:
			if err := s.writeHeaders(); err != nil {
				return err
			}
		case <-s.ctx.Done():
			return internal.TranslateContextError(s.ctx.Err())
		}
	}
}

func (s *Stream) writeOutbound(o grpcexport.Outbound) (done bool, err error) {
	if !o.CloseOnly {
		if err := s.writeMessage(o.Payload); err != nil {
			return true, err
		}
	}
	return o.CloseStream, nil
}

func (s *Stream) mergeHeader(md metadata.MD) {
	if len(md) == 0 {
		return
	}
	if s.headersSent {
		s.log.Debug("dropping header metadata produced after headers were sent")
		return
	}
	s.hdr = metadata.Join(s.hdr, md)
}

func (s *Stream) writeHeaders() error {
	if s.headersSent {
		return nil
	}
	s.headersSent = true
	md, _ := s.sts.TakeHeaders()
	if err := s.w.WriteHeaders(responseHeaders(metadata.Join(s.hdr, md)), false); err != nil {
		return &transportError{err: err}
	}
	return nil
}

func (s *Stream) writeMessage(payload []byte) error {
	if err := s.writeHeaders(); err != nil {
		return err
	}
	b, err := framing.Encode(payload, false)
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	if err := s.w.WriteData(b); err != nil {
		return &transportError{err: err}
	}
	s.metrics.messageSent(s.service, s.method)
	return nil
}

func (s *Stream) writeTrailers(st *status.Status) error {
	if !s.headersSent {
		s.headersSent = true
		hdr, _ := s.sts.TakeHeaders()
		hdr = metadata.Join(s.hdr, hdr)
		tlr := s.sts.TakeTrailers()
		if len(hdr) == 0 {
			return s.w.WriteHeaders(trailersOnly(st, nil, tlr), true)
		}
		// header metadata gets its own block so clients can read it apart
		// from the trailers
		if err := s.w.WriteHeaders(responseHeaders(hdr), false); err != nil {
			return err
		}
		return s.w.WriteHeaders(trailers(st, tlr), true)
	}
	return s.w.WriteHeaders(trailers(st, s.sts.TakeTrailers()), true)
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.finished = true
	s.queue = nil
	reset := s.reset
	s.mu.Unlock()

	var te *transportError
	switch {
	case reset:
		s.code = codes.Canceled
		s.log.Debug("stream reset by client")
	case errors.As(err, &te):
		s.code = codes.Unavailable
		s.log.Error("failed to write response", zap.Error(te.err))
	default:
		st := internal.StatusFromError(err)
		s.code = st.Code()
		if werr := s.writeTrailers(st); werr != nil {
			s.log.Error("failed to write trailers", zap.Error(werr))
		}
		if s.code == codes.OK {
			s.log.Debug("stream completed", zap.Stringer("code", s.code))
		} else {
			s.log.Warn("stream failed", zap.Stringer("code", s.code), zap.String("message", st.Message()))
		}
	}

	s.cancel()
	if c, ok := s.strategy.(grpcexport.Closer); ok && s.opened {
		c.Close(s.ctx)
	}
	s.metrics.streamHandled(s.service, s.method, s.code.String())
	close(s.done)
}

// reject ends a stream that never got a strategy.
func (s *Stream) reject(st *status.Status) {
	s.finished = true
	s.code = st.Code()
	if err := s.w.WriteHeaders(trailersOnly(st, nil, nil), true); err != nil {
		s.log.Error("failed to write trailers", zap.Error(err))
	}
	s.log.Debug("stream rejected", zap.Stringer("code", s.code), zap.String("message", st.Message()))
	s.cancel()
	s.metrics.streamHandled(s.service, s.method, s.code.String())
	close(s.done)
}
