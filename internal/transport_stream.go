package internal

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// ServerTransportStream implements grpc.ServerTransportStream for a stream
// whose frames are written by a separate writer task. Handlers accumulate
// header and trailer metadata through grpc.SetHeader and grpc.SetTrailer; the
// writer collects them with TakeHeaders and TakeTrailers when it writes the
// corresponding HEADERS frames.
type ServerTransportStream struct {
	// Name is the full method name in "/service/method" format.
	Name string
	// OnSendHeader, if set, is called (without the lock held) when a handler
	// asks for headers to be sent right away via grpc.SendHeader.
	OnSendHeader func()

	mu       sync.Mutex
	hdrs     metadata.MD
	hdrsSent bool
	tlrs     metadata.MD
	tlrsSent bool
}

var _ grpc.ServerTransportStream = (*ServerTransportStream)(nil)

func (sts *ServerTransportStream) Method() string {
	return sts.Name
}

func (sts *ServerTransportStream) SetHeader(md metadata.MD) error {
	sts.mu.Lock()
	defer sts.mu.Unlock()
	return sts.setHeaderLocked(md)
}

func (sts *ServerTransportStream) SendHeader(md metadata.MD) error {
	sts.mu.Lock()
	err := sts.setHeaderLocked(md)
	sts.mu.Unlock()
	if err != nil {
		return err
	}
	if sts.OnSendHeader != nil {
		sts.OnSendHeader()
	}
	return nil
}

func (sts *ServerTransportStream) setHeaderLocked(md metadata.MD) error {
	if sts.hdrsSent {
		return fmt.Errorf("headers already sent")
	}
	if sts.hdrs == nil {
		sts.hdrs = metadata.MD{}
	}
	for k, v := range md {
		sts.hdrs[k] = append(sts.hdrs[k], v...)
	}
	return nil
}

func (sts *ServerTransportStream) SetTrailer(md metadata.MD) error {
	sts.mu.Lock()
	defer sts.mu.Unlock()
	if sts.tlrsSent {
		return fmt.Errorf("trailers already sent")
	}
	if sts.tlrs == nil {
		sts.tlrs = metadata.MD{}
	}
	for k, v := range md {
		sts.tlrs[k] = append(sts.tlrs[k], v...)
	}
	return nil
}

// TakeHeaders marks the headers as sent and returns them. The second return
// value is false if they had already been taken.
func (sts *ServerTransportStream) TakeHeaders() (metadata.MD, bool) {
	sts.mu.Lock()
	defer sts.mu.Unlock()
	if sts.hdrsSent {
		return nil, false
	}
	sts.hdrsSent = true
	return sts.hdrs, true
}

// TakeTrailers marks the trailers as sent and returns them. Headers can no
// longer be set either once the trailers are gone.
func (sts *ServerTransportStream) TakeTrailers() metadata.MD {
	sts.mu.Lock()
	defer sts.mu.Unlock()
	sts.hdrsSent = true
	sts.tlrsSent = true
	return sts.tlrs
}
