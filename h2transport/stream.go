package h2transport

import (
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/fullstorydev/grpcexport/dispatch"
)

// stream is the transport side of one dispatched stream. It implements
// dispatch.FrameWriter on top of the connection.
type stream struct {
	c  *conn
	id uint32
	ds *dispatch.Stream

	// guarded by c.mu
	window     int64
	reset      bool
	halfClosed bool
}

var _ dispatch.FrameWriter = (*stream)(nil)

func (st *stream) WriteHeaders(fields []hpack.HeaderField, endStream bool) error {
	if err := st.checkOpen(); err != nil {
		return err
	}
	return st.c.writeHeaders(st.id, fields, endStream)
}

// WriteData writes p as DATA frames no larger than the peer's frame size,
// waiting for the connection and stream send windows as needed.
func (st *stream) WriteData(p []byte) error {
	c := st.c
	for len(p) > 0 {
		c.mu.Lock()
		for !st.reset && !c.closed && (c.connWindow <= 0 || st.window <= 0) {
			c.cond.Wait()
		}
		if st.reset || c.closed {
			c.mu.Unlock()
			return errStreamClosed
		}
		n := int64(len(p))
		n = min(n, c.connWindow, st.window, int64(c.maxFrame.Load()))
		c.connWindow -= n
		st.window -= n
		c.mu.Unlock()

		chunk := p[:n]
		p = p[n:]
		if err := c.write(func(fr *http2.Framer) error {
			return fr.WriteData(st.id, false, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (st *stream) checkOpen() error {
	st.c.mu.Lock()
	defer st.c.mu.Unlock()
	if st.reset || st.c.closed {
		return errStreamClosed
	}
	return nil
}
