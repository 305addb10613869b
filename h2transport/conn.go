package h2transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"

	"github.com/fullstorydev/grpcexport/dispatch"
	"github.com/fullstorydev/grpcexport/internal"
)

var errStreamClosed = errors.New("h2transport: stream closed")

// conn is one HTTP/2 connection. A single goroutine reads frames; writes
// come from the writer goroutines of the streams and are serialized by wmu.
type conn struct {
	srv    *Server
	nc     net.Conn
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	auth   credentials.AuthInfo

	br       *bufio.Reader
	bw       *bufio.Writer
	framer   *http2.Framer
	maxFrame atomic.Uint32

	// wmu guards the framer's write side, the hpack encoder and bw.
	wmu  sync.Mutex
	hbuf bytes.Buffer
	henc *hpack.Encoder

	mu            sync.Mutex
	cond          *sync.Cond
	streams       map[uint32]*stream
	lastStreamID  uint32
	connWindow    int64
	initialWindow int32
	goingAway     bool
	closed        bool
}

func newConn(s *Server, nc net.Conn) *conn {
	c := &conn{
		srv:           s,
		nc:            nc,
		log:           s.log.With(zap.Stringer("remote", nc.RemoteAddr())),
		br:            bufio.NewReader(nc),
		bw:            bufio.NewWriter(nc),
		streams:       map[uint32]*stream{},
		connWindow:    defaultWindowSize,
		initialWindow: defaultWindowSize,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.cond = sync.NewCond(&c.mu)
	c.framer = http2.NewFramer(c.bw, c.br)
	c.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	c.framer.MaxHeaderListSize = maxHeaderListSize
	c.framer.SetMaxReadFrameSize(defaultFrameSize)
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.maxFrame.Store(defaultFrameSize)
	if tc, ok := nc.(*tls.Conn); ok {
		c.auth = credentials.TLSInfo{State: tc.ConnectionState()}
	}
	return c
}

func (c *conn) serve() error {
	defer c.teardown()

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(c.br, preface); err != nil {
		c.log.Debug("failed to read client preface", zap.Error(err))
		return err
	}
	if string(preface) != http2.ClientPreface {
		c.log.Warn("invalid client preface")
		return errors.New("h2transport: invalid client preface")
	}
	if err := c.sendServerPreface(); err != nil {
		c.log.Error("failed to send server preface", zap.Error(err))
		return err
	}
	c.log.Debug("connection established")

	for {
		f, err := c.framer.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				c.log.Debug("stream error", zap.Uint32("stream_id", se.StreamID), zap.Error(err))
				c.resetStream(se.StreamID, se.Code)
				continue
			}
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				c.protocolError(http2.ErrCode(ce), err.Error())
				return err
			}
			if errors.Is(err, io.EOF) || c.isClosed() {
				c.log.Debug("connection closed")
				return nil
			}
			c.log.Error("failed to read frame", zap.Error(err))
			return err
		}
		if err := c.processFrame(f); err != nil {
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				c.protocolError(http2.ErrCode(ce), err.Error())
			}
			return err
		}
	}
}

func (c *conn) sendServerPreface() error {
	return c.write(func(fr *http2.Framer) error {
		err := fr.WriteSettings(
			http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: c.srv.maxConcurrentStreams},
			http2.Setting{ID: http2.SettingInitialWindowSize, Val: initialWindowSize},
			http2.Setting{ID: http2.SettingMaxFrameSize, Val: defaultFrameSize},
			http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: maxHeaderListSize},
		)
		if err != nil {
			return err
		}
		return fr.WriteWindowUpdate(0, initialWindowSize-defaultWindowSize)
	})
}

func (c *conn) processFrame(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return c.processSettings(f)
	case *http2.PingFrame:
		if f.IsAck() {
			return nil
		}
		return c.write(func(fr *http2.Framer) error {
			return fr.WritePing(true, f.Data)
		})
	case *http2.MetaHeadersFrame:
		return c.processHeaders(f)
	case *http2.DataFrame:
		return c.processData(f)
	case *http2.RSTStreamFrame:
		c.log.Debug("stream reset by client", zap.Uint32("stream_id", f.StreamID), zap.Stringer("code", f.ErrCode))
		c.abortStream(f.StreamID)
		return nil
	case *http2.WindowUpdateFrame:
		return c.processWindowUpdate(f)
	case *http2.GoAwayFrame:
		c.log.Debug("client sent GOAWAY", zap.Stringer("code", f.ErrCode))
		c.mu.Lock()
		c.goingAway = true
		c.mu.Unlock()
		return nil
	default:
		// PRIORITY and unknown frame types are ignored
		return nil
	}
}

func (c *conn) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case http2.SettingInitialWindowSize:
			c.mu.Lock()
			delta := int32(s.Val) - c.initialWindow
			c.initialWindow = int32(s.Val)
			for _, st := range c.streams {
				st.window += int64(delta)
			}
			c.cond.Broadcast()
			c.mu.Unlock()
		case http2.SettingMaxFrameSize:
			c.maxFrame.Store(s.Val)
		case http2.SettingHeaderTableSize:
			c.wmu.Lock()
			c.henc.SetMaxDynamicTableSizeLimit(s.Val)
			c.wmu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.write(func(fr *http2.Framer) error {
		return fr.WriteSettingsAck()
	})
}

func (c *conn) processHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	c.mu.Lock()
	if st, ok := c.streams[id]; ok {
		// trailers from the client; they only mark the end of the stream
		st.halfClosed = st.halfClosed || f.StreamEnded()
		c.mu.Unlock()
		if f.StreamEnded() {
			st.ds.Receive(nil, true)
		}
		return nil
	}
	if id%2 == 0 || id <= c.lastStreamID {
		c.mu.Unlock()
		if id%2 == 0 {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		c.resetStream(id, http2.ErrCodeStreamClosed)
		return nil
	}
	c.lastStreamID = id
	refuse := c.goingAway || uint32(len(c.streams)) >= c.srv.maxConcurrentStreams
	c.mu.Unlock()

	log := c.log.With(zap.Uint32("stream_id", id))
	if refuse {
		log.Debug("stream refused")
		c.resetStream(id, http2.ErrCodeRefusedStream)
		return nil
	}
	if f.Truncated {
		log.Warn("request headers exceed limit")
		c.resetStream(id, http2.ErrCodeProtocol)
		return nil
	}
	if m := headerValue(f.Fields, ":method"); m != "POST" {
		log.Debug("rejecting request method", zap.String("http_method", m))
		c.finishEarly(id, f.StreamEnded(), []hpack.HeaderField{
			{Name: ":status", Value: "405"},
			{Name: "allow", Value: "POST"},
		})
		return nil
	}
	if l := c.srv.limiter; l != nil && !l.Allow() {
		log.Warn("stream rate limit exceeded")
		c.finishEarly(id, f.StreamEnded(), []hpack.HeaderField{
			{Name: ":status", Value: "200"},
			{Name: "content-type", Value: "application/grpc+proto"},
			{Name: "grpc-status", Value: strconv.Itoa(int(codes.ResourceExhausted))},
			{Name: "grpc-message", Value: internal.EncodeGrpcMessage("too many streams")},
		})
		return nil
	}

	st := &stream{c: c, id: id, halfClosed: f.StreamEnded()}
	c.mu.Lock()
	st.window = int64(c.initialWindow)
	c.streams[id] = st
	c.mu.Unlock()

	st.ds = c.srv.disp.Open(c.ctx, dispatch.OpenParams{
		StreamID: id,
		Headers:  f.Fields,
		Remote:   c.nc.RemoteAddr(),
		Local:    c.nc.LocalAddr(),
		AuthInfo: c.auth,
		Writer:   st,
		OnConsumed: func(n int) {
			c.refill(st, n)
		},
	})
	if f.StreamEnded() {
		st.ds.Receive(nil, true)
	}
	go c.awaitStream(st)
	return nil
}

// awaitStream releases a stream once its dispatch is over. If the client is
// still sending, the stream is reset so that it stops.
func (c *conn) awaitStream(st *stream) {
	<-st.ds.Done()
	c.mu.Lock()
	cur, ok := c.streams[st.id]
	mine := ok && cur == st
	if mine {
		delete(c.streams, st.id)
	}
	needReset := mine && !st.halfClosed && !st.reset && !c.closed
	st.reset = true
	c.cond.Broadcast()
	c.mu.Unlock()
	if needReset {
		_ = c.write(func(fr *http2.Framer) error {
			return fr.WriteRSTStream(st.id, http2.ErrCodeNo)
		})
	}
}

// finishEarly answers a stream that is not dispatched with a single header
// block.
func (c *conn) finishEarly(id uint32, ended bool, fields []hpack.HeaderField) {
	if err := c.writeHeaders(id, fields, true); err != nil {
		c.log.Error("failed to write response headers", zap.Error(err))
		return
	}
	if !ended {
		c.resetStream(id, http2.ErrCodeNo)
	}
}

func (c *conn) processData(f *http2.DataFrame) error {
	n := f.Header().Length
	c.mu.Lock()
	st := c.streams[f.StreamID]
	if st != nil && f.StreamEnded() {
		st.halfClosed = true
	}
	c.mu.Unlock()

	if n > 0 {
		// The connection window is refilled right away. The stream window
		// only gets the padding back here; the stream returns the data bytes
		// as it consumes them.
		padding := n - uint32(len(f.Data()))
		err := c.write(func(fr *http2.Framer) error {
			if err := fr.WriteWindowUpdate(0, n); err != nil {
				return err
			}
			if st != nil && !f.StreamEnded() && padding > 0 {
				return fr.WriteWindowUpdate(f.StreamID, padding)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if st == nil {
		c.mu.Lock()
		unknown := f.StreamID > c.lastStreamID
		c.mu.Unlock()
		if unknown {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		// the stream already completed; late data is dropped
		return nil
	}
	st.ds.Receive(f.Data(), f.StreamEnded())
	return nil
}

// refill returns n bytes to the receive window of a stream the client is
// still sending on.
func (c *conn) refill(st *stream, n int) {
	c.mu.Lock()
	open := !st.halfClosed && !st.reset && !c.closed
	c.mu.Unlock()
	if !open {
		return
	}
	if err := c.write(func(fr *http2.Framer) error {
		return fr.WriteWindowUpdate(st.id, uint32(n))
	}); err != nil {
		c.log.Debug("failed to write window update", zap.Uint32("stream_id", st.id), zap.Error(err))
	}
}

func (c *conn) processWindowUpdate(f *http2.WindowUpdateFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.StreamID == 0 {
		c.connWindow += int64(f.Increment)
		if c.connWindow > math.MaxInt32 {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		c.cond.Broadcast()
		return nil
	}
	st, ok := c.streams[f.StreamID]
	if !ok {
		return nil
	}
	st.window += int64(f.Increment)
	if st.window > math.MaxInt32 {
		go c.resetStream(f.StreamID, http2.ErrCodeFlowControl)
		return nil
	}
	c.cond.Broadcast()
	return nil
}

// resetStream sends RST_STREAM and aborts the stream if it is dispatched.
func (c *conn) resetStream(id uint32, code http2.ErrCode) {
	c.abortStream(id)
	if err := c.write(func(fr *http2.Framer) error {
		return fr.WriteRSTStream(id, code)
	}); err != nil {
		c.log.Debug("failed to reset stream", zap.Uint32("stream_id", id), zap.Error(err))
	}
}

// abortStream resets the dispatched stream, then releases a writer that may
// be waiting for flow control.
func (c *conn) abortStream(id uint32) {
	c.mu.Lock()
	st, ok := c.streams[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	st.ds.Reset()
	c.mu.Lock()
	if c.streams[id] == st {
		delete(c.streams, id)
	}
	st.reset = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *conn) protocolError(code http2.ErrCode, msg string) {
	c.log.Warn("connection error", zap.Stringer("code", code), zap.String("reason", msg))
	c.mu.Lock()
	last := c.lastStreamID
	c.mu.Unlock()
	_ = c.write(func(fr *http2.Framer) error {
		return fr.WriteGoAway(last, code, []byte(msg))
	})
}

// goAway tells the client that no new streams will be accepted. Streams that
// are already open run to completion.
func (c *conn) goAway() {
	c.mu.Lock()
	if c.goingAway || c.closed {
		c.mu.Unlock()
		return
	}
	c.goingAway = true
	last := c.lastStreamID
	c.mu.Unlock()
	if err := c.write(func(fr *http2.Framer) error {
		return fr.WriteGoAway(last, http2.ErrCodeNo, nil)
	}); err != nil {
		c.log.Debug("failed to send GOAWAY", zap.Error(err))
	}
}

func (c *conn) activeStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// close closes the network connection; the read loop then tears the
// connection down.
func (c *conn) close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	_ = c.nc.Close()
}

func (c *conn) teardown() {
	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.mu.Unlock()
	for _, st := range streams {
		st.ds.Reset()
	}

	c.mu.Lock()
	c.closed = true
	c.streams = map[uint32]*stream{}
	for _, st := range streams {
		st.reset = true
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	c.cancel()
	_ = c.nc.Close()
}

func (c *conn) write(fn func(*http2.Framer) error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := fn(c.framer); err != nil {
		return err
	}
	return c.bw.Flush()
}

// writeHeaders encodes fields and writes them as a HEADERS frame followed by
// as many CONTINUATION frames as the peer's frame size requires.
func (c *conn) writeHeaders(id uint32, fields []hpack.HeaderField, endStream bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.hbuf.Reset()
	for _, f := range fields {
		if err := c.henc.WriteField(f); err != nil {
			return fmt.Errorf("failed to encode header %q: %w", f.Name, err)
		}
	}
	block := c.hbuf.Bytes()
	limit := int(c.maxFrame.Load())
	first := true
	for first || len(block) > 0 {
		frag := block
		if len(frag) > limit {
			frag = frag[:limit]
		}
		block = block[len(frag):]
		var err error
		if first {
			err = c.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    len(block) == 0,
			})
			first = false
		} else {
			err = c.framer.WriteContinuation(id, len(block) == 0, frag)
		}
		if err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

func headerValue(fields []hpack.HeaderField, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}
