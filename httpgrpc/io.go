package httpgrpc

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"

	"github.com/fullstorydev/grpcexport/dispatch"
)

const readBufferSize = 32 * 1024

var errResponseClosed = errors.New("httpgrpc: response already complete")

// responseWriter maps the frames of a stream onto an http.ResponseWriter.
// The first header block becomes the response headers; a later one becomes
// the trailers, which net/http sends when the handler returns.
type responseWriter struct {
	mu          sync.Mutex
	w           http.ResponseWriter
	flusher     http.Flusher
	wroteHeader bool
	closed      bool
}

var _ dispatch.FrameWriter = (*responseWriter)(nil)

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	rw := &responseWriter{w: w}
	rw.flusher, _ = w.(http.Flusher)
	return rw
}

func (rw *responseWriter) WriteHeaders(fields []hpack.HeaderField, endStream bool) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.closed {
		return errResponseClosed
	}
	h := rw.w.Header()
	if rw.wroteHeader {
		for _, f := range fields {
			h.Add(http.TrailerPrefix+f.Name, f.Value)
		}
		return nil
	}

	code := http.StatusOK
	for _, f := range fields {
		if f.Name == ":status" {
			if c, err := strconv.Atoi(f.Value); err == nil {
				code = c
			}
			continue
		}
		h.Add(f.Name, f.Value)
	}
	rw.wroteHeader = true
	rw.w.WriteHeader(code)
	if !endStream {
		rw.flush()
	}
	return nil
}

func (rw *responseWriter) WriteData(p []byte) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.closed {
		return errResponseClosed
	}
	if _, err := rw.w.Write(p); err != nil {
		return err
	}
	rw.flush()
	return nil
}

func (rw *responseWriter) flush() {
	if rw.flusher != nil {
		rw.flusher.Flush()
	}
}

// close stops all later writes. The handler calls it before returning, since
// net/http forbids using the ResponseWriter after that.
func (rw *responseWriter) close() {
	rw.mu.Lock()
	rw.closed = true
	rw.mu.Unlock()
}

// recvWindow is how many request bytes a stream may hold before the body is
// read any further.
const recvWindow = 1 << 20

// window counts the request bytes a stream holds. The stream returns them
// through dispatch.OpenParams.OnConsumed.
type window struct {
	mu    sync.Mutex
	held  int
	freed chan struct{}
}

func newWindow() *window {
	return &window{freed: make(chan struct{}, 1)}
}

func (w *window) take(n int) {
	w.mu.Lock()
	w.held += n
	w.mu.Unlock()
}

func (w *window) release(n int) {
	w.mu.Lock()
	w.held -= n
	w.mu.Unlock()
	select {
	case w.freed <- struct{}{}:
	default:
	}
}

// wait blocks while the stream holds recvWindow bytes or more. It returns
// false if done is closed first.
func (w *window) wait(done <-chan struct{}) bool {
	for {
		w.mu.Lock()
		full := w.held >= recvWindow
		w.mu.Unlock()
		if !full {
			return true
		}
		select {
		case <-w.freed:
		case <-done:
			return false
		}
	}
}

// pumpBody feeds the request body to ds until the client half-closes. A read
// failure while the stream is still running means the client went away.
// Reading pauses while the stream holds a full window of unhandled messages.
func pumpBody(body io.Reader, ds *dispatch.Stream, win *window, log *zap.Logger) {
	buf := make([]byte, readBufferSize)
	for {
		if !win.wait(ds.Done()) {
			return
		}
		n, err := body.Read(buf)
		if n > 0 {
			win.take(n)
			ds.Receive(buf[:n], false)
		}
		if err == io.EOF {
			ds.Receive(nil, true)
			return
		}
		if err != nil {
			select {
			case <-ds.Done():
			default:
				log.Debug("failed to read request body", zap.Uint32("stream_id", ds.ID()), zap.Error(err))
				ds.Reset()
			}
			return
		}
	}
}

type strAddr string

func (a strAddr) Network() string {
	if a != "" {
		// net/http sets RemoteAddr to the IP:port of the peer
		return "tcp"
	}
	return ""
}

func (a strAddr) String() string { return string(a) }
