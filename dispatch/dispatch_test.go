package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fullstorydev/grpcexport"
	"github.com/fullstorydev/grpcexport/framing"
	"github.com/fullstorydev/grpcexport/sequencer"
)

type frame struct {
	fields []hpack.HeaderField
	data   []byte
	end    bool
}

func (f frame) isHeaders() bool { return f.fields != nil }

func (f frame) get(name string) string { return headerValue(f.fields, name) }

// recorder is a FrameWriter that keeps every frame in memory.
type recorder struct {
	mu     sync.Mutex
	frames []frame
}

func (r *recorder) WriteHeaders(fields []hpack.HeaderField, endStream bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame{fields: append([]hpack.HeaderField{}, fields...), end: endStream})
	return nil
}

func (r *recorder) WriteData(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame{data: append([]byte{}, p...)})
	return nil
}

func (r *recorder) snapshot() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame{}, r.frames...)
}

var int32Config = grpcexport.EndpointConfig{
	Decoder: grpcexport.ParameterDecoder(grpcexport.Parameter{Name: "value", Kind: grpcexport.KindInt32}),
	Encoder: grpcexport.MustEncoder(int32(0)),
}

func requestHeaders(path string, extra ...hpack.HeaderField) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: path},
		{Name: ":authority", Value: "localhost"},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "te", Value: "trailers"},
	}
	return append(fields, extra...)
}

func open(d *Dispatcher, rec *recorder, path string, extra ...hpack.HeaderField) *Stream {
	return d.Open(context.Background(), OpenParams{StreamID: 1, Headers: requestHeaders(path, extra...), Writer: rec})
}

func framed(t *testing.T, vs ...int32) []byte {
	t.Helper()
	var b []byte
	for _, v := range vs {
		p, err := proto.Marshal(wrapperspb.Int32(v))
		require.NoError(t, err)
		b = framing.AppendPrefix(b, false, len(p))
		b = append(b, p...)
	}
	return b
}

func waitDone(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not complete in time")
	}
}

// values decodes the DATA frames and checks the overall frame sequence:
// exactly one HEADERS block, then DATA, then the trailers.
func values(t *testing.T, frames []frame) []int32 {
	t.Helper()
	require.GreaterOrEqual(t, len(frames), 2)
	require.True(t, frames[0].isHeaders())
	require.False(t, frames[0].end)
	last := frames[len(frames)-1]
	require.True(t, last.isHeaders())
	require.True(t, last.end)

	var vs []int32
	for _, f := range frames[1 : len(frames)-1] {
		require.False(t, f.isHeaders(), "unexpected header block between messages")
		msgs, err := framing.NewSplitter(nil, 0).Split(f.data)
		require.NoError(t, err)
		for _, m := range msgs {
			var v wrapperspb.Int32Value
			require.NoError(t, proto.Unmarshal(m.Payload, &v))
			vs = append(vs, v.Value)
		}
	}
	return vs
}

func TestUnaryRoundTrip(t *testing.T) {
	reg := grpcexport.NewRegistry()
	reg.HandleUnary("test.Math", "Inc", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		return grpcexport.Reply(req.Params["value"].(int32) + 1), nil
	})
	d := New(reg, Options{})
	rec := &recorder{}

	s := open(d, rec, "/test.Math/Inc")
	s.Receive(framed(t, 41), true)
	waitDone(t, s)
	require.Equal(t, codes.OK, s.Code())

	frames := rec.snapshot()
	require.Len(t, frames, 3)
	require.Equal(t, "200", frames[0].get(":status"))
	// grpc-go clients send application/grpc; the response is always +proto
	require.Equal(t, "application/grpc+proto", frames[0].get("content-type"))
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x00, 0x02, 0x08, 0x2a}, frames[1].data)
	require.Equal(t, "0", frames[2].get("grpc-status"))
	require.Equal(t, []int32{42}, values(t, frames))
}

func TestUnknownRouteRejected(t *testing.T) {
	var created int32
	reg := grpcexport.NewRegistry()
	reg.RegisterStreamHandler("test.Math", "Known", grpcexport.Unary, func() grpcexport.Strategy {
		atomic.AddInt32(&created, 1)
		return nil
	})
	d := New(reg, Options{})

	cases := []struct {
		path   string
		header hpack.HeaderField
	}{
		{path: "/test.Math/Unknown"},
		{path: "/other.Service/Known"},
		{path: "not-a-path"},
		{path: "/test.Math/Known", header: hpack.HeaderField{Name: "content-type", Value: "application/json"}},
	}
	for _, tc := range cases {
		rec := &recorder{}
		headers := requestHeaders(tc.path)
		if tc.header.Name != "" {
			for i := range headers {
				if headers[i].Name == tc.header.Name {
					headers[i] = tc.header
				}
			}
		}
		s := d.Open(context.Background(), OpenParams{Headers: headers, Writer: rec})
		select {
		case <-s.Done():
		default:
			t.Fatalf("%s: rejected stream should be done right away", tc.path)
		}
		s.Receive(framed(t, 1), true)

		frames := rec.snapshot()
		require.Len(t, frames, 1, tc.path)
		require.True(t, frames[0].end)
		require.Equal(t, "200", frames[0].get(":status"))
		require.Equal(t, "12", frames[0].get("grpc-status"))
		require.Equal(t, codes.Unimplemented, s.Code())
	}
	require.Zero(t, atomic.LoadInt32(&created))
}

func TestClientStreamSum(t *testing.T) {
	reg := grpcexport.NewRegistry()
	var sum int32
	reg.HandleClientStream("test.Math", "Sum", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		if req.End {
			return grpcexport.Reply(sum), nil
		}
		sum += req.Params["value"].(int32)
		return grpcexport.Send(sum), nil
	})
	d := New(reg, Options{})
	rec := &recorder{}

	s := open(d, rec, "/test.Math/Sum")
	all := framed(t, 1, 2, 3)
	// the second message is split across two DATA frames
	s.Receive(all[:10], false)
	s.Receive(all[10:], false)
	s.Receive(nil, true)
	waitDone(t, s)

	frames := rec.snapshot()
	require.Len(t, frames, 3)
	require.Equal(t, []int32{6}, values(t, frames))
}

func TestBidiOrderingByteAtATime(t *testing.T) {
	reg := grpcexport.NewRegistry()
	reg.HandleBidiStream("test.Math", "Echo", int32Config, func(ctx context.Context, req *grpcexport.Request, send func(*grpcexport.Response) error) error {
		if req.End {
			return nil
		}
		v := req.Params["value"].(int32)
		// earlier messages take longer, later ones must still wait their turn
		time.Sleep(time.Duration(5-v) * time.Millisecond)
		if err := send(grpcexport.Send(v * 10)); err != nil {
			return err
		}
		return send(grpcexport.Send(v*10 + 1))
	})
	pool, err := sequencer.NewPoolExecutor(4)
	require.NoError(t, err)
	defer pool.Release()
	d := New(reg, Options{Executor: pool})
	rec := &recorder{}

	s := open(d, rec, "/test.Math/Echo")
	for _, b := range framed(t, 1, 2, 3, 4) {
		s.Receive([]byte{b}, false)
	}
	s.Receive(nil, true)
	waitDone(t, s)
	require.Equal(t, codes.OK, s.Code())
	require.Equal(t, []int32{10, 11, 20, 21, 30, 31, 40, 41}, values(t, rec.snapshot()))
}

func TestStreamsAreIndependent(t *testing.T) {
	reg := grpcexport.NewRegistry()
	release := make(chan struct{})
	reg.HandleUnary("test.Math", "Slow", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		<-release
		return grpcexport.Reply(int32(1)), nil
	})
	reg.HandleUnary("test.Math", "Fast", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		return grpcexport.Reply(int32(2)), nil
	})
	d := New(reg, Options{})

	slowRec, fastRec := &recorder{}, &recorder{}
	slow := open(d, slowRec, "/test.Math/Slow")
	slow.Receive(framed(t, 0), true)
	fast := open(d, fastRec, "/test.Math/Fast")
	fast.Receive(framed(t, 0), true)

	waitDone(t, fast)
	require.Equal(t, []int32{2}, values(t, fastRec.snapshot()))
	require.Empty(t, slowRec.snapshot())

	close(release)
	waitDone(t, slow)
	require.Equal(t, []int32{1}, values(t, slowRec.snapshot()))
}

func TestErrorTrailers(t *testing.T) {
	reg := grpcexport.NewRegistry()
	reg.HandleUnary("test.Math", "Fail", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		st, err := status.New(codes.FailedPrecondition, "100% broken\n").WithDetails(&errdetails.ErrorInfo{Reason: "BROKEN"})
		if err != nil {
			return nil, err
		}
		return nil, st.Err()
	})
	reg.HandleUnary("test.Math", "FailWithHeader", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		if err := grpc.SetHeader(ctx, metadata.Pairs("x-header", "h")); err != nil {
			return nil, err
		}
		return nil, status.Error(codes.NotFound, "missing")
	})
	reg.HandleUnary("test.Math", "Plain", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		return nil, errors.New("plain failure")
	})
	reg.HandleUnary("test.Math", "Panic", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		panic("boom")
	})
	d := New(reg, Options{})

	rec := &recorder{}
	s := open(d, rec, "/test.Math/Fail")
	s.Receive(framed(t, 1), true)
	waitDone(t, s)
	frames := rec.snapshot()
	require.Len(t, frames, 1, "failures before any message are trailers-only")
	f := frames[0]
	require.True(t, f.end)
	require.Equal(t, "9", f.get("grpc-status"))
	require.Equal(t, "100%25 broken%0A", f.get("grpc-message"))
	raw, err := base64.RawStdEncoding.DecodeString(f.get("grpc-status-details-bin"))
	require.NoError(t, err)
	var sp spb.Status
	require.NoError(t, proto.Unmarshal(raw, &sp))
	require.Equal(t, int32(codes.FailedPrecondition), sp.Code)
	require.Len(t, sp.Details, 1)

	rec = &recorder{}
	s = open(d, rec, "/test.Math/FailWithHeader")
	s.Receive(framed(t, 1), true)
	waitDone(t, s)
	frames = rec.snapshot()
	require.Len(t, frames, 2, "header metadata is sent ahead of the trailers")
	require.False(t, frames[0].end)
	require.Equal(t, "h", frames[0].get("x-header"))
	require.Empty(t, frames[0].get("grpc-status"))
	require.True(t, frames[1].end)
	require.Equal(t, "5", frames[1].get("grpc-status"))
	require.Empty(t, frames[1].get("x-header"))

	rec = &recorder{}
	s = open(d, rec, "/test.Math/Plain")
	s.Receive(framed(t, 1), true)
	waitDone(t, s)
	require.Equal(t, codes.Unknown, s.Code())
	require.Equal(t, "plain failure", rec.snapshot()[0].get("grpc-message"))

	rec = &recorder{}
	s = open(d, rec, "/test.Math/Panic")
	s.Receive(framed(t, 1), true)
	waitDone(t, s)
	require.Equal(t, codes.Internal, s.Code())
}

func TestMalformedFraming(t *testing.T) {
	reg := grpcexport.NewRegistry()
	reg.HandleUnary("test.Math", "Inc", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		return grpcexport.Reply(int32(0)), nil
	})
	d := New(reg, Options{MaxRecvMsgSize: 16})

	rec := &recorder{}
	s := open(d, rec, "/test.Math/Inc")
	s.Receive([]byte{0, 0, 0, 1, 0}, true)
	waitDone(t, s)
	require.Equal(t, codes.ResourceExhausted, s.Code())

	rec = &recorder{}
	s = open(d, rec, "/test.Math/Inc")
	s.Receive([]byte{0, 0, 0, 0, 5, 1}, true)
	waitDone(t, s)
	require.Equal(t, codes.Internal, s.Code())
}

func TestMetadataAndDeadline(t *testing.T) {
	reg := grpcexport.NewRegistry()
	reg.HandleUnary("test.Math", "Meta", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		if got := md.Get("x-token"); len(got) != 1 || got[0] != "abc" {
			return nil, status.Errorf(codes.InvalidArgument, "wrong token %v", got)
		}
		if got := md.Get("x-raw-bin"); len(got) != 1 || got[0] != "\x00\x01" {
			return nil, status.Errorf(codes.InvalidArgument, "wrong binary value %q", got)
		}
		if err := grpc.SetHeader(ctx, metadata.Pairs("x-header", "h")); err != nil {
			return nil, err
		}
		if err := grpc.SetTrailer(ctx, metadata.Pairs("x-trailer", "t")); err != nil {
			return nil, err
		}
		return grpcexport.Reply(int32(1)), nil
	})
	reg.HandleUnary("test.Math", "Stall", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := New(reg, Options{})

	rec := &recorder{}
	s := open(d, rec, "/test.Math/Meta",
		hpack.HeaderField{Name: "x-token", Value: "abc"},
		hpack.HeaderField{Name: "x-raw-bin", Value: base64.StdEncoding.EncodeToString([]byte{0, 1})})
	s.Receive(framed(t, 1), true)
	waitDone(t, s)
	frames := rec.snapshot()
	require.Equal(t, []int32{1}, values(t, frames))
	require.Equal(t, "h", frames[0].get("x-header"))
	require.Equal(t, "t", frames[len(frames)-1].get("x-trailer"))

	rec = &recorder{}
	start := time.Now()
	s = open(d, rec, "/test.Math/Stall", hpack.HeaderField{Name: "grpc-timeout", Value: "50m"})
	s.Receive(framed(t, 1), true)
	waitDone(t, s)
	require.Equal(t, codes.DeadlineExceeded, s.Code())
	require.Equal(t, "4", rec.snapshot()[0].get("grpc-status"))
	require.Less(t, time.Since(start), 2*time.Second)

	rec = &recorder{}
	s = open(d, rec, "/test.Math/Stall", hpack.HeaderField{Name: "grpc-timeout", Value: "soon"})
	waitDone(t, s)
	require.Equal(t, codes.Internal, s.Code())
}

func TestResetStopsWriting(t *testing.T) {
	reg := grpcexport.NewRegistry()
	closed := make(chan struct{})
	cfg := int32Config
	cfg.OnClose = func(context.Context) { close(closed) }
	reg.HandleServerStream("test.Math", "Forever", cfg, func(ctx context.Context, req *grpcexport.Request, send func(*grpcexport.Response) error) error {
		for i := int32(0); ; i++ {
			if err := send(grpcexport.Send(i)); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
	})
	d := New(reg, Options{})
	rec := &recorder{}

	s := open(d, rec, "/test.Math/Forever")
	s.Receive(framed(t, 0), true)
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 3 }, 5*time.Second, time.Millisecond)
	s.Reset()
	waitDone(t, s)
	<-closed
	require.Equal(t, codes.Canceled, s.Code())
	for _, f := range rec.snapshot() {
		require.False(t, f.end, "no trailers after a reset")
	}
}

func TestServerStreamThroughServiceDesc(t *testing.T) {
	desc := grpc.ServiceDesc{
		ServiceName: "test.Counter",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Count",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				var in wrapperspb.Int32Value
				if err := stream.RecvMsg(&in); err != nil {
					return err
				}
				if err := stream.SendHeader(metadata.Pairs("x-count", "yes")); err != nil {
					return err
				}
				for i := int32(1); i <= in.Value; i++ {
					if err := stream.SendMsg(wrapperspb.Int32(i)); err != nil {
						return err
					}
				}
				return nil
			},
		}},
	}
	reg := grpcexport.NewRegistry()
	reg.RegisterService(&desc, struct{}{})
	d := New(reg, Options{})
	rec := &recorder{}

	s := open(d, rec, "/test.Counter/Count")
	s.Receive(framed(t, 3), true)
	waitDone(t, s)
	frames := rec.snapshot()
	require.Equal(t, []int32{1, 2, 3}, values(t, frames))
	require.Equal(t, "yes", frames[0].get("x-count"))
}

func TestMetrics(t *testing.T) {
	reg := grpcexport.NewRegistry()
	reg.HandleUnary("test.Math", "Inc", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		return grpcexport.Reply(req.Params["value"].(int32) + 1), nil
	})
	m := NewMetrics(prometheus.NewRegistry())
	d := New(reg, Options{Metrics: m})

	for i := 0; i < 2; i++ {
		s := open(d, &recorder{}, "/test.Math/Inc")
		s.Receive(framed(t, 1), true)
		waitDone(t, s)
	}
	waitDone(t, open(d, &recorder{}, "/test.Math/Nope"))

	require.Equal(t, 2.0, testutil.ToFloat64(m.started.WithLabelValues("test.Math", "Inc", "unary")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.handled.WithLabelValues("test.Math", "Inc", "OK")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.handled.WithLabelValues(unknownMethod, unknownMethod, "Unimplemented")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.received.WithLabelValues("test.Math", "Inc")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.sent.WithLabelValues("test.Math", "Inc")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}

func TestHandlersShareTheExecutor(t *testing.T) {
	var running, peak atomic.Int32
	track := func() func() {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return func() { running.Add(-1) }
	}
	reg := grpcexport.NewRegistry()
	reg.HandleServerStream("test.Math", "Slow", int32Config, func(ctx context.Context, req *grpcexport.Request, send func(*grpcexport.Response) error) error {
		defer track()()
		time.Sleep(50 * time.Millisecond)
		return send(grpcexport.Send(req.Params["value"].(int32)))
	})
	reg.HandleBidiStream("test.Math", "SlowEcho", int32Config, func(ctx context.Context, req *grpcexport.Request, send func(*grpcexport.Response) error) error {
		defer track()()
		if req.End {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
		return send(grpcexport.Send(req.Params["value"].(int32)))
	})
	pool, err := sequencer.NewPoolExecutor(1)
	require.NoError(t, err)
	defer pool.Release()
	d := New(reg, Options{Executor: pool})

	var streams []*Stream
	var recs []*recorder
	for i := int32(0); i < 4; i++ {
		rec := &recorder{}
		path := "/test.Math/Slow"
		if i%2 == 1 {
			path = "/test.Math/SlowEcho"
		}
		s := d.Open(context.Background(), OpenParams{StreamID: uint32(2*i + 1), Headers: requestHeaders(path), Writer: rec})
		if i%2 == 0 {
			s.Receive(framed(t, i), true)
		} else {
			s.Receive(framed(t, i, i), true)
		}
		streams = append(streams, s)
		recs = append(recs, rec)
	}
	for i, s := range streams {
		waitDone(t, s)
		require.Equal(t, codes.OK, s.Code())
		want := []int32{int32(i)}
		if i%2 == 1 {
			want = append(want, int32(i))
		}
		require.Equal(t, want, values(t, recs[i].snapshot()))
	}
	require.Equal(t, int32(1), peak.Load(), "handlers ran beside each other on a pool of one")
}

func TestConsumedBytes(t *testing.T) {
	reg := grpcexport.NewRegistry()
	release := make(chan struct{})
	var sum int32
	reg.HandleClientStream("test.Math", "SlowSum", int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		if req.End {
			return grpcexport.Reply(sum), nil
		}
		<-release
		sum += req.Params["value"].(int32)
		return grpcexport.Send(sum), nil
	})
	d := New(reg, Options{})
	rec := &recorder{}

	var consumed atomic.Int64
	s := d.Open(context.Background(), OpenParams{
		StreamID: 1,
		Headers:  requestHeaders("/test.Math/SlowSum"),
		Writer:   rec,
		OnConsumed: func(n int) {
			consumed.Add(int64(n))
		},
	})
	complete := framed(t, 1, 2, 3)
	last := framed(t, 4)
	s.Receive(append(append([]byte{}, complete...), last[:3]...), false)

	// only the start of the incomplete message is returned while the
	// handler is stuck on the first one
	require.Equal(t, int64(3), consumed.Load())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(3), consumed.Load())

	close(release)
	require.Eventually(t, func() bool {
		return consumed.Load() == int64(len(complete)+3)
	}, 5*time.Second, time.Millisecond)

	s.Receive(last[3:], true)
	waitDone(t, s)
	require.Equal(t, codes.OK, s.Code())
	require.Equal(t, int64(len(complete)+len(last)), consumed.Load())
	require.Equal(t, []int32{10}, values(t, rec.snapshot()))
}
