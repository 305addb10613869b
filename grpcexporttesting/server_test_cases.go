package grpcexporttesting

import (
	"context"
	"io"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// RunServerTestCases runs every test case of this package against a server
// reachable through cc. The server must expose a *TestServer, registered with
// RegisterTestServiceServer, and the routes of RegisterMathRoutes.
//
// The test cases are defined as child tests by invoking t.Run on the given
// *testing.T.
func RunServerTestCases(t *testing.T, cc grpc.ClientConnInterface) {
	t.Run("service", func(t *testing.T) { RunServiceTestCases(t, cc) })
	t.Run("routes", func(t *testing.T) { RunRouteTestCases(t, cc) })
}

// RunServiceTestCases exercises the test service: successful RPCs, failures
// with error details, timeouts and client-side cancellations, for all four
// kinds of RPCs. Header and trailer metadata are checked in both directions.
func RunServiceTestCases(t *testing.T, cc grpc.ClientConnInterface) {
	cli := NewTestServiceClient(cc)
	t.Run("unary", func(t *testing.T) { testUnary(t, cli) })
	t.Run("client-stream", func(t *testing.T) { testClientStream(t, cli) })
	t.Run("server-stream", func(t *testing.T) { testServerStream(t, cli) })
	t.Run("half-duplex bidi-stream", func(t *testing.T) { testHalfDuplexBidiStream(t, cli) })
	t.Run("full-duplex bidi-stream", func(t *testing.T) { testFullDuplexBidiStream(t, cli) })
}

var (
	testPayload = string([]byte{100, 90, 80, 70, 60, 50, 40, 30, 20, 10, 0})

	testOutgoingMd = map[string]string{
		"foo":        "bar",
		"baz":        "bedazzle",
		"pickle-bin": testPayload,
	}

	testMdHeaders = map[string]string{
		"foo1":        "bar4",
		"baz2":        "bedazzle5",
		"pickle3-bin": testPayload,
	}

	testMdTrailers = map[string]string{
		"4foo4":        "7bar7",
		"5baz5":        "8bedazzle8",
		"6pickle6-bin": testPayload,
	}

	testErrorMessages = []proto.Message{
		&structpb.ListValue{
			Values: []*structpb.Value{
				structpb.NewNumberValue(123),
				structpb.NewStringValue("foo"),
			},
		},
		&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"FOO": structpb.NewNumberValue(456),
				"BAR": structpb.NewStringValue("bar"),
			},
		},
	}
)

func newRequest() Request {
	return Request{
		Payload:  testPayload,
		Headers:  testMdHeaders,
		Trailers: testMdTrailers,
	}
}

func outgoingContext() context.Context {
	return metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))
}

func testUnary(t *testing.T, cli *TestServiceClient) {
	ctx := outgoingContext()

	t.Run("success", func(t *testing.T) {
		var hdr, tlr metadata.MD
		req := newRequest()
		m, err := cli.Unary(ctx, req.Message(), grpc.Header(&hdr), grpc.Trailer(&tlr))
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		rsp := ParseResponse(m)
		if rsp.Payload != testPayload {
			t.Fatalf("wrong payload returned: expecting %v; got %v", testPayload, rsp.Payload)
		}
		checkRequestHeaders(t, testOutgoingMd, rsp.Headers)

		checkMetadata(t, testMdHeaders, hdr, "header")
		checkMetadata(t, testMdTrailers, tlr, "trailer")
	})

	t.Run("failure", func(t *testing.T) {
		req := newRequest()
		req.Code = codes.AlreadyExists
		req.Details = true
		_, err := cli.Unary(ctx, req.Message())
		checkError(t, err, codes.AlreadyExists, testErrorMessages...)
	})

	t.Run("timeout", func(t *testing.T) {
		req := newRequest()
		req.DelayMillis = 500
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err := cli.Unary(tctx, req.Message())
		checkError(t, err, codes.DeadlineExceeded)
	})

	t.Run("canceled", func(t *testing.T) {
		req := newRequest()
		req.DelayMillis = 500
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)

		_, err := cli.Unary(cctx, req.Message())
		checkError(t, err, codes.Canceled)
	})
}

func testClientStream(t *testing.T, cli *TestServiceClient) {
	ctx := outgoingContext()

	t.Run("success", func(t *testing.T) {
		cs, err := cli.ClientStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		req := newRequest()
		for i := 0; i < 3; i++ {
			if err := cs.Send(req.Message()); err != nil {
				t.Fatalf("sending message #%d failed: %v", i+1, err)
			}
		}

		m, err := cs.CloseAndRecv()
		if err != nil {
			t.Fatalf("receiving message failed: %v", err)
		}
		rsp := ParseResponse(m)
		if rsp.Payload != testPayload {
			t.Fatalf("wrong payload returned: expecting %v; got %v", testPayload, rsp.Payload)
		}
		if rsp.Count != 3 {
			t.Fatalf("wrong count returned: expecting %d; got %d", 3, rsp.Count)
		}
		checkRequestHeaders(t, testOutgoingMd, rsp.Headers)

		checkResponseMetadata(t, cs, testMdHeaders, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		cs, err := cli.ClientStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newRequest()
		req.Code = codes.ResourceExhausted
		req.Details = true
		if err := cs.Send(req.Message()); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}

		_, err = cs.CloseAndRecv()
		checkError(t, err, codes.ResourceExhausted, testErrorMessages...)

		checkResponseMetadata(t, cs, testMdHeaders, testMdTrailers)
	})

	t.Run("timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		cs, err := cli.ClientStream(tctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newRequest()
		req.DelayMillis = 500
		if err := cs.Send(req.Message()); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}

		_, err = cs.CloseAndRecv()
		checkError(t, err, codes.DeadlineExceeded)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)

		cs, err := cli.ClientStream(cctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newRequest()
		req.DelayMillis = 500
		if err := cs.Send(req.Message()); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}

		_, err = cs.CloseAndRecv()
		checkError(t, err, codes.Canceled)
	})
}

func testServerStream(t *testing.T, cli *TestServiceClient) {
	ctx := outgoingContext()

	t.Run("success", func(t *testing.T) {
		req := newRequest()
		req.Count = 5
		ss, err := cli.ServerStream(ctx, req.Message())
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		checkResponseHeaders(t, ss, testMdHeaders)

		for i := 0; i < 5; i++ {
			m, err := ss.Recv()
			if err != nil {
				t.Fatalf("receiving message #%d failed: %v", i+1, err)
			}
			rsp := ParseResponse(m)
			if rsp.Payload != testPayload {
				t.Fatalf("wrong payload returned: expecting %v; got %v", testPayload, rsp.Payload)
			}
			if rsp.Count != i+1 {
				t.Fatalf("messages out of order: expecting #%d; got #%d", i+1, rsp.Count)
			}
			checkRequestHeaders(t, testOutgoingMd, rsp.Headers)
		}
		if _, err := ss.Recv(); err != io.EOF {
			t.Fatalf("expected EOF; got %v", err)
		}

		checkResponseTrailers(t, ss, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		req := newRequest()
		req.Count = 2
		req.Code = codes.FailedPrecondition
		req.Details = true
		ss, err := cli.ServerStream(ctx, req.Message())
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		checkResponseHeaders(t, ss, testMdHeaders)

		for i := 0; i < 2; i++ {
			if _, err := ss.Recv(); err != nil {
				t.Fatalf("receiving message #%d failed: %v", i+1, err)
			}
		}
		_, err = ss.Recv()
		checkError(t, err, codes.FailedPrecondition, testErrorMessages...)

		checkResponseTrailers(t, ss, testMdTrailers)
	})

	t.Run("timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		req := newRequest()
		req.Count = 5
		req.DelayMillis = 500
		ss, err := cli.ServerStream(tctx, req.Message())
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		_, err = ss.Recv()
		checkError(t, err, codes.DeadlineExceeded)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)

		req := newRequest()
		req.Count = 5
		req.DelayMillis = 500
		ss, err := cli.ServerStream(cctx, req.Message())
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		_, err = ss.Recv()
		checkError(t, err, codes.Canceled)
	})
}

func testHalfDuplexBidiStream(t *testing.T, cli *TestServiceClient) {
	ctx := outgoingContext()

	t.Run("success", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newRequest()
		req.Count = -1 // enables half-duplex mode in server
		for i := 0; i < 3; i++ {
			if err := bidi.Send(req.Message()); err != nil {
				t.Fatalf("sending message #%d failed: %v", i+1, err)
			}
			req.Headers = nil
		}
		if err := bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		checkResponseHeaders(t, bidi, testMdHeaders)

		for i := 0; i < 3; i++ {
			m, err := bidi.Recv()
			if err != nil {
				t.Fatalf("receiving message #%d failed: %v", i+1, err)
			}
			rsp := ParseResponse(m)
			if rsp.Payload != testPayload {
				t.Fatalf("wrong payload in message #%d: expecting %v; got %v", i+1, testPayload, rsp.Payload)
			}
			checkRequestHeaders(t, testOutgoingMd, rsp.Headers)
		}
		if _, err := bidi.Recv(); err != io.EOF {
			t.Fatalf("expected EOF; got %v", err)
		}

		checkResponseTrailers(t, bidi, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newRequest()
		req.Count = -1
		if err := bidi.Send(req.Message()); err != nil {
			t.Fatalf("sending message #1 failed: %v", err)
		}
		req.Code = codes.DataLoss
		req.Details = true
		if err := bidi.Send(req.Message()); err != nil {
			t.Fatalf("sending message #2 failed: %v", err)
		}
		if err := bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		checkResponseHeaders(t, bidi, testMdHeaders)

		m, err := bidi.Recv()
		if err != nil {
			t.Fatalf("receiving message failed: %v", err)
		}
		if rsp := ParseResponse(m); rsp.Payload != testPayload {
			t.Fatalf("wrong payload returned: expecting %v; got %v", testPayload, rsp.Payload)
		}

		_, err = bidi.Recv()
		checkError(t, err, codes.DataLoss, testErrorMessages...)

		checkResponseTrailers(t, bidi, testMdTrailers)
	})
}

func testFullDuplexBidiStream(t *testing.T, cli *TestServiceClient) {
	ctx := outgoingContext()

	t.Run("success", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newRequest()
		for i := 0; i < 3; i++ {
			if err := bidi.Send(req.Message()); err != nil {
				t.Fatalf("sending message #%d failed: %v", i+1, err)
			}
			if i == 0 {
				checkResponseHeaders(t, bidi, testMdHeaders)
			}

			m, err := bidi.Recv()
			if err != nil {
				t.Fatalf("receiving message #%d failed: %v", i+1, err)
			}
			rsp := ParseResponse(m)
			if rsp.Payload != testPayload {
				t.Fatalf("wrong payload in message #%d: expecting %v; got %v", i+1, testPayload, rsp.Payload)
			}
			if rsp.Count != i+1 {
				t.Fatalf("wrong count in message #%d: got %d", i+1, rsp.Count)
			}
			checkRequestHeaders(t, testOutgoingMd, rsp.Headers)
		}

		if err := bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}
		if _, err := bidi.Recv(); err != io.EOF {
			t.Fatalf("expected EOF; got %v", err)
		}

		checkResponseTrailers(t, bidi, testMdTrailers)
	})

	t.Run("timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		bidi, err := cli.BidiStream(tctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newRequest()
		req.DelayMillis = 500
		if err := bidi.Send(req.Message()); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}

		_, err = bidi.Recv()
		checkError(t, err, codes.DeadlineExceeded)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)

		bidi, err := cli.BidiStream(cctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newRequest()
		req.DelayMillis = 500
		if err := bidi.Send(req.Message()); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}

		_, err = bidi.Recv()
		checkError(t, err, codes.Canceled)
	})
}

// RunRouteTestCases exercises the endpoints of RegisterMathRoutes, which are
// only served by a grpcexport registry.
func RunRouteTestCases(t *testing.T, cc grpc.ClientConnInterface) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	method := func(name string) string { return "/" + MathServiceName + "/" + name }

	t.Run("unary", func(t *testing.T) {
		var out wrapperspb.Int32Value
		if err := cc.Invoke(ctx, method("Double"), wrapperspb.Int32(21), &out); err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		if out.Value != 42 {
			t.Fatalf("wrong result: expecting 42; got %d", out.Value)
		}

		// zero travels as an empty request message
		if err := cc.Invoke(ctx, method("Double"), wrapperspb.Int32(0), &out); err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		if out.Value != 0 {
			t.Fatalf("wrong result: expecting 0; got %d", out.Value)
		}

		err := cc.Invoke(ctx, method("Double"), wrapperspb.Int32(-1), &out)
		checkError(t, err, codes.InvalidArgument)

		err = cc.Invoke(ctx, method("Missing"), wrapperspb.Int32(1), &out)
		checkError(t, err, codes.Unimplemented)
	})

	t.Run("client-stream", func(t *testing.T) {
		got := clientStream(t, ctx, cc, method("Sum"), 1, 2, 3, 4)
		if got != 10 {
			t.Fatalf("wrong sum: expecting 10; got %d", got)
		}
		got = clientStream(t, ctx, cc, method("UntilNegative"), 1, 2, 3)
		if got != 0 {
			t.Fatalf("wrong result: expecting 0; got %d", got)
		}
	})

	t.Run("client-stream early close", func(t *testing.T) {
		cs, err := cc.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true}, method("UntilNegative"))
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		for _, v := range []int32{4, -7} {
			if err := cs.SendMsg(wrapperspb.Int32(v)); err != nil {
				t.Fatalf("sending %d failed: %v", v, err)
			}
		}
		var out wrapperspb.Int32Value
		if err := cs.RecvMsg(&out); err != nil {
			t.Fatalf("receiving response failed: %v", err)
		}
		if out.Value != -7 {
			t.Fatalf("wrong result: expecting -7; got %d", out.Value)
		}
	})

	t.Run("server-stream", func(t *testing.T) {
		cs, err := cc.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, method("CountDown"))
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		if err := cs.SendMsg(wrapperspb.Int32(3)); err != nil {
			t.Fatalf("sending request failed: %v", err)
		}
		if err := cs.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}
		got := recvAll(t, cs)
		if want := []int32{3, 2, 1}; !equalInt32s(got, want) {
			t.Fatalf("wrong messages: expecting %v; got %v", want, got)
		}
	})

	t.Run("bidi-stream", func(t *testing.T) {
		cs, err := cc.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true, ServerStreams: true}, method("Echo"))
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		// the first exchange happens before the client half-closes
		if err := cs.SendMsg(wrapperspb.Int32(1)); err != nil {
			t.Fatalf("sending request failed: %v", err)
		}
		var out wrapperspb.Int32Value
		for _, want := range []int32{10, 11} {
			if err := cs.RecvMsg(&out); err != nil {
				t.Fatalf("receiving response failed: %v", err)
			}
			if out.Value != want {
				t.Fatalf("wrong response: expecting %d; got %d", want, out.Value)
			}
		}
		for _, v := range []int32{2, 3} {
			if err := cs.SendMsg(wrapperspb.Int32(v)); err != nil {
				t.Fatalf("sending request failed: %v", err)
			}
		}
		if err := cs.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}
		got := recvAll(t, cs)
		if want := []int32{20, 21, 30, 31}; !equalInt32s(got, want) {
			t.Fatalf("wrong messages: expecting %v; got %v", want, got)
		}
	})
}

func clientStream(t *testing.T, ctx context.Context, cc grpc.ClientConnInterface, method string, vs ...int32) int32 {
	t.Helper()
	cs, err := cc.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true}, method)
	if err != nil {
		t.Fatalf("RPC failed: %v", err)
	}
	for _, v := range vs {
		if err := cs.SendMsg(wrapperspb.Int32(v)); err != nil {
			t.Fatalf("sending %d failed: %v", v, err)
		}
	}
	if err := cs.CloseSend(); err != nil {
		t.Fatalf("closing send-side of RPC failed: %v", err)
	}
	var out wrapperspb.Int32Value
	if err := cs.RecvMsg(&out); err != nil {
		t.Fatalf("receiving response failed: %v", err)
	}
	return out.Value
}

func recvAll(t *testing.T, cs grpc.ClientStream) []int32 {
	t.Helper()
	var got []int32
	for {
		var out wrapperspb.Int32Value
		err := cs.RecvMsg(&out)
		if err == io.EOF {
			return got
		} else if err != nil {
			t.Fatalf("receiving response failed: %v", err)
		}
		got = append(got, out.Value)
	}
}

func equalInt32s(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func checkRequestHeaders(t *testing.T, expected, actual map[string]string) {
	t.Helper()
	// the echoed headers can include extra ones added by the client, such
	// as user-agent
	for k, v := range expected {
		v2, ok := actual[k]
		if !ok || v2 != v {
			t.Fatalf("wrong headers echoed back: expecting header %s to be %q, instead was %q", k, v, v2)
		}
	}
}

func checkResponseMetadata(t *testing.T, cs grpc.ClientStream, hdrs map[string]string, tlrs map[string]string) {
	t.Helper()
	checkResponseHeaders(t, cs, hdrs)
	checkResponseTrailers(t, cs, tlrs)
}

func checkResponseHeaders(t *testing.T, cs grpc.ClientStream, md map[string]string) {
	t.Helper()
	h, err := cs.Header()
	if err != nil {
		t.Fatalf("failed to get header metadata: %v", err)
	}
	checkMetadata(t, md, h, "header")
}

func checkResponseTrailers(t *testing.T, cs grpc.ClientStream, md map[string]string) {
	t.Helper()
	checkMetadata(t, md, cs.Trailer(), "trailer")
}

func checkMetadata(t *testing.T, expected map[string]string, actual metadata.MD, name string) {
	t.Helper()
	for k, v := range expected {
		v2, ok := actual[k]
		if !ok || len(v2) != 1 || v2[0] != v {
			t.Fatalf("wrong %ss echoed back: expecting %s %s to be [%s], instead was %v", name, name, k, v, v2)
		}
	}
}

func checkError(t *testing.T, err error, expectedCode codes.Code, expectedDetails ...proto.Message) {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("wrong type of error: %v", err)
	}
	if st.Code() != expectedCode {
		t.Fatalf("wrong response code: %v != %v (%v)", st.Code(), expectedCode, err)
	}
	actualDetails := st.Details()
	if len(actualDetails) != len(expectedDetails) {
		t.Fatalf("wrong number of error details: %v != %v", len(actualDetails), len(expectedDetails))
	}
	for i, msg := range actualDetails {
		m, ok := msg.(proto.Message)
		if !ok || !proto.Equal(m, expectedDetails[i]) {
			t.Fatalf("wrong error detail message at index %d: %v != %v", i, msg, expectedDetails[i])
		}
	}
}
