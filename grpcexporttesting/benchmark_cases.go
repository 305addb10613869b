package grpcexporttesting

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// RunServerBenchmarkCases measures round trips through the server reachable
// via cc, which must expose the same services RunServerTestCases expects.
func RunServerBenchmarkCases(b *testing.B, cc grpc.ClientConnInterface) {
	cli := NewTestServiceClient(cc)
	b.Run("unary", func(b *testing.B) { BenchmarkUnaryLatency(b, cli) })
	b.Run("route-unary", func(b *testing.B) { BenchmarkRouteLatency(b, cc) })
	b.Run("bidi-stream", func(b *testing.B) { BenchmarkBidiStreamThroughput(b, cli) })
}

// BenchmarkUnaryLatency issues sequential unary calls to the test service.
func BenchmarkUnaryLatency(b *testing.B, cli *TestServiceClient) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))
	req := newRequest()
	m := req.Message()

	var hdr, tlr metadata.MD
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rsp, err := cli.Unary(ctx, m, grpc.Header(&hdr), grpc.Trailer(&tlr))
		if err != nil {
			b.Fatalf("RPC failed: %v", err)
		}
		if p := ParseResponse(rsp).Payload; p != testPayload {
			b.Fatalf("wrong payload returned: expecting %v; got %v", testPayload, p)
		}
	}
}

// BenchmarkRouteLatency issues sequential calls to the Double route, whose
// request is decoded without a generated message type.
func BenchmarkRouteLatency(b *testing.B, cc grpc.ClientConnInterface) {
	ctx := context.Background()
	var out wrapperspb.Int32Value
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := cc.Invoke(ctx, "/"+MathServiceName+"/Double", wrapperspb.Int32(int32(i%1000)), &out); err != nil {
			b.Fatalf("RPC failed: %v", err)
		}
	}
}

// BenchmarkBidiStreamThroughput pings messages through a single full-duplex
// stream.
func BenchmarkBidiStreamThroughput(b *testing.B, cli *TestServiceClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bidi, err := cli.BidiStream(ctx)
	if err != nil {
		b.Fatalf("RPC failed: %v", err)
	}
	req := Request{Payload: testPayload}
	m := req.Message()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := bidi.Send(m); err != nil {
			b.Fatalf("sending message failed: %v", err)
		}
		if _, err := bidi.Recv(); err != nil {
			b.Fatalf("receiving message failed: %v", err)
		}
	}
	b.StopTimer()
	if err := bidi.CloseSend(); err != nil {
		b.Fatalf("closing send-side of RPC failed: %v", err)
	}
}
