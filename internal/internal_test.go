package internal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestParseTimeout(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"1H":   time.Hour,
		"2M":   2 * time.Minute,
		"3S":   3 * time.Second,
		"50m":  50 * time.Millisecond,
		"7u":   7 * time.Microsecond,
		"100n": 100,
	} {
		got, err := ParseTimeout(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	got, err := ParseTimeout("99999999999999999H")
	require.NoError(t, err)
	require.Equal(t, time.Duration(1<<63-1), got)

	for _, in := range []string{"", "m", "10", "10x", "-1S", "1.5S"} {
		_, err := ParseTimeout(in)
		require.Error(t, err, in)
	}
}

func TestEncodeGrpcMessage(t *testing.T) {
	require.Equal(t, "", EncodeGrpcMessage(""))
	require.Equal(t, "plain text", EncodeGrpcMessage("plain text"))
	require.Equal(t, "100%25 broken%0A", EncodeGrpcMessage("100% broken\n"))
	require.Equal(t, "caf%C3%A9", EncodeGrpcMessage("café"))
}

func TestMetadataFields(t *testing.T) {
	fields := []hpack.HeaderField{
		{Name: ":path", Value: "/a.B/C"},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "grpc-timeout", Value: "1S"},
		{Name: "X-Token", Value: "abc"},
		{Name: "x-multi", Value: "1"},
		{Name: "x-multi", Value: "2"},
		{Name: "x-raw-bin", Value: "AAE="},
		{Name: "x-unpadded-bin", Value: "AAE"},
	}
	md, err := MetadataFromFields(fields)
	require.NoError(t, err)
	require.Equal(t, metadata.MD{
		"x-token":        {"abc"},
		"x-multi":        {"1", "2"},
		"x-raw-bin":      {"\x00\x01"},
		"x-unpadded-bin": {"\x00\x01"},
	}, md)

	_, err = MetadataFromFields([]hpack.HeaderField{{Name: "x-bad-bin", Value: "!!"}})
	require.Error(t, err)

	out := AppendMetadataFields(nil, metadata.MD{
		"x-raw-bin":   {"\x00\x01"},
		"grpc-status": {"0"},
		":status":     {"500"},
	})
	require.Equal(t, []hpack.HeaderField{{Name: "x-raw-bin", Value: "AAE"}}, out)
}

func TestStatusFromError(t *testing.T) {
	require.Equal(t, codes.OK, StatusFromError(nil).Code())

	st := StatusFromError(errors.New("plain"))
	require.Equal(t, codes.Unknown, st.Code())
	require.Equal(t, "plain", st.Message())

	require.Equal(t, codes.DeadlineExceeded, StatusFromError(fmt.Errorf("waiting: %w", context.DeadlineExceeded)).Code())
	require.Equal(t, codes.Canceled, StatusFromError(context.Canceled).Code())
	require.Equal(t, codes.NotFound, StatusFromError(status.Error(codes.NotFound, "x")).Code())

	// an error must never be reported as success
	st = StatusFromError(okStatusError{})
	require.Equal(t, codes.Internal, st.Code())
	require.Equal(t, "odd", st.Message())
}

type okStatusError struct{}

func (okStatusError) Error() string { return "odd" }

func (okStatusError) GRPCStatus() *status.Status { return status.New(codes.OK, "odd") }

func TestSplitMethodName(t *testing.T) {
	svc, m, ok := SplitMethodName("/pkg.Service/Method")
	require.True(t, ok)
	require.Equal(t, "pkg.Service", svc)
	require.Equal(t, "Method", m)

	for _, in := range []string{"", "pkg.Service/Method", "/Method", "/pkg.Service/", "//Method"} {
		_, _, ok := SplitMethodName(in)
		require.False(t, ok, in)
	}
}

func TestServerTransportStream(t *testing.T) {
	sent := 0
	sts := &ServerTransportStream{Name: "/a.B/C", OnSendHeader: func() { sent++ }}
	require.Equal(t, "/a.B/C", sts.Method())

	require.NoError(t, sts.SetHeader(metadata.Pairs("a", "1")))
	require.NoError(t, sts.SendHeader(metadata.Pairs("b", "2")))
	require.Equal(t, 1, sent)
	require.NoError(t, sts.SetTrailer(metadata.Pairs("c", "3")))

	hdr, ok := sts.TakeHeaders()
	require.True(t, ok)
	require.Equal(t, metadata.Pairs("a", "1", "b", "2"), hdr)
	_, ok = sts.TakeHeaders()
	require.False(t, ok)
	require.Error(t, sts.SetHeader(metadata.Pairs("d", "4")))

	require.Equal(t, metadata.Pairs("c", "3"), sts.TakeTrailers())
	require.Error(t, sts.SetTrailer(metadata.Pairs("e", "5")))
}
