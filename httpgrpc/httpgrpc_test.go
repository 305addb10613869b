package httpgrpc_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fullstorydev/grpcexport"
	"github.com/fullstorydev/grpcexport/grpcexporttesting"
	"github.com/fullstorydev/grpcexport/httpgrpc"
)

func newRegistry() *grpcexport.Registry {
	reg := grpcexport.NewRegistry()
	grpcexporttesting.RegisterTestServiceServer(reg, &grpcexporttesting.TestServer{})
	grpcexporttesting.RegisterMathRoutes(reg)
	return reg
}

// serve mounts h on a plaintext HTTP/2 server and returns its address.
func serve(t *testing.T, h http.Handler) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpServer := http.Server{Handler: h2c.NewHandler(h, &http2.Server{})}
	go httpServer.Serve(l)
	t.Cleanup(func() {
		_ = httpServer.Close()
	})
	return l.Addr().String()
}

// h2cClient speaks HTTP/2 with prior knowledge over plaintext connections.
func h2cClient() *http.Client {
	return &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
}

func TestGrpcOverHttp(t *testing.T) {
	svr, err := httpgrpc.NewServer(newRegistry(), httpgrpc.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	addr := serve(t, svr)

	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()

	grpcexporttesting.RunServerTestCases(t, cc)
}

func TestGrpcOverHttpWithWorkerPool(t *testing.T) {
	svr, err := httpgrpc.NewServer(newRegistry(), httpgrpc.WithWorkerPool(4))
	require.NoError(t, err)
	defer svr.Close()
	addr := serve(t, svr)

	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()

	grpcexporttesting.RunServiceTestCases(t, cc)
}

func TestBasePath(t *testing.T) {
	svr, err := httpgrpc.NewServer(newRegistry(), httpgrpc.WithBasePath("/api"))
	require.NoError(t, err)
	var mux http.ServeMux
	mux.Handle("/api/", svr)
	addr := serve(t, &mux)

	// field 1 = 21
	body := []byte{0, 0, 0, 0, 2, 0x08, 0x15}
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/api/"+grpcexporttesting.MathServiceName+"/Double", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/grpc")
	req.Header.Set("TE", "trailers")

	resp, err := h2cClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/grpc+proto", resp.Header.Get("Content-Type"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 2, 0x08, 0x2a}, got)
	// trailers are only populated once the body is consumed
	require.Equal(t, "0", resp.Trailer.Get("Grpc-Status"))
}

func TestNonGrpcRequests(t *testing.T) {
	svr, err := httpgrpc.NewServer(newRegistry(), httpgrpc.WithBasePath("/api/"))
	require.NoError(t, err)
	addr := serve(t, svr)
	path := "/api/" + grpcexporttesting.MathServiceName + "/Double"

	t.Run("http/1.1", func(t *testing.T) {
		resp, err := http.Post("http://"+addr+path, "application/grpc", strings.NewReader(""))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusHTTPVersionNotSupported, resp.StatusCode)
	})

	t.Run("get", func(t *testing.T) {
		resp, err := h2cClient().Get("http://" + addr + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		require.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	})

	t.Run("outside base path", func(t *testing.T) {
		resp, err := h2cClient().Post("http://"+addr+"/"+grpcexporttesting.MathServiceName+"/Double", "application/grpc", strings.NewReader(""))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp, err := h2cClient().Post("http://"+addr+"/api/nowhere.Service/Method", "application/grpc", strings.NewReader(""))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_, err = io.ReadAll(resp.Body)
		require.NoError(t, err)
		// trailers-only responses carry the status in the headers
		require.Equal(t, "12", resp.Header.Get("Grpc-Status"))
	})
}
