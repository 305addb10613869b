// Command grpcexport-server serves the test service and the math routes of
// grpcexporttesting, either with the dedicated HTTP/2 transport or through a
// net/http handler. It is useful for trying clients and load generators
// against the two transports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/fullstorydev/grpcexport"
	"github.com/fullstorydev/grpcexport/dispatch"
	"github.com/fullstorydev/grpcexport/grpcexporttesting"
	"github.com/fullstorydev/grpcexport/h2transport"
	"github.com/fullstorydev/grpcexport/httpgrpc"
)

var (
	port        = flag.Int("port", 50051, "The server port")
	mode        = flag.String("mode", "raw", `Transport to serve with: "raw" for h2transport, "http" for net/http with h2c`)
	metricsAddr = flag.String("metrics-addr", "", "If set, serves Prometheus metrics on this address")
	poolSize    = flag.Int("pool", 0, "Size of the worker pool; zero runs a goroutine per stream")
	streamRate  = flag.Float64("stream-rate", 0, "Maximum new streams per second; zero disables the limit")
	debug       = flag.Bool("debug", false, "Enables debug logs")
)

func main() {
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dispatch.NewMetrics(promReg)

	reg := grpcexport.NewRegistry()
	grpcexporttesting.RegisterTestServiceServer(reg, &grpcexporttesting.TestServer{})
	grpcexporttesting.RegisterMathRoutes(reg)
	reg.ForEach(func(rt *grpcexport.Route) {
		logger.Debug("registered route", zap.String("method", rt.FullMethod()), zap.Stringer("cardinality", rt.Cardinality))
	})

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if *metricsAddr != "" {
		go serveMetrics(logger, promReg, *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("server listening", zap.Stringer("addr", lis.Addr()), zap.String("mode", *mode))
	switch *mode {
	case "raw":
		return serveRaw(ctx, logger, reg, metrics, lis)
	case "http":
		return serveHTTP(ctx, logger, reg, metrics, lis)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

func serveRaw(ctx context.Context, logger *zap.Logger, reg *grpcexport.Registry, metrics *dispatch.Metrics, lis net.Listener) error {
	opts := []h2transport.ServerOption{
		h2transport.WithLogger(logger),
		h2transport.WithMetrics(metrics),
	}
	if *poolSize > 0 {
		opts = append(opts, h2transport.WithWorkerPool(*poolSize))
	}
	if *streamRate > 0 {
		opts = append(opts, h2transport.WithStreamRateLimit(rate.Limit(*streamRate), int(*streamRate)+1))
	}
	svr, err := h2transport.NewServer(reg, opts...)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svr.Shutdown(sctx); err != nil {
			logger.Warn("streams still open at shutdown", zap.Error(err))
		}
	}()
	if err := svr.Serve(lis); err != nil && !errors.Is(err, h2transport.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, logger *zap.Logger, reg *grpcexport.Registry, metrics *dispatch.Metrics, lis net.Listener) error {
	opts := []httpgrpc.ServerOption{
		httpgrpc.WithLogger(logger),
		httpgrpc.WithMetrics(metrics),
	}
	if *poolSize > 0 {
		opts = append(opts, httpgrpc.WithWorkerPool(*poolSize))
	}
	handler, err := httpgrpc.NewServer(reg, opts...)
	if err != nil {
		return err
	}
	defer handler.Close()

	httpServer := &http.Server{
		Handler:  h2c.NewHandler(handler, &http2.Server{}),
		ErrorLog: zap.NewStdLog(logger),
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Warn("streams still open at shutdown", zap.Error(err))
		}
	}()
	if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func serveMetrics(logger *zap.Logger, reg *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
