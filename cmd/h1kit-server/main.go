// Package main runs a demo HTTP/1.1 server on the sans-I/O engine with a
// gnet event loop and a Prometheus metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albertbausili/h1kit/internal/transport"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	multicore := flag.Bool("multicore", true, "run one event loop per core")
	eventLoops := flag.Int("event-loops", 0, "number of event loops (0 = gnet default)")
	enableTracing := flag.Bool("tracing", false, "wrap the handler with OpenTelemetry tracing")
	flag.Parse()

	logger := log.New(os.Stderr, "h1kit: ", log.LstdFlags)

	handler := transport.Chain(transport.HandlerFunc(serve),
		transport.Recovery(),
		transport.RequestID(),
		transport.LoggingWithConfig(transport.LogConfig{
			Output:      os.Stderr,
			SkipTargets: []string{"/ping"},
		}),
		transport.Compress(),
	)
	if *enableTracing {
		handler = transport.Tracing(handler)
	}

	server := transport.NewServer(handler, transport.Config{
		Addr:         *addr,
		Multicore:    *multicore,
		NumEventLoop: *eventLoops,
		Logger:       logger,
	})

	metricsServer := &http.Server{
		Addr:              *metricsAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("Metrics listening on %s", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("metrics server: %v", err)
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Stop(ctx)
	_ = metricsServer.Shutdown(ctx)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func serve(_ context.Context, req *transport.Request) *transport.Response {
	switch {
	case req.Target == "/ping":
		body, _ := json.Marshal(map[string]string{"message": "pong"})
		return &transport.Response{
			StatusCode: 200,
			Headers:    [][2]string{{"content-type", "application/json"}},
			Body:       body,
		}
	case req.Target == "/echo" && req.Method == "POST":
		contentType := req.Header("content-type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return &transport.Response{
			StatusCode: 200,
			Headers:    [][2]string{{"content-type", contentType}},
			Body:       req.Body,
		}
	case req.Target == "/":
		return &transport.Response{
			StatusCode: 200,
			Headers:    [][2]string{{"content-type", "text/plain; charset=utf-8"}},
			Body:       []byte("hello\n"),
		}
	default:
		return &transport.Response{
			StatusCode: 404,
			Headers:    [][2]string{{"content-type", "text/plain; charset=utf-8"}},
			Body:       []byte("not found\n"),
		}
	}
}
