package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
)

// Middleware wraps a Handler with additional behavior.
type Middleware func(Handler) Handler

// Chain applies middleware to a handler; the first middleware listed is the
// outermost.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

func setHeader(resp *Response, name, value string) {
	for i, h := range resp.Headers {
		if strings.EqualFold(h[0], name) {
			resp.Headers[i][1] = value
			return
		}
	}
	resp.Headers = append(resp.Headers, [2]string{name, value})
}

func getHeader(resp *Response, name string) string {
	for _, h := range resp.Headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Recovery returns a middleware that recovers from handler panics and
// turns them into a 500 response.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (resp *Response) {
			defer func() {
				if r := recover(); r != nil {
					resp = &Response{
						StatusCode: 500,
						Headers:    [][2]string{{"content-type", "text/plain; charset=utf-8"}},
						Body:       []byte("Internal Server Error\n"),
					}
				}
			}()
			return next.Serve(ctx, req)
		})
	}
}

type requestIDKey struct{}

// RequestIDFrom returns the request ID stored in the context by the
// RequestID middleware, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID returns a middleware that tags each request with a unique ID.
// An incoming X-Request-ID is honored; otherwise one is generated. The ID
// is stored in the request context and echoed on the response.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) *Response {
			id := req.Header("x-request-id")
			if id == "" {
				id = generateRequestID()
			}
			ctx = context.WithValue(ctx, requestIDKey{}, id)

			resp := next.Serve(ctx, req)
			if resp != nil {
				setHeader(resp, "x-request-id", id)
			}
			return resp
		})
	}
}

var requestIDCounter uint64

func generateRequestID() string {
	counter := atomic.AddUint64(&requestIDCounter, 1)

	var randomBytes [8]byte
	_, _ = rand.Read(randomBytes[:])
	randomNum := binary.BigEndian.Uint64(randomBytes[:])

	return fmt.Sprintf("%d-%d-%d", time.Now().UnixNano(), counter, randomNum)
}

// LogConfig configures the Logging middleware.
type LogConfig struct {
	// Output is where log lines go (default os.Stdout).
	Output io.Writer
	// Format is "json" or "text" (default "text").
	Format string
	// SkipTargets lists request targets to skip, e.g. health checks.
	SkipTargets []string
}

// Logging returns a middleware that logs each request with default
// configuration.
func Logging() Middleware {
	return LoggingWithConfig(LogConfig{})
}

// LoggingWithConfig returns a middleware that logs each request.
func LoggingWithConfig(config LogConfig) Middleware {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = "text"
	}

	skip := make(map[string]bool, len(config.SkipTargets))
	for _, target := range config.SkipTargets {
		skip[target] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) *Response {
			if skip[req.Target] {
				return next.Serve(ctx, req)
			}

			start := time.Now()
			resp := next.Serve(ctx, req)
			duration := time.Since(start)

			status := 500
			if resp != nil {
				status = resp.StatusCode
			}

			entry := map[string]interface{}{
				"time":     start.Format(time.RFC3339),
				"method":   req.Method,
				"target":   req.Target,
				"status":   status,
				"duration": duration.Milliseconds(),
			}
			if id := RequestIDFrom(ctx); id != "" {
				entry["request_id"] = id
			}

			if config.Format == "json" {
				data, _ := json.Marshal(entry)
				_, _ = fmt.Fprintf(config.Output, "%s\n", data)
			} else {
				_, _ = fmt.Fprintf(config.Output, "[%s] %s %s %d %dms",
					entry["time"], entry["method"], entry["target"],
					entry["status"], entry["duration"])
				if id, ok := entry["request_id"]; ok {
					_, _ = fmt.Fprintf(config.Output, " req_id=%v", id)
				}
				_, _ = fmt.Fprintln(config.Output)
			}

			return resp
		})
	}
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns sensible CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "Accept, Content-Type, Content-Length, Authorization",
		MaxAge:       3600,
	}
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing,
// answering preflight OPTIONS requests directly.
func CORS(config CORSConfig) Middleware {
	if config.AllowOrigin == "" {
		config.AllowOrigin = "*"
	}
	if config.AllowMethods == "" {
		config.AllowMethods = DefaultCORSConfig().AllowMethods
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = DefaultCORSConfig().AllowHeaders
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) *Response {
			var resp *Response
			if req.Method == "OPTIONS" {
				resp = &Response{StatusCode: 204}
			} else {
				resp = next.Serve(ctx, req)
				if resp == nil {
					return nil
				}
			}

			setHeader(resp, "access-control-allow-origin", config.AllowOrigin)
			setHeader(resp, "access-control-allow-methods", config.AllowMethods)
			setHeader(resp, "access-control-allow-headers", config.AllowHeaders)
			if config.AllowCredentials {
				setHeader(resp, "access-control-allow-credentials", "true")
			}
			if config.MaxAge > 0 {
				setHeader(resp, "access-control-max-age", fmt.Sprintf("%d", config.MaxAge))
			}
			return resp
		})
	}
}

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level is the compression level (1-9 for gzip, 0-11 for brotli).
	Level int
	// MinSize is the smallest body worth compressing (default 1024 bytes).
	MinSize int
	// ExcludedTypes lists content-type prefixes to skip.
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that compresses response bodies with
// default settings.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a middleware that compresses response bodies
// with brotli or gzip, whichever the client prefers. The compressed form
// is only used when it is actually smaller.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) *Response {
			acceptEncoding := req.Header("accept-encoding")
			supportsBrotli := strings.Contains(acceptEncoding, "br")
			supportsGzip := strings.Contains(acceptEncoding, "gzip")

			resp := next.Serve(ctx, req)
			if resp == nil || (!supportsBrotli && !supportsGzip) {
				return resp
			}
			if len(resp.Body) < config.MinSize {
				return resp
			}

			contentType := getHeader(resp, "content-type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					return resp
				}
			}

			var compressed bytes.Buffer
			var encoding string
			if supportsBrotli {
				w := brotli.NewWriterLevel(&compressed, config.Level)
				if _, err := w.Write(resp.Body); err != nil {
					_ = w.Close()
					return resp
				}
				_ = w.Close()
				encoding = "br"
			} else {
				w, _ := gzip.NewWriterLevel(&compressed, config.Level)
				if _, err := w.Write(resp.Body); err != nil {
					_ = w.Close()
					return resp
				}
				_ = w.Close()
				encoding = "gzip"
			}

			if compressed.Len() == 0 || compressed.Len() >= len(resp.Body) {
				return resp
			}

			resp.Body = compressed.Bytes()
			setHeader(resp, "content-encoding", encoding)
			setHeader(resp, "vary", "Accept-Encoding")
			return resp
		})
	}
}

// RateLimitConfig holds configuration for the RateLimit middleware.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate allowed per key.
	RequestsPerSecond int
	// BurstSize is how far above the sustained rate a key may burst
	// (default 2x the rate).
	BurstSize int
	// KeyFunc derives the rate limit key for a request (default: client
	// identity from forwarding headers, falling back to Host).
	KeyFunc func(req *Request) string
	// SkipTargets lists request targets exempt from limiting.
	SkipTargets []string
}

// DefaultRateLimitConfig returns a RateLimitConfig with sensible defaults.
func DefaultRateLimitConfig(requestsPerSecond int) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         requestsPerSecond * 2,
		SkipTargets:       []string{"/health", "/metrics"},
	}
}

// RateLimit returns a middleware that limits requests per client using a
// token bucket.
func RateLimit(requestsPerSecond int) Middleware {
	return RateLimitWithConfig(DefaultRateLimitConfig(requestsPerSecond))
}

// RateLimitWithConfig returns a rate limiting middleware with custom
// configuration.
func RateLimitWithConfig(config RateLimitConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond * 2
	}
	if config.KeyFunc == nil {
		config.KeyFunc = func(req *Request) string {
			key := req.Header("x-forwarded-for")
			if key == "" {
				key = req.Header("x-real-ip")
			}
			if key == "" {
				key = req.Header("host")
			}
			return key
		}
	}

	skip := make(map[string]bool, len(config.SkipTargets))
	for _, target := range config.SkipTargets {
		skip[target] = true
	}

	limiters := make(map[string]*tokenBucket)
	var mu sync.Mutex

	// Drop buckets for clients that have gone quiet.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for key, limiter := range limiters {
				if time.Since(limiter.lastAccess) > 10*time.Minute {
					delete(limiters, key)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) *Response {
			if skip[req.Target] {
				return next.Serve(ctx, req)
			}

			key := config.KeyFunc(req)
			if key == "" {
				return next.Serve(ctx, req)
			}

			mu.Lock()
			limiter, ok := limiters[key]
			if !ok {
				limiter = newTokenBucket(config.RequestsPerSecond, config.BurstSize)
				limiters[key] = limiter
			}
			limiter.lastAccess = time.Now()
			mu.Unlock()

			if !limiter.allow() {
				return &Response{
					StatusCode: 429,
					Headers: [][2]string{
						{"x-ratelimit-limit", fmt.Sprintf("%d", config.RequestsPerSecond)},
						{"x-ratelimit-remaining", "0"},
						{"retry-after", "1"},
						{"content-type", "text/plain; charset=utf-8"},
					},
					Body: []byte("Too Many Requests\n"),
				}
			}

			resp := next.Serve(ctx, req)
			if resp != nil {
				setHeader(resp, "x-ratelimit-limit", fmt.Sprintf("%d", config.RequestsPerSecond))
			}
			return resp
		})
	}
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	capacity   int
	tokens     int
	refillRate int
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate, burst int) *tokenBucket {
	return &tokenBucket{
		capacity:   burst,
		tokens:     burst,
		refillRate: rate,
		lastRefill: time.Now(),
		lastAccess: time.Now(),
	}
}

// allow consumes a token if one is available.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int(float64(elapsed.Nanoseconds()) / float64(time.Second) * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}
