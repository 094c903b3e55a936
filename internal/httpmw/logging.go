package httpmw

import (
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/mdembed/internal/log"
)

// requestMeta is what WithLogger knows about a request before the handler runs.
type requestMeta struct {
	id     string
	client string
	peer   string
	scheme string
}

func metaFromRequest(r *http.Request) requestMeta {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	client := ClientIPFromContext(r.Context())
	if client == "" {
		client = peer
	}
	return requestMeta{
		id:     RequestIDFromContext(r.Context()),
		client: client,
		peer:   peer,
		scheme: schemeFromRequest(r),
	}
}

func (m requestMeta) logFields(r *http.Request) []any {
	return []any{
		"request_id", m.id,
		"client.address", m.client,
		"network.peer.address", m.peer,
		"server.address", r.Host,
		"http.request.method", r.Method,
		"url.path", r.URL.Path,
		"url.scheme", m.scheme,
	}
}

func (m requestMeta) spanAttrs(r *http.Request) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("request_id", m.id),
		attribute.String("server.address", r.Host),
		attribute.String("client.address", m.client),
		attribute.String("network.peer.address", m.peer),
		attribute.String("url.scheme", m.scheme),
	}
	if r.URL.RawQuery != "" {
		attrs = append(attrs, attribute.String("url.query", r.URL.RawQuery))
	}
	return attrs
}

// WithLogger stores a request-scoped logger in the context. The client
// address comes from ClientIPWithOptions, so forwarded headers only count
// from trusted proxies. The query string goes on the span, never in logs:
// embed URLs can carry tokens.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := metaFromRequest(r)
			ctx := r.Context()
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(m.spanAttrs(r)...)
			}
			ctx = log.WithContext(ctx, base.With(m.logFields(r)...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// quietPaths are polled by load balancers and crawlers and never access logged.
var quietPaths = map[string]bool{
	"/-/healthy":   true,
	"/-/ready":     true,
	"/favicon.ico": true,
	"/robots.txt":  true,
}

// AccessLog writes one line per request after the handler returns, at warn
// for 5xx.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w, r, start)
			next.ServeHTTP(rw, r)
			rw.end()

			if quietPaths[r.URL.Path] {
				return
			}
			ctx := r.Context()
			L := log.FromContext(ctx)
			status := rw.code()
			fields := []any{
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", rw.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", routePattern(r),
			}
			if status >= http.StatusInternalServerError {
				L.Warn(ctx, "http request", fields...)
			} else {
				L.Info(ctx, "http request", fields...)
			}
		})
	}
}

// schemeFromRequest trusts X-Forwarded-Proto only for the two values a load
// balancer sends. ClientIPWithOptions strips the header from untrusted peers.
func schemeFromRequest(r *http.Request) string {
	first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	if p := strings.ToLower(strings.TrimSpace(first)); p == "http" || p == "https" {
		return p
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
