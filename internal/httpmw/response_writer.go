package httpmw

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errNoHijack = errors.New("underlying ResponseWriter does not implement http.Hijacker")

// responseWriter records status and size for the access log. Under a
// recording span it also opens a "response.write" child at the first byte
// so slow clients show up separately from slow handlers.
type responseWriter struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status int
	bytes  int64

	begun   bool
	span    trace.Span
	blocked time.Duration
	err     error
}

func newResponseWriter(w http.ResponseWriter, r *http.Request, start time.Time) *responseWriter {
	return &responseWriter{ResponseWriter: w, ctx: r.Context(), start: start}
}

func (rw *responseWriter) begin() {
	if rw.begun {
		return
	}
	rw.begun = true
	if !trace.SpanFromContext(rw.ctx).IsRecording() {
		return
	}
	ttfb := time.Since(rw.start)
	rw.ctx, rw.span = otel.Tracer("mdembed/httpmw").Start(rw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", ttfb.Seconds())))
}

// code is the status the client saw; handlers that never write get 200.
func (rw *responseWriter) code() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func (rw *responseWriter) end() {
	if rw.span == nil {
		return
	}
	rw.span.SetAttributes(
		attribute.Int("http.response.status_code", rw.code()),
		attribute.Int64("http.response.body.size", rw.bytes),
		attribute.Float64("http.server.write.block_seconds", rw.blocked.Seconds()),
	)
	if rw.err != nil {
		rw.span.RecordError(rw.err)
		rw.span.SetStatus(codes.Error, rw.err.Error())
	}
	rw.span.End()
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.begin()
	rw.status = code
	t := time.Now()
	rw.ResponseWriter.WriteHeader(code)
	rw.blocked += time.Since(t)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.begin()
	rw.status = rw.code()
	t := time.Now()
	n, err := rw.ResponseWriter.Write(b)
	rw.blocked += time.Since(t)
	rw.bytes += int64(n)
	if rw.err == nil {
		rw.err = err
	}
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errNoHijack
}
