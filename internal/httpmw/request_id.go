package httpmw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

// RequestIDHeader is used when RequestID is given no header name.
const RequestIDHeader = "X-Request-Id"

// maxRequestIDLen fits a uuid or our own 32 char ids with room to spare.
const maxRequestIDLen = 64

type requestIDKey struct{}

// WithRequestID attaches id to ctx. An empty id leaves ctx unchanged.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func badIDRune(c rune) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return false
	case c == '-', c == '_', c == '.':
		return false
	}
	return true
}

// validRequestID keeps inbound ids from smuggling control characters or
// spaces into logs and spans.
func validRequestID(id string) bool {
	return id != "" && len(id) <= maxRequestIDLen && strings.IndexFunc(id, badIDRune) < 0
}

// RequestID keeps a well-formed inbound id or mints one, then stores it in
// the context and echoes it on the response.
func RequestID(headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = RequestIDHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerName)
			if !validRequestID(id) {
				id = newRequestID()
			}
			w.Header().Set(headerName, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

func newRequestID() string {
	var b [16]byte
	// crypto/rand.Read does not fail on supported platforms
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
