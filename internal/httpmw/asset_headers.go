package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AssetInfo identifies the fragment stylesheet and script a response embeds.
type AssetInfo interface {
	AssetVersion() string
	AssetHash() string
}

const shortHashLen = 12

// AssetHeaders stamps X-Embed-Assets-Version and a short X-Embed-Assets-Hash
// on every response, so a cached page can be matched to the assets it was
// rendered with. The span gets the full hash.
func AssetHeaders(info AssetInfo) func(http.Handler) http.Handler {
	if info == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			version, hash := info.AssetVersion(), info.AssetHash()
			span := trace.SpanFromContext(r.Context())
			if version != "" {
				w.Header().Set("X-Embed-Assets-Version", version)
				span.SetAttributes(attribute.String("embed.assets.version", version))
			}
			if hash != "" {
				w.Header().Set("X-Embed-Assets-Hash", hash[:min(len(hash), shortHashLen)])
				span.SetAttributes(attribute.String("embed.assets.hash", hash))
			}
			next.ServeHTTP(w, r)
		})
	}
}
