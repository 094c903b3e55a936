package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/mdembed/internal/health"
	"github.com/keithlinneman/mdembed/internal/httpmw"
	"github.com/keithlinneman/mdembed/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe
	APIRoutes    func(chi.Router)
	AssetInfo    httpmw.AssetInfo // X-Embed-Assets-Version and X-Embed-Assets-Hash headers

	// MaxBodyBytes caps request bodies, defaults to DefaultMaxBodyBytes
	MaxBodyBytes int64
}
