// Package provenancehttp reports which build is running and which fragment
// assets it embeds, so a page's X-Embed-Assets headers can be traced back.
package provenancehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/mdembed/internal/httpmw"
	"github.com/keithlinneman/mdembed/internal/log"
	"github.com/keithlinneman/mdembed/internal/version"
)

const (
	AppPath    = "/api/provenance/app"
	AssetsPath = "/api/provenance/assets"
)

type Options struct {
	Version      version.Info
	Assets       httpmw.AssetInfo
	CacheBackend string
	StartedAt    time.Time
	Logger       log.Logger
}

// API implements the provenance API endpoints
type API struct {
	vi           version.Info
	assets       httpmw.AssetInfo
	cacheBackend string
	startedAt    time.Time
	logger       log.Logger
	now          func() time.Time
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	return &API{
		vi:           opts.Version,
		assets:       opts.Assets,
		cacheBackend: opts.CacheBackend,
		startedAt:    opts.StartedAt.UTC().Truncate(time.Second),
		logger:       opts.Logger,
		now:          time.Now,
	}
}

// RegisterRoutes attaches provenance endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get(AppPath, api.HandleApp)
	r.Get(AssetsPath, api.HandleAssets)
}

// AppResponse is the build plus runtime view of the process
type AppResponse struct {
	Build   version.Info `json:"build"`
	Runtime RuntimeInfo  `json:"runtime"`
}

type RuntimeInfo struct {
	StartedAt    time.Time `json:"started_at"`
	ServerTime   time.Time `json:"server_time"`
	CacheBackend string    `json:"cache_backend,omitempty"`
}

type AssetsResponse struct {
	Version   string `json:"version"`
	Hash      string `json:"hash"`
	HashShort string `json:"hash_short"`
}

func (api *API) HandleApp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := AppResponse{
		Build: api.vi,
		Runtime: RuntimeInfo{
			StartedAt:    api.startedAt,
			ServerTime:   api.now().UTC().Truncate(time.Second),
			CacheBackend: api.cacheBackend,
		},
	}

	api.logger.Debug(ctx, "served app provenance", "version", api.vi.Version)
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) HandleAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if api.assets == nil {
		http.Error(w, `{"error":"no fragment assets loaded"}`, http.StatusServiceUnavailable)
		return
	}

	hash := api.assets.AssetHash()
	resp := AssetsResponse{
		Version:   api.assets.AssetVersion(),
		Hash:      hash,
		HashShort: hash,
	}
	if len(hash) > 12 {
		resp.HashShort = hash[:12]
	}

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
