// Package embedhttp exposes the render pipeline and the refresh invalidator over HTTP.
package embedhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/mdembed/internal/httpmw"
	"github.com/keithlinneman/mdembed/internal/log"
	"github.com/keithlinneman/mdembed/internal/pipeline"
	"github.com/keithlinneman/mdembed/internal/refresh"
	"github.com/keithlinneman/mdembed/internal/shortcode"
)

const (
	EmbedPath   = "/embed"
	PagesPath   = "/api/pages/render"
	RefreshPath = "/api/refresh"

	DefaultMaxPageBytes = 256 << 10
)

// Passes starts render passes. Implemented by *pipeline.Pipeline.
type Passes interface {
	NewPass(ctx context.Context) *pipeline.Pass
}

// Invalidator is implemented by *refresh.Invalidator.
type Invalidator interface {
	Invalidate(ctx context.Context, token, key string) error
}

type Options struct {
	Pipeline    Passes
	Invalidator Invalidator
	Logger      log.Logger

	// Defaults seed every render before request attributes are applied.
	Defaults pipeline.RawOptions

	MaxPageBytes int64

	// RefreshMW wraps the refresh route only, e.g. a tighter rate limiter.
	RefreshMW func(http.Handler) http.Handler
}

// API implements the embed, page render and refresh endpoints
type API struct {
	passes       Passes
	invalidator  Invalidator
	logger       log.Logger
	defaults     pipeline.RawOptions
	maxPageBytes int64
	refreshMW    func(http.Handler) http.Handler
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxPageBytes <= 0 {
		opts.MaxPageBytes = DefaultMaxPageBytes
	}
	if opts.Defaults == (pipeline.RawOptions{}) {
		opts.Defaults = pipeline.DefaultOptions("")
	}
	return &API{
		passes:       opts.Pipeline,
		invalidator:  opts.Invalidator,
		logger:       opts.Logger,
		defaults:     opts.Defaults,
		maxPageBytes: opts.MaxPageBytes,
		refreshMW:    opts.RefreshMW,
	}
}

// RegisterRoutes attaches the endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	// rendered fragments carry an inline style and script block
	fr := r.With(httpmw.FragmentSecurityHeaders)
	fr.Get(EmbedPath, api.HandleEmbed)
	fr.Post(PagesPath, api.HandleRenderPage)
	if api.invalidator != nil {
		rr := r
		if api.refreshMW != nil {
			rr = r.With(api.refreshMW)
		}
		rr.Post(RefreshPath, api.HandleRefresh)
	}
}

// HandleEmbed renders one document from query attributes. Every recognized
// shortcode attribute is accepted as a query parameter of the same name.
func (api *API) HandleEmbed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	attrs := make(map[string]any)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			attrs[k] = v[0]
		}
	}

	raw := pipeline.ParseAttrs(attrs, api.defaults)
	out := api.passes.NewPass(ctx).Render(ctx, raw)

	api.writeHTML(ctx, w, out)
}

// HandleRenderPage expands every shortcode in the request body within one pass.
func (api *API) HandleRenderPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, api.maxPageBytes+1))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "page too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		api.logger.Warn(ctx, "read page body", "error", err.Error())
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > api.maxPageBytes {
		http.Error(w, "page too large", http.StatusRequestEntityTooLarge)
		return
	}

	pass := api.passes.NewPass(ctx)
	out := shortcode.Expand(string(body), func(attrs map[string]any) string {
		return pass.Render(ctx, pipeline.ParseAttrs(attrs, api.defaults))
	})

	api.writeHTML(ctx, w, out)
}

// RefreshResponse mirrors the {success, data: {message}} envelope the client script expects.
type RefreshResponse struct {
	Success bool        `json:"success"`
	Data    RefreshData `json:"data"`
}

type RefreshData struct {
	Message string `json:"message"`
}

// HandleRefresh evicts one cached fragment. Form fields: action, nonce, cache_key.
func (api *API) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		api.writeRefresh(ctx, w, http.StatusBadRequest, false, "Malformed request.")
		return
	}
	if action := r.PostForm.Get("action"); action != "" && action != refresh.Action {
		api.writeRefresh(ctx, w, http.StatusBadRequest, false, "Unknown action.")
		return
	}

	err := api.invalidator.Invalidate(ctx, r.PostForm.Get("nonce"), r.PostForm.Get("cache_key"))
	switch {
	case err == nil:
		api.writeRefresh(ctx, w, http.StatusOK, true, "Cache cleared.")
	case errors.Is(err, refresh.ErrForbidden):
		api.writeRefresh(ctx, w, http.StatusForbidden, false, "Invalid or expired nonce.")
	case errors.Is(err, refresh.ErrBadRequest):
		api.writeRefresh(ctx, w, http.StatusBadRequest, false, "Invalid cache key.")
	default:
		api.logger.Error(ctx, err, "refresh failed")
		api.writeRefresh(ctx, w, http.StatusInternalServerError, false, "Could not clear cache.")
	}
}

func (api *API) writeRefresh(ctx context.Context, w http.ResponseWriter, status int, ok bool, msg string) {
	api.writeJSON(ctx, w, status, RefreshResponse{Success: ok, Data: RefreshData{Message: msg}})
}

func (api *API) writeHTML(ctx context.Context, w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, body); err != nil {
		api.logger.Warn(ctx, "failed to write HTML response", "error", err)
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
