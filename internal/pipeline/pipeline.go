// Package pipeline turns render options into an embeddable fragment:
// resolve the source url, consult the cache, fetch, split frontmatter,
// render through the remote API, assemble and store.
//
// Upstream and cache failures never escape as errors. Upstream failures
// become a fixed inline message that is not cached; cache failures are
// logged and the render carries on as if the cache were empty.
package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/mdembed/internal/cache"
	"github.com/keithlinneman/mdembed/internal/cdn"
	"github.com/keithlinneman/mdembed/internal/fragment"
	"github.com/keithlinneman/mdembed/internal/frontmatter"
	"github.com/keithlinneman/mdembed/internal/log"
	"github.com/keithlinneman/mdembed/internal/refresh"
	"github.com/keithlinneman/mdembed/internal/upstream"
	"github.com/keithlinneman/mdembed/internal/xerrors"
)

// Fetcher downloads the markdown source.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (upstream.Response, error)
}

// Renderer converts markdown to HTML through the remote API.
type Renderer interface {
	Render(ctx context.Context, markdown string) (upstream.Response, error)
}

// NonceIssuer mints the token the client script presents to the refresh endpoint.
type NonceIssuer interface {
	Issue(ctx context.Context, action string) (string, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncRender(result string)
	ObserveUpstream(target string, seconds float64)
	IncCacheError(op string)
}

// Render outcomes reported to Metrics.
const (
	ResultHit         = "hit"
	ResultMiss        = "miss"
	ResultBypass      = "bypass"
	ResultSourceError = "source_error"
	ResultRenderError = "render_error"
)

// Config wires a Pipeline. Logger, RefreshURL, Nonces and Metrics are optional.
type Config struct {
	Logger   log.Logger
	Store    cache.Store
	Fetcher  Fetcher
	Renderer Renderer
	Assets   *fragment.Assets

	// RefreshURL is where the client script posts refresh requests. Empty
	// leaves the client config out of the shared block.
	RefreshURL string
	Nonces     NonceIssuer

	Metrics Metrics
}

// Pipeline renders embeds. It is safe for concurrent use.
type Pipeline struct {
	logger     log.Logger
	store      cache.Store
	fetcher    Fetcher
	renderer   Renderer
	assets     *fragment.Assets
	refreshURL string
	nonces     NonceIssuer
	metrics    Metrics
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, xerrors.New("pipeline: store is required")
	}
	if cfg.Fetcher == nil {
		return nil, xerrors.New("pipeline: fetcher is required")
	}
	if cfg.Renderer == nil {
		return nil, xerrors.New("pipeline: renderer is required")
	}
	if cfg.Assets == nil {
		return nil, xerrors.New("pipeline: assets are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	return &Pipeline{
		logger:     cfg.Logger,
		store:      cfg.Store,
		fetcher:    cfg.Fetcher,
		renderer:   cfg.Renderer,
		assets:     cfg.Assets,
		refreshURL: cfg.RefreshURL,
		nonces:     cfg.Nonces,
		metrics:    cfg.Metrics,
	}, nil
}

// Pass is one render pass, such as a page with several embeds or a single
// embed request. The shared assets are emitted with the first successful
// fragment of the pass and never again.
type Pass struct {
	p   *Pipeline
	asm *fragment.Assembler
}

// NewPass starts a render pass, minting a refresh nonce when refresh is configured.
func (p *Pipeline) NewPass(ctx context.Context) *Pass {
	client := fragment.ClientConfig{AjaxURL: p.refreshURL}
	if p.refreshURL != "" && p.nonces != nil {
		nonce, err := p.nonces.Issue(ctx, refresh.Action)
		if err != nil {
			// refresh clicks will be rejected but the content still renders
			p.logger.Error(ctx, err, "issue refresh nonce")
		}
		client.Nonce = nonce
	}
	return &Pass{p: p, asm: fragment.NewAssembler(p.assets, client)}
}

// Render renders one embed within the pass.
func (ps *Pass) Render(ctx context.Context, raw RawOptions) string {
	out, ok := ps.p.render(ctx, raw)
	if !ok {
		return out
	}
	return ps.asm.Shared() + out
}

// Render renders a single embed in a pass of its own.
func (p *Pipeline) Render(ctx context.Context, raw RawOptions) string {
	return p.NewPass(ctx).Render(ctx, raw)
}

var tracer = otel.Tracer("mdembed/pipeline")

// render returns the cacheable fragment and true, or an error message and false.
func (p *Pipeline) render(ctx context.Context, raw RawOptions) (string, bool) {
	ctx, span := tracer.Start(ctx, "pipeline.render")
	defer span.End()

	opts := Normalize(raw)
	resolved := cdn.Resolve(opts.SourceURL, opts.CDN)
	L := p.logger.With("source_url", resolved)

	span.SetAttributes(
		attribute.String("mdembed.source_url", resolved),
		attribute.Int("mdembed.ttl_seconds", opts.TTLSeconds),
	)

	caching := opts.TTLSeconds != 0
	var key string
	if caching {
		key = CacheKey(resolved, raw, opts)
		span.SetAttributes(attribute.String("mdembed.cache_key", key))

		cached, found, err := p.store.Get(ctx, key)
		switch {
		case err != nil:
			p.cacheError("get")
			L.Warn(ctx, "cache read failed, treating as miss", "cache_key", key, "error", err.Error())
		case found:
			p.result(ResultHit)
			span.SetAttributes(attribute.String("mdembed.cache", ResultHit))
			L.Debug(ctx, "cache hit", "cache_key", key)
			return cached, true
		default:
			L.Debug(ctx, "cache miss", "cache_key", key)
		}
	}

	src, err := p.call(ctx, "source", func(ctx context.Context) (upstream.Response, error) {
		return p.fetcher.Fetch(ctx, resolved)
	})
	if err != nil || !src.OK() {
		err = upstreamFailure(ErrSourceFetch, src, err)
		p.result(ResultSourceError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "source fetch failed")
		L.Error(ctx, err, "source fetch failed", "status", src.Status, "cache_key", key)
		return SourceFetchErrorHTML, false
	}

	doc := frontmatter.Extract(src.Body)
	fm := doc.Frontmatter
	if !opts.Table {
		fm = frontmatter.Frontmatter{}
	}

	rendered, err := p.call(ctx, "renderer", func(ctx context.Context) (upstream.Response, error) {
		return p.renderer.Render(ctx, doc.Body)
	})
	if err != nil || !rendered.OK() {
		err = upstreamFailure(ErrRenderService, rendered, err)
		p.result(ResultRenderError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "render service failed")
		L.Error(ctx, err, "render service failed", "status", rendered.Status, "cache_key", key)
		return RenderServiceErrorHTML, false
	}

	var token string
	if opts.Refresh && caching {
		token = key
	}

	out := fragment.Assemble(fragment.Input{
		RenderedHTML: rendered.Body,
		RawBody:      doc.Body,
		Class:        opts.Class,
		Copy:         opts.Copy,
		ExcerptLines: opts.ExcerptLines,
		Frontmatter:  fm,
		RefreshToken: token,
	})

	if !caching {
		p.result(ResultBypass)
		span.SetAttributes(attribute.String("mdembed.cache", ResultBypass))
		return out, true
	}

	// concurrent misses for the same key may both land here; the last write wins
	ttl := time.Duration(opts.TTLSeconds) * time.Second
	if err := p.store.Set(ctx, key, out, ttl); err != nil {
		p.cacheError("set")
		L.Error(ctx, err, "cache write failed", "cache_key", key)
	}
	p.result(ResultMiss)
	span.SetAttributes(attribute.String("mdembed.cache", ResultMiss))
	return out, true
}

func (p *Pipeline) call(ctx context.Context, target string, fn func(context.Context) (upstream.Response, error)) (upstream.Response, error) {
	start := time.Now()
	resp, err := fn(ctx)
	if p.metrics != nil {
		p.metrics.ObserveUpstream(target, time.Since(start).Seconds())
	}
	return resp, err
}

func (p *Pipeline) result(r string) {
	if p.metrics != nil {
		p.metrics.IncRender(r)
	}
}

func (p *Pipeline) cacheError(op string) {
	if p.metrics != nil {
		p.metrics.IncCacheError(op)
	}
}
