package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/mdembed/internal/cache"
	"github.com/keithlinneman/mdembed/internal/cfg"
	"github.com/keithlinneman/mdembed/internal/cryptoutil"
	"github.com/keithlinneman/mdembed/internal/embedhttp"
	"github.com/keithlinneman/mdembed/internal/fragment"
	"github.com/keithlinneman/mdembed/internal/health"
	"github.com/keithlinneman/mdembed/internal/log"
	"github.com/keithlinneman/mdembed/internal/metrics"
	"github.com/keithlinneman/mdembed/internal/pipeline"
	"github.com/keithlinneman/mdembed/internal/provenancehttp"
	"github.com/keithlinneman/mdembed/internal/ratelimit"
	"github.com/keithlinneman/mdembed/internal/refresh"
	"github.com/keithlinneman/mdembed/internal/upstream"
	v "github.com/keithlinneman/mdembed/internal/version"
	"github.com/keithlinneman/mdembed/internal/xerrors"
)

// refreshDeniedBody matches the refresh endpoint's JSON envelope so the
// client script can show it.
var refreshDeniedBody = []byte(`{"success":false,"data":{"message":"Too many refresh requests."}}` + "\n")

func newLogger(conf cfg.App) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			return nil, err
		}
	}
	return log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

// app holds the request-serving components built from config.
type app struct {
	store      cache.Store
	assets     *fragment.Assets
	api        *embedhttp.API
	provenance *provenancehttp.API
}

// needsAWS reports whether any configured component talks to AWS.
func needsAWS(conf cfg.App) bool {
	return conf.CacheBackend == cfg.CacheS3 || conf.RefreshSecretSSMParam != "" || conf.NonceKMSKeyID != ""
}

func newApp(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info, m *metrics.ServerMetrics) (*app, error) {
	var awsCfg aws.Config
	if needsAWS(conf) {
		var err error
		if awsCfg, err = config.LoadDefaultConfig(ctx); err != nil {
			return nil, xerrors.Wrap(err, "load aws config")
		}
	}

	store, err := openStore(ctx, L, conf, awsCfg, m)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open %s fragment cache", conf.CacheBackend)
	}
	m.SetCacheBackend(conf.CacheBackend)
	a := &app{store: store}

	if a.assets, err = fragment.LoadAssets(conf.MinifyAssets); err != nil {
		a.close(L)
		return nil, xerrors.Wrap(err, "load fragment assets")
	}
	L.Info(ctx, "loaded fragment assets", "assets_version", a.assets.AssetVersion(), "assets_hash", a.assets.AssetHash()[:12])

	var sanitizer *upstream.Sanitizer
	if conf.SanitizeHTML {
		sanitizer = upstream.NewSanitizer()
	}
	sourceHosts := conf.SourceHosts()
	if sourceHosts == nil {
		L.Warn(ctx, "source host allowlist disabled, embeds may fetch from any host")
	} else {
		L.Info(ctx, "restricting source hosts", "hosts", sourceHosts, "allow_private", conf.AllowPrivateSources)
	}
	client := upstream.New(upstream.Options{
		Timeout:       conf.FetchTimeout,
		MaxBodyBytes:  conf.MaxBodyBytes,
		UserAgent:     vi.UserAgent(),
		RendererURL:   conf.RendererURL,
		RendererToken: conf.RendererToken,
		Sanitizer:     sanitizer,

		AllowedHosts:         sourceHosts,
		AllowPrivateNetworks: conf.AllowPrivateSources,
	})

	pcfg := pipeline.Config{
		Logger:   L.With("component", "pipeline"),
		Store:    store,
		Fetcher:  client,
		Renderer: client,
		Assets:   a.assets,
		Metrics:  m,
	}
	apiOpts := embedhttp.Options{
		Logger:       L.With("component", "embedhttp"),
		Defaults:     pipeline.DefaultOptions(conf.DefaultSourceURL),
		MaxPageBytes: conf.MaxPageBytes,
	}

	if conf.EnableRefresh {
		mac, err := nonceMAC(ctx, conf, awsCfg)
		if err != nil {
			a.close(L)
			return nil, xerrors.Wrap(err, "set up refresh nonce key")
		}
		nonces := cryptoutil.NewNonces(mac, conf.NonceLifetime)
		inv, err := refresh.New(refresh.Options{
			Store:    store,
			Verifier: nonces,
			Logger:   L.With("component", "refresh"),
			Metrics:  m,
		})
		if err != nil {
			a.close(L)
			return nil, xerrors.Wrap(err, "create refresh invalidator")
		}
		pcfg.RefreshURL = conf.RefreshURL
		pcfg.Nonces = nonces
		apiOpts.Invalidator = inv
		apiOpts.RefreshMW = refreshLimiter(ctx, L, conf, m)
	}

	if apiOpts.Pipeline, err = pipeline.New(pcfg); err != nil {
		a.close(L)
		return nil, xerrors.Wrap(err, "create render pipeline")
	}
	a.api = embedhttp.NewAPI(apiOpts)

	// lets X-Embed-Assets headers be traced back to a release
	a.provenance = provenancehttp.NewAPI(provenancehttp.Options{
		Version:      vi,
		Assets:       a.assets,
		CacheBackend: conf.CacheBackend,
		StartedAt:    time.Now(),
		Logger:       L,
	})
	return a, nil
}

// cacheProbe reads a key nobody writes. The miss still round-trips to the
// backend, which is what readiness needs to know.
func (a *app) cacheProbe() health.Probe {
	return health.CheckFunc(func(ctx context.Context) error {
		_, _, err := a.store.Get(ctx, "readiness_probe")
		return err
	})
}

func (a *app) close(L log.Logger) {
	c, ok := a.store.(interface{ Close() error })
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		L.Error(context.Background(), err, "fragment cache close")
	}
}

// openStore opens the configured cache backend and starts its background
// eviction, which stops with ctx.
func openStore(ctx context.Context, L log.Logger, conf cfg.App, awsCfg aws.Config, m *metrics.ServerMetrics) (cache.Store, error) {
	switch conf.CacheBackend {
	case cfg.CacheLevelDB:
		s, err := cache.OpenLevelDB(conf.CacheLevelDBPath, L.With("component", "cache"))
		if err != nil {
			return nil, err
		}
		s.OnSweep = m.AddCacheSwept
		go func() { _ = s.Run(ctx, conf.CacheSweepInterval) }()
		L.Info(ctx, "using leveldb fragment cache", "path", conf.CacheLevelDBPath, "sweep_interval", conf.CacheSweepInterval)
		return s, nil

	case cfg.CacheS3:
		// expired objects are hidden on read; bucket lifecycle rules delete them
		s, err := cache.NewS3Store(cache.S3Options{
			Client: s3.NewFromConfig(awsCfg),
			Bucket: conf.CacheS3Bucket,
			Prefix: conf.CacheS3Prefix,
		})
		if err != nil {
			return nil, err
		}
		L.Info(ctx, "using s3 fragment cache", "bucket", conf.CacheS3Bucket, "prefix", conf.CacheS3Prefix)
		return s, nil

	default:
		s := cache.NewMemoryStore(uint64(conf.CacheCapacity))
		m.RegisterCacheEntries(s.Len)
		go func() { _ = s.Run(ctx) }()
		L.Info(ctx, "using in-memory fragment cache", "capacity", conf.CacheCapacity)
		return s, nil
	}
}

// nonceMAC picks the refresh nonce key source. Validate guarantees exactly one is set.
func nonceMAC(ctx context.Context, conf cfg.App, awsCfg aws.Config) (cryptoutil.MAC, error) {
	switch {
	case conf.NonceKMSKeyID != "":
		return cryptoutil.NewKMSMAC(kms.NewFromConfig(awsCfg), conf.NonceKMSKeyID), nil
	case conf.RefreshSecretSSMParam != "":
		secret, err := cryptoutil.LoadSecretFromSSM(ctx, ssm.NewFromConfig(awsCfg), conf.RefreshSecretSSMParam)
		if err != nil {
			return nil, err
		}
		return cryptoutil.NewHMACKey(secret)
	default:
		return cryptoutil.NewHMACKey([]byte(conf.RefreshSecret))
	}
}

// siteLimiter guards the whole public listener. Nil when disabled.
func siteLimiter(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) func(http.Handler) http.Handler {
	if conf.RateLimitRPS <= 0 {
		return nil
	}
	return ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied("site") }),
		// once per visitor until it ages out of the table
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	).Middleware
}

// refreshLimiter sits behind the site limiter and is much tighter, since each
// allowed refresh costs a source fetch and a render.
func refreshLimiter(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) func(http.Handler) http.Handler {
	if conf.RefreshRateLimitRPS <= 0 {
		return nil
	}
	return ratelimit.New(ctx,
		ratelimit.WithRate(conf.RefreshRateLimitRPS, conf.RefreshRateLimitBurst),
		ratelimit.WithDeniedResponse("application/json; charset=utf-8", refreshDeniedBody),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied("refresh") }),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "refresh rate limit triggered", "ip", ip)
		}),
	).Middleware
}
