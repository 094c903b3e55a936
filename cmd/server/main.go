// Command server renders remote markdown documents into embeddable HTML
// fragments and expands [external_markdown] shortcodes in posted pages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/keithlinneman/mdembed/internal/cfg"
	"github.com/keithlinneman/mdembed/internal/health"
	"github.com/keithlinneman/mdembed/internal/httpmw"
	"github.com/keithlinneman/mdembed/internal/httpserver"
	"github.com/keithlinneman/mdembed/internal/log"
	"github.com/keithlinneman/mdembed/internal/metrics"
	"github.com/keithlinneman/mdembed/internal/opshttp"
	"github.com/keithlinneman/mdembed/internal/otelx"
	"github.com/keithlinneman/mdembed/internal/prof"
	v "github.com/keithlinneman/mdembed/internal/version"
)

const (
	envPrefix       = "MDEMBED_"
	shutdownTimeout = 10 * time.Second
	readyTimeout    = 2 * time.Second
)

func main() {
	os.Exit(run())
}

func stderrf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// loadConfig applies cli flags, then env, then the optional config file, and
// validates the result. ok is false when the process should exit.
func loadConfig(vi v.Info) (conf cfg.App, code int, ok bool) {
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		return conf, 0, false
	}

	cfg.FillFromEnv(flag.CommandLine, envPrefix, stderrf)
	if conf.ConfigFile != "" {
		if err := cfg.FillFromFile(flag.CommandLine, conf.ConfigFile, stderrf); err != nil {
			stderrf("config error: %v", err)
			return conf, 1, false
		}
	}
	if err := cfg.Validate(conf); err != nil {
		stderrf("config error: %v", err)
		return conf, 1, false
	}
	return conf, 0, true
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()
	conf, code, ok := loadConfig(vi)
	if !ok {
		return code
	}

	lg, err := newLogger(conf)
	if err != nil {
		stderrf("logger init error: %v", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	// match GOMAXPROCS to the container cpu quota
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		L.Debug(ctx, fmt.Sprintf(format, args...))
	})); err != nil {
		L.Warn(ctx, "failed to set GOMAXPROCS from cpu quota", "error", err)
	}

	logStartup(ctx, L, vi, conf)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		BasicAuthUser: conf.PyroBasicAuthUser,
		BasicAuthPass: conf.PyroBasicAuthPass,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	defer stopProf()

	// the collector runs on localhost, so plaintext grpc is fine
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without export")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			L.Error(context.Background(), err, "otel shutdown")
		}
	}()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	app, err := newApp(ctx, L, conf, vi, m)
	if err != nil {
		L.Error(ctx, err, "startup failed")
		return 1
	}
	defer app.close(L)

	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.Named("cache", health.Timeout(readyTimeout, app.cacheProbe())),
	)

	siteStop, err := httpserver.Start(ctx, httpserver.Options{
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    func(r chi.Router) { app.api.RegisterRoutes(r); app.provenance.RegisterRoutes(r) },
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  siteLimiter(ctx, L, conf, m),
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Logger:       L,
		AssetInfo:    app.assets,
		// one byte over the page cap so the handler can answer 413 itself
		MaxBodyBytes: conf.MaxPageBytes + 1,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener", "port", conf.HTTPPort)
		return 1
	}

	// the ops listener refuses public peers and forwarded requests
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener", "port", conf.AdminPort)
		_ = siteStop(context.Background())
		return 1
	}

	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout if this keeps failing
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	drain(L, &gate, conf.DrainTimeout)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := siteStop(sctx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}
	if err := opsStop(sctx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
	return 0
}

// drain fails readiness so the load balancer stops routing to us, then waits
// for in-flight traffic. A second signal cuts the wait short.
func drain(L log.Logger, gate *health.ShutdownGate, timeout time.Duration) {
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed", "drain_timeout", timeout)

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	select {
	case <-time.After(timeout):
		L.Info(context.Background(), "drain period complete")
	case <-force:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

// logStartup records the effective config. Secrets are reported only as set
// or unset.
func logStartup(ctx context.Context, L log.Logger, vi v.Info, conf cfg.App) {
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"config_file", conf.ConfigFile,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"renderer_url", conf.RendererURL,
		"renderer_token_set", conf.RendererToken != "",
		"default_source_url", conf.DefaultSourceURL,
		"sanitize_html", conf.SanitizeHTML,
		"minify_assets", conf.MinifyAssets,
		"cache_backend", conf.CacheBackend,
		"enable_refresh", conf.EnableRefresh,
		"refresh_url", conf.RefreshURL,
		"nonce_lifetime", conf.NonceLifetime,
		"rate_limit_rps", conf.RateLimitRPS,
		"trusted_proxy_hops", conf.TrustedProxyHops,
	)
}
