package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/mdembed/internal/log"
)

// Cache backends accepted by -cache-backend.
const (
	CacheMemory  = "memory"
	CacheLevelDB = "leveldb"
	CacheS3      = "s3"
)

// DefaultSourceAllowHosts covers GitHub blob and raw URLs and their jsDelivr rewrites.
const DefaultSourceAllowHosts = "github.com,raw.githubusercontent.com,cdn.jsdelivr.net"

// AllowAnySourceHost in -source-allow-hosts disables the host check.
const AllowAnySourceHost = "*"

type App struct {
	ConfigFile        string
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	PyroBasicAuthUser string
	PyroBasicAuthPass string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// upstreams
	RendererURL      string
	RendererToken    string
	FetchTimeout     time.Duration
	MaxBodyBytes     int64
	MaxPageBytes     int64
	DefaultSourceURL string
	SanitizeHTML     bool
	MinifyAssets     bool

	// source fetch guards
	SourceAllowHosts    string
	AllowPrivateSources bool

	// cache
	CacheBackend       string
	CacheCapacity      int
	CacheLevelDBPath   string
	CacheSweepInterval time.Duration
	CacheS3Bucket      string
	CacheS3Prefix      string

	// refresh nonces
	EnableRefresh         bool
	RefreshURL            string
	RefreshSecret         string
	RefreshSecretSSMParam string
	NonceKMSKeyID         string
	NonceLifetime         time.Duration

	// public listener
	RateLimitRPS          float64
	RateLimitBurst        int
	RefreshRateLimitRPS   float64
	RefreshRateLimitBurst int
	TrustedProxyHops      int
	DrainTimeout          time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML config file (keys are flag names)")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.PyroBasicAuthUser, "pyro-basic-auth-user", "", "basic auth user for pyro-server")
	fs.StringVar(&c.PyroBasicAuthPass, "pyro-basic-auth-pass", "", "basic auth password for pyro-server (prefer MDEMBED_PYRO_BASIC_AUTH_PASS)")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.RendererURL, "renderer-url", "https://api.github.com/markdown", "markdown rendering API endpoint (POST {\"text\": ...})")
	fs.StringVar(&c.RendererToken, "renderer-token", "", "optional bearer token sent to the rendering API")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", 10*time.Second, "timeout for each source fetch and render call")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 4<<20, "max bytes read from a source or render response")
	fs.Int64Var(&c.MaxPageBytes, "max-page-bytes", 256<<10, "max bytes accepted by the page render endpoint")
	fs.StringVar(&c.DefaultSourceURL, "default-source-url", "https://raw.githubusercontent.com/pReya/wordpress-external-markdown/main/README.md", "source document used when an embed has no url attribute")
	fs.BoolVar(&c.SanitizeHTML, "sanitize-html", true, "sanitize rendered HTML before embedding")
	fs.BoolVar(&c.MinifyAssets, "minify-assets", true, "minify the embedded fragment CSS and JS")
	fs.StringVar(&c.SourceAllowHosts, "source-allow-hosts", DefaultSourceAllowHosts, "comma-separated hostnames sources may be fetched from, the default-source-url host is always added (* allows any host)")
	fs.BoolVar(&c.AllowPrivateSources, "allow-private-sources", false, "allow fetching sources from loopback, private and link-local addresses")

	fs.StringVar(&c.CacheBackend, "cache-backend", CacheMemory, "fragment cache backend: memory|leveldb|s3")
	fs.IntVar(&c.CacheCapacity, "cache-capacity", 10000, "max entries for the memory cache (0 = unbounded)")
	fs.StringVar(&c.CacheLevelDBPath, "cache-leveldb-path", "/var/cache/mdembed", "leveldb directory for the leveldb cache backend")
	fs.DurationVar(&c.CacheSweepInterval, "cache-sweep-interval", 5*time.Minute, "how often the leveldb backend drops expired entries")
	fs.StringVar(&c.CacheS3Bucket, "cache-s3-bucket", "", "s3 bucket for the s3 cache backend")
	fs.StringVar(&c.CacheS3Prefix, "cache-s3-prefix", "mdembed/cache", "s3 key prefix for the s3 cache backend")

	fs.BoolVar(&c.EnableRefresh, "enable-refresh", true, "render refresh buttons and serve the refresh endpoint")
	fs.StringVar(&c.RefreshURL, "refresh-url", "/api/refresh", "URL the browser posts refresh requests to")
	fs.StringVar(&c.RefreshSecret, "refresh-secret", "", "secret used to sign refresh nonces (>= 32 bytes)")
	fs.StringVar(&c.RefreshSecretSSMParam, "refresh-secret-ssm-param", "", "SSM SecureString parameter holding the refresh secret")
	fs.StringVar(&c.NonceKMSKeyID, "nonce-kms-key-id", "", "KMS HMAC key id/ARN used to sign refresh nonces")
	fs.DurationVar(&c.NonceLifetime, "nonce-lifetime", 24*time.Hour, "refresh nonce lifetime")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 10, "per-ip request refill rate on the public listener (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 30, "per-ip request burst on the public listener")
	fs.Float64Var(&c.RefreshRateLimitRPS, "refresh-rate-limit-rps", 0.2, "per-ip refill rate for the refresh endpoint (0 disables)")
	fs.IntVar(&c.RefreshRateLimitBurst, "refresh-rate-limit-burst", 5, "per-ip burst for the refresh endpoint")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "number of trusted reverse proxies in front of the listener (X-Forwarded-For)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", 60*time.Second, "how long to fail readiness before stopping listeners on shutdown")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// FillFromFile applies a flat YAML document keyed by flag name to every flag
// that has not been set yet. Call it after FillFromEnv: fs.Set marks a flag as
// visited, so env values already count as set here.
// Precedence: cli flag > env var > file > default.
// Unknown keys and unparseable values are reported through logf and ignored.
func FillFromFile(fs *flag.FlagSet, path string, logf func(string, ...any)) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	for name, node := range doc {
		f := fs.Lookup(name)
		if f == nil {
			if logf != nil {
				logf("config file %s: ignoring unknown key %q", path, name)
			}
			continue
		}
		if set[name] {
			continue
		}
		if node.Kind != yaml.ScalarNode {
			if logf != nil {
				logf("config file %s: ignoring non-scalar value for %q", path, name)
			}
			continue
		}
		prev := f.Value.String()
		if err := fs.Set(name, node.Value); err != nil {
			_ = fs.Set(name, prev)
			if logf != nil {
				logf("config file %s: ignoring invalid %s=%q: %v", path, name, node.Value, err)
			}
		}
	}
	return nil
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if !isAbsURL(c.PyroServer) {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Upstreams
	if !isAbsURL(c.RendererURL) {
		errs = append(errs, fmt.Errorf("RENDERER_URL must be a URL (got %q)", c.RendererURL))
	}
	if !isAbsURL(c.DefaultSourceURL) {
		errs = append(errs, fmt.Errorf("DEFAULT_SOURCE_URL must be a URL (got %q)", c.DefaultSourceURL))
	}
	for h := range strings.SplitSeq(c.SourceAllowHosts, ",") {
		if h = strings.TrimSpace(h); h != AllowAnySourceHost && strings.ContainsAny(h, "/:@* ") {
			errs = append(errs, fmt.Errorf("SOURCE_ALLOW_HOSTS entries must be bare hostnames (got %q)", h))
		}
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT must be > 0 (got %s)", c.FetchTimeout))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be > 0 (got %d)", c.MaxBodyBytes))
	}
	if c.MaxPageBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_PAGE_BYTES must be > 0 (got %d)", c.MaxPageBytes))
	}

	// Cache backend
	switch c.CacheBackend {
	case CacheMemory:
		if c.CacheCapacity < 0 {
			errs = append(errs, fmt.Errorf("CACHE_CAPACITY must be >= 0 (got %d)", c.CacheCapacity))
		}
	case CacheLevelDB:
		if c.CacheLevelDBPath == "" {
			errs = append(errs, fmt.Errorf("CACHE_LEVELDB_PATH required when CACHE_BACKEND=leveldb"))
		}
		if c.CacheSweepInterval <= 0 {
			errs = append(errs, fmt.Errorf("CACHE_SWEEP_INTERVAL must be > 0 (got %s)", c.CacheSweepInterval))
		}
	case CacheS3:
		if c.CacheS3Bucket == "" {
			errs = append(errs, fmt.Errorf("CACHE_S3_BUCKET required when CACHE_BACKEND=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CACHE_BACKEND %q (must be memory|leveldb|s3)", c.CacheBackend))
	}

	// Refresh nonces: exactly one key source
	if c.EnableRefresh {
		sources := 0
		for _, s := range []string{c.RefreshSecret, c.RefreshSecretSSMParam, c.NonceKMSKeyID} {
			if s != "" {
				sources++
			}
		}
		switch {
		case sources == 0:
			errs = append(errs, fmt.Errorf("one of REFRESH_SECRET, REFRESH_SECRET_SSM_PARAM or NONCE_KMS_KEY_ID required when ENABLE_REFRESH=true"))
		case sources > 1:
			errs = append(errs, fmt.Errorf("REFRESH_SECRET, REFRESH_SECRET_SSM_PARAM and NONCE_KMS_KEY_ID are mutually exclusive"))
		}
		if c.RefreshSecret != "" && len(c.RefreshSecret) < 32 {
			errs = append(errs, fmt.Errorf("REFRESH_SECRET must be at least 32 bytes (got %d)", len(c.RefreshSecret)))
		}
		if c.RefreshURL == "" {
			errs = append(errs, fmt.Errorf("REFRESH_URL required when ENABLE_REFRESH=true"))
		}
		if c.NonceLifetime < 2*time.Second {
			errs = append(errs, fmt.Errorf("NONCE_LIFETIME must be >= 2s (got %s)", c.NonceLifetime))
		}
		if c.RefreshRateLimitRPS < 0 || (c.RefreshRateLimitRPS > 0 && c.RefreshRateLimitBurst < 1) {
			errs = append(errs, fmt.Errorf("invalid refresh rate limit %s/s burst %d", strconv.FormatFloat(c.RefreshRateLimitRPS, 'f', -1, 64), c.RefreshRateLimitBurst))
		}
	}

	// Public listener
	if c.RateLimitRPS < 0 || (c.RateLimitRPS > 0 && c.RateLimitBurst < 1) {
		errs = append(errs, fmt.Errorf("invalid rate limit %s/s burst %d", strconv.FormatFloat(c.RateLimitRPS, 'f', -1, 64), c.RateLimitBurst))
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedProxyHops))
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_TIMEOUT must be >= 0 (got %s)", c.DrainTimeout))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SourceHosts returns the hosts sources may be fetched from: the
// -source-allow-hosts entries lowercased, plus the default source host.
// A nil result allows any host.
func (c App) SourceHosts() []string {
	var hosts []string
	seen := make(map[string]bool)
	add := func(h string) {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	for h := range strings.SplitSeq(c.SourceAllowHosts, ",") {
		if strings.TrimSpace(h) == AllowAnySourceHost {
			return nil
		}
		add(h)
	}
	if u, err := url.Parse(c.DefaultSourceURL); err == nil {
		add(u.Hostname())
	}
	return hosts
}

func isAbsURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
