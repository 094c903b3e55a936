package cfg

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

// flagValues reads back the string form of each named flag.
func flagValues(fs *flag.FlagSet, names map[string]string) map[string]string {
	got := make(map[string]string, len(names))
	for name := range names {
		if f := fs.Lookup(name); f != nil {
			got[name] = f.Value.String()
		}
	}
	return got
}

func assertFlags(t *testing.T, fs *flag.FlagSet, want map[string]string) {
	t.Helper()
	got := flagValues(fs, want)
	for name, w := range want {
		if got[name] != w {
			t.Errorf("-%s = %q, want %q", name, got[name], w)
		}
	}
}

func TestRegister_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)

	assertFlags(t, fs, map[string]string{
		"log-json":              "true",
		"log-level":             "info",
		"http-port":             "8080",
		"admin-port":            "9000",
		"enable-pprof":          "true",
		"enable-pyroscope":      "false",
		"enable-tracing":        "false",
		"stacktrace-level":      "error",
		"include-error-links":   "true",
		"cache-backend":         CacheMemory,
		"enable-refresh":        "true",
		"nonce-lifetime":        (24 * time.Hour).String(),
		"max-page-bytes":        "262144",
		"sanitize-html":         "true",
		"refresh-url":           "/api/refresh",
		"trusted-proxy-hops":    "0",
		"pyro-basic-auth-user":  "",
		"source-allow-hosts":    DefaultSourceAllowHosts,
		"allow-private-sources": "false",
	})
	if c.DrainTimeout != time.Minute {
		t.Errorf("DrainTimeout = %s, want 1m", c.DrainTimeout)
	}
}

// Every source (cli, env, file) must be able to reach every field, so each
// case drives the same flags through a different path.
func TestSources_ReachFields(t *testing.T) {
	want := map[string]string{
		"log-json":                 "false",
		"log-level":                "debug",
		"http-port":                "9090",
		"trace-sample":             "0.5",
		"pyro-server":              "https://pyro:4040",
		"pyro-basic-auth-user":     "profiler",
		"otlp-endpoint":            "otel:4317",
		"cache-backend":            CacheS3,
		"cache-s3-bucket":          "my-bucket",
		"fetch-timeout":            (3 * time.Second).String(),
		"refresh-secret-ssm-param": "/mdembed/refresh",
		"source-allow-hosts":       "docs.example.com,github.com",
	}

	t.Run("cli", func(t *testing.T) {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		var c App
		Register(fs, &c)
		args := make([]string, 0, len(want))
		for name, v := range want {
			args = append(args, "-"+name+"="+v)
		}
		if err := fs.Parse(args); err != nil {
			t.Fatalf("flag parse: %v", err)
		}
		assertFlags(t, fs, want)
		if c.PyroBasicAuthUser != "profiler" || c.CacheS3Bucket != "my-bucket" {
			t.Errorf("fields not bound: %+v", c)
		}
	})

	t.Run("env", func(t *testing.T) {
		pfx := "TESTCFG_"
		for name, v := range want {
			t.Setenv(pfx+strings.ReplaceAll(strings.ToUpper(name), "-", "_"), v)
		}
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		var c App
		Register(fs, &c)
		if err := fs.Parse(nil); err != nil {
			t.Fatalf("flag parse: %v", err)
		}
		FillFromEnv(fs, pfx, nil)
		assertFlags(t, fs, want)
	})

	t.Run("file", func(t *testing.T) {
		var b strings.Builder
		for name, v := range want {
			fmt.Fprintf(&b, "%s: %q\n", name, v)
		}
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		var c App
		Register(fs, &c)
		if err := fs.Parse(nil); err != nil {
			t.Fatalf("flag parse: %v", err)
		}
		if err := FillFromFile(fs, writeConfigFile(t, b.String()), nil); err != nil {
			t.Fatalf("FillFromFile: %v", err)
		}
		assertFlags(t, fs, want)
	})
}

func TestFillFromEnv_Conflicts(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"LOG_LEVEL", "warn")
	t.Setenv(pfx+"ADMIN_PORT", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-log-level=debug"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 9090 || c.LogLevel != "debug" {
		t.Errorf("cli values lost: port=%d level=%q", c.HTTPPort, c.LogLevel)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort = %d, want default 9000 after invalid env", c.AdminPort)
	}

	var overrides, invalid int
	for _, m := range msgs {
		switch {
		case strings.Contains(m, "overrides env"):
			overrides++
		case strings.Contains(m, "ignoring invalid env"):
			invalid++
		}
	}
	if overrides != 2 || invalid != 1 {
		t.Fatalf("messages = %v, want 2 overrides and 1 invalid", msgs)
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
		"-refresh-secret=" + strings.Repeat("k", 32),
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-include-error-links=true",
		"-max-error-links=0",
		"-cache-backend=redis",
		"-renderer-url=not-a-url",
		"-refresh-secret=short",
		"-nonce-kms-key-id=alias/mdembed",
		"-trusted-proxy-hops=-1",
		"-source-allow-hosts=github.com,http://169.254.169.254/",
	})

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "invalid HTTP_PORT")
	wantErrContains(t, err, "invalid ADMIN_PORT")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid STACKTRACE_LEVEL")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "PYRO_SERVER must be a URL")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "MAX_ERROR_LINKS")
	wantErrContains(t, err, "invalid CACHE_BACKEND")
	wantErrContains(t, err, "RENDERER_URL must be a URL")
	wantErrContains(t, err, "mutually exclusive")
	wantErrContains(t, err, "REFRESH_SECRET must be at least 32 bytes")
	wantErrContains(t, err, "TRUSTED_PROXY_HOPS")
	wantErrContains(t, err, "SOURCE_ALLOW_HOSTS")
}

func TestSourceHosts(t *testing.T) {
	tests := []struct {
		name  string
		allow string
		def   string
		want  []string
	}{
		{"defaults", DefaultSourceAllowHosts, "https://raw.githubusercontent.com/o/r/main/README.md", []string{"github.com", "raw.githubusercontent.com", "cdn.jsdelivr.net"}},
		{"default source host added", "github.com", "https://docs.example.com/README.md", []string{"github.com", "docs.example.com"}},
		{"normalized", " GitHub.com ,,github.com", "https://GITHUB.com/o/r/blob/main/x.md", []string{"github.com"}},
		{"empty list keeps default source", "", "https://docs.example.com:8443/x.md", []string{"docs.example.com"}},
		{"wildcard", "github.com, *", "https://docs.example.com/x.md", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := App{SourceAllowHosts: tt.allow, DefaultSourceURL: tt.def}
			if got := c.SourceHosts(); !slices.Equal(got, tt.want) {
				t.Errorf("SourceHosts() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate_CacheBackendRequirements(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"s3 without bucket", []string{"-cache-backend=s3"}, "CACHE_S3_BUCKET required"},
		{"leveldb without path", []string{"-cache-backend=leveldb", "-cache-leveldb-path="}, "CACHE_LEVELDB_PATH required"},
		{"leveldb zero sweep", []string{"-cache-backend=leveldb", "-cache-sweep-interval=0s"}, "CACHE_SWEEP_INTERVAL"},
		{"negative capacity", []string{"-cache-capacity=-1"}, "CACHE_CAPACITY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-enable-refresh=false"}, tt.args...)
			wantErrContains(t, Validate(newTestConfig(t, args)), tt.want)
		})
	}
}

func TestValidate_RefreshNeedsKeySource(t *testing.T) {
	c := newTestConfig(t, nil)
	wantErrContains(t, Validate(c), "one of REFRESH_SECRET, REFRESH_SECRET_SSM_PARAM or NONCE_KMS_KEY_ID required")

	c = newTestConfig(t, []string{"-enable-refresh=false"})
	if err := Validate(c); err != nil {
		t.Fatalf("refresh disabled: unexpected error: %v", err)
	}

	c = newTestConfig(t, []string{"-nonce-kms-key-id=alias/mdembed", "-nonce-lifetime=1s"})
	wantErrContains(t, Validate(c), "NONCE_LIFETIME")
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mdembed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFillFromFile(t *testing.T) {
	path := writeConfigFile(t, `
http-port: 8181
cache-backend: leveldb
cache-sweep-interval: 90s
sanitize-html: false
renderer-token: "tok"
`)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	if err := FillFromFile(fs, path, nil); err != nil {
		t.Fatalf("FillFromFile: %v", err)
	}

	if c.HTTPPort != 8181 {
		t.Errorf("HTTPPort: want 8181, got %d", c.HTTPPort)
	}
	if c.CacheBackend != CacheLevelDB {
		t.Errorf("CacheBackend: want %q, got %q", CacheLevelDB, c.CacheBackend)
	}
	if c.CacheSweepInterval != 90*time.Second {
		t.Errorf("CacheSweepInterval: want 90s, got %s", c.CacheSweepInterval)
	}
	if c.SanitizeHTML {
		t.Error("SanitizeHTML: want false from file")
	}
	if c.RendererToken != "tok" {
		t.Errorf("RendererToken: want %q, got %q", "tok", c.RendererToken)
	}
}

func TestFillFromFile_Precedence(t *testing.T) {
	pfx := "TESTCFG4_"
	t.Setenv(pfx+"LOG_LEVEL", "warn")
	path := writeConfigFile(t, `
http-port: 8181
log-level: debug
admin-port: 9191
`)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)
	if err := FillFromFile(fs, path, nil); err != nil {
		t.Fatalf("FillFromFile: %v", err)
	}

	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort: want 9090 (cli), got %d", c.HTTPPort)
	}
	if c.LogLevel != "warn" {
		t.Errorf("LogLevel: want %q (env), got %q", "warn", c.LogLevel)
	}
	if c.AdminPort != 9191 {
		t.Errorf("AdminPort: want 9191 (file), got %d", c.AdminPort)
	}
}

func TestFillFromFile_BadEntriesIgnored(t *testing.T) {
	path := writeConfigFile(t, `
http-port: not-a-number
no-such-flag: 1
cache-backend: [memory, s3]
`)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	err := FillFromFile(fs, path, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})
	if err != nil {
		t.Fatalf("FillFromFile: %v", err)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080 (default), got %d", c.HTTPPort)
	}
	if c.CacheBackend != CacheMemory {
		t.Errorf("CacheBackend: want %q (default), got %q", CacheMemory, c.CacheBackend)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 log messages, got %d: %v", len(msgs), msgs)
	}
}

func TestFillFromFile_Errors(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)

	if err := FillFromFile(fs, filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("missing file: expected error")
	}
	path := writeConfigFile(t, "http-port: [unterminated")
	wantErrContains(t, FillFromFile(fs, path, nil), "parse config file")
}
