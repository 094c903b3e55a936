package httpserver

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/mdembed/internal/health"
	"github.com/keithlinneman/mdembed/internal/httpmw"
	"github.com/keithlinneman/mdembed/internal/log"
)

type stubAssetInfo struct{ version, hash string }

func (s *stubAssetInfo) AssetVersion() string { return s.version }
func (s *stubAssetInfo) AssetHash() string    { return s.hash }

func do(h http.Handler, method, path string, body io.Reader, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "198.51.100.10:40000"
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func fragmentRoutes(r chi.Router) {
	r.With(httpmw.FragmentSecurityHeaders).Get("/embed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, strings.Repeat("<p>rendered</p>", 200))
	})
	r.Post("/api/pages/render", func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, "page too large", http.StatusRequestEntityTooLarge)
			return
		}
		_, _ = w.Write(b)
	})
	r.Get("/client", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, httpmw.ClientIPFromContext(r.Context()))
	})
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("render exploded") })
}

func TestNewHandler_Defaults(t *testing.T) {
	h := NewHandler(Options{})

	rec := do(h, http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	for _, k := range []string{"Strict-Transport-Security", "X-Content-Type-Options", "X-Request-Id"} {
		if rec.Header().Get(k) == "" {
			t.Errorf("%s missing on 404", k)
		}
	}
	if rec.Header().Get("Content-Security-Policy") != httpmw.DefaultCSP {
		t.Error("404 should carry the strict CSP")
	}
	for _, p := range []string{"/-/healthy", "/-/ready"} {
		if rec := do(h, http.MethodGet, p, nil); rec.Code != http.StatusNotFound {
			t.Errorf("%s without a probe = %d, want 404", p, rec.Code)
		}
	}
}

func TestNewHandler_Probes(t *testing.T) {
	var gate health.ShutdownGate
	h := NewHandler(Options{Health: health.Fixed(true, ""), Readiness: gate.Probe()})

	if rec := do(h, http.MethodGet, "/-/healthy", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthy = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/-/ready", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}
	gate.Set("draining")
	if rec := do(h, http.MethodGet, "/-/ready", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining ready = %d, want 503", rec.Code)
	}
}

func TestNewHandler_FragmentRoute(t *testing.T) {
	h := NewHandler(Options{
		APIRoutes: fragmentRoutes,
		AssetInfo: &stubAssetInfo{version: "2", hash: "abcdef123456"},
	})
	rec := do(h, http.MethodGet, "/embed", nil, "X-Request-Id", "caller-id-1")

	if rec.Header().Get("Content-Security-Policy") != httpmw.FragmentCSP {
		t.Error("embed route should relax the CSP")
	}
	if rec.Header().Get("X-Embed-Assets-Version") != "2" || rec.Header().Get("X-Embed-Assets-Hash") != "abcdef123456" {
		t.Errorf("asset headers = %q/%q", rec.Header().Get("X-Embed-Assets-Version"), rec.Header().Get("X-Embed-Assets-Hash"))
	}
	if rec.Header().Get("X-Request-Id") != "caller-id-1" {
		t.Errorf("request id = %q, want propagated", rec.Header().Get("X-Request-Id"))
	}
}

func TestNewHandler_Compression(t *testing.T) {
	h := NewHandler(Options{APIRoutes: fragmentRoutes})

	rec := do(h, http.MethodGet, "/embed", nil, "Accept-Encoding", "gzip")
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if !strings.HasPrefix(string(body), "<p>rendered</p>") {
		t.Fatalf("decompressed body = %.40q", body)
	}

	if rec := do(h, http.MethodGet, "/embed", nil); rec.Header().Get("Content-Encoding") != "" {
		t.Error("no Accept-Encoding, no compression")
	}
}

func TestNewHandler_MaxBodyBytes(t *testing.T) {
	h := NewHandler(Options{APIRoutes: fragmentRoutes, MaxBodyBytes: 16})
	if rec := do(h, http.MethodPost, "/api/pages/render", strings.NewReader(strings.Repeat("a", 16))); rec.Code != http.StatusOK {
		t.Fatalf("16 bytes = %d, want 200", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/api/pages/render", strings.NewReader(strings.Repeat("a", 17))); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("17 bytes = %d, want 413", rec.Code)
	}
}

func TestNewHandler_ClientIP(t *testing.T) {
	tests := []struct {
		name string
		hops int
		want string
	}{
		{"public peer ignores xff", 0, "198.51.100.10"},
		{"public peer ignores xff even with hops", 1, "198.51.100.10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Options{APIRoutes: fragmentRoutes, ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: tt.hops}})
			rec := do(h, http.MethodGet, "/client", nil, "X-Forwarded-For", "1.2.3.4")
			if rec.Body.String() != tt.want {
				t.Fatalf("client ip = %q, want %q", rec.Body.String(), tt.want)
			}
		})
	}
}

func TestNewHandler_Recover(t *testing.T) {
	panics := 0
	h := NewHandler(Options{APIRoutes: fragmentRoutes, UseRecoverMW: true, OnPanic: func() { panics++ }})
	rec := do(h, http.MethodGet, "/boom", nil)
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status %d, panics %d", rec.Code, panics)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers must survive a panic")
	}
}

func TestNewHandler_OptionalMiddleware(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				if name == "ratelimit" && httpmw.ClientIPFromContext(r.Context()) == "" {
					t.Error("limiter should see the resolved client ip")
				}
				next.ServeHTTP(w, r)
			})
		}
	}
	h := NewHandler(Options{
		APIRoutes:   fragmentRoutes,
		RateLimitMW: mark("ratelimit"),
		MetricsMW:   mark("metrics"),
	})
	do(h, http.MethodGet, "/client", nil)
	if got := strings.Join(order, ","); got != "ratelimit,metrics" {
		t.Fatalf("order = %s", got)
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(":1234", http.NotFoundHandler())
	if srv.Addr != ":1234" || srv.Handler == nil {
		t.Fatalf("server = %+v", srv)
	}
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.WriteTimeout != DefaultWriteTimeout ||
		srv.IdleTimeout != DefaultIdleTimeout || srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("timeouts not applied: %+v", srv)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStart_ServesAndStops(t *testing.T) {
	port := freePort(t)
	stop, err := Start(context.Background(), Options{Port: port, Logger: log.Nop(), APIRoutes: fragmentRoutes})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/client", port)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "127.0.0.1" || resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("live response = %d %q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("still accepting after stop")
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := Start(context.Background(), Options{Port: ln.Addr().(*net.TCPAddr).Port}); err == nil {
		t.Fatal("expected error for port in use")
	}
}
