package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/mdembed/internal/httpmw"
)

func newTest(t *testing.T, opts ...Option) *IPLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, opts...)
}

func TestDefaults(t *testing.T) {
	l := newTest(t)
	if l.perSecond != 10 || l.burst != 30 || l.ttl != 5*time.Minute || l.maxVisitors != 100000 {
		t.Fatalf("defaults = %v/%d/%v/%d", l.perSecond, l.burst, l.ttl, l.maxVisitors)
	}
}

func TestAllow_BurstPerIP(t *testing.T) {
	l := newTest(t, WithRate(0.001, 3))
	for i := range 3 {
		if !l.allow("198.51.100.1") {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.allow("198.51.100.1") {
		t.Fatal("request past burst allowed")
	}
	if !l.allow("198.51.100.2") {
		t.Fatal("other IP should have its own bucket")
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}
}

func TestAllow_Refill(t *testing.T) {
	l := newTest(t, WithRate(100, 1))
	if !l.allow("a") || l.allow("a") {
		t.Fatal("burst of 1 not enforced")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.allow("a") {
		t.Fatal("bucket did not refill")
	}
}

func TestHooks_FirstDeniedOncePerVisitor(t *testing.T) {
	var first, all []string
	l := newTest(t,
		WithRate(0.001, 1),
		WithTTL(50*time.Millisecond),
		WithOnFirstDenied(func(ip string) { first = append(first, ip) }),
		WithOnDenied(func(ip string) { all = append(all, ip) }),
	)
	l.allow("a")
	l.allow("a")
	l.allow("a")
	l.allow("b")
	l.allow("b")

	if fmt.Sprint(first) != "[a b]" || len(all) != 3 {
		t.Fatalf("first=%v all=%v", first, all)
	}

	// an expired visitor starts over with a full bucket and re-armed logging
	time.Sleep(80 * time.Millisecond)
	if !l.allow("a") {
		t.Fatal("expired visitor should get a fresh bucket")
	}
	l.allow("a")
	if fmt.Sprint(first) != "[a b a]" {
		t.Fatalf("first after expiry = %v", first)
	}
}

func TestAllow_ActiveVisitorKeptAlive(t *testing.T) {
	l := newTest(t, WithRate(0.001, 2), WithTTL(60*time.Millisecond))
	l.allow("a")
	for range 4 {
		time.Sleep(25 * time.Millisecond)
		l.allow("a")
	}
	// every call touched the entry, so the spent bucket is still remembered
	if l.allow("a") {
		t.Fatal("touched visitor should not have been reset")
	}
}

func TestCapacity(t *testing.T) {
	var capacityHits, denials atomic.Int32
	l := newTest(t,
		WithRate(0.001, 1),
		WithMaxVisitors(2),
		WithTTL(50*time.Millisecond),
		WithOnCapacity(func() { capacityHits.Add(1) }),
		WithOnDenied(func(string) { denials.Add(1) }),
	)
	l.allow("a")
	l.allow("b")

	if l.allow("c") || l.allow("d") {
		t.Fatal("new IPs past the cap must be denied")
	}
	if capacityHits.Load() != 1 || denials.Load() != 2 {
		t.Fatalf("capacity=%d denials=%d, want 1 and 2", capacityHits.Load(), denials.Load())
	}
	if l.allow("a") {
		t.Fatal("existing IP still bound by its own bucket")
	}

	time.Sleep(80 * time.Millisecond)
	if !l.allow("c") {
		t.Fatal("expired entries should free capacity")
	}
	l.allow("d")
	l.allow("e")
	if capacityHits.Load() != 2 {
		t.Fatalf("capacity hook should re-arm, got %d", capacityHits.Load())
	}
}

func TestCapacity_ZeroDisables(t *testing.T) {
	l := newTest(t, WithMaxVisitors(0))
	for i := range 50 {
		if !l.allow(fmt.Sprintf("10.0.0.%d", i)) {
			t.Fatalf("ip %d denied with no cap", i)
		}
	}
}

func TestAllow_Concurrent(t *testing.T) {
	var allowedN atomic.Int32
	l := newTest(t, WithRate(0.001, 5), WithMaxVisitors(10))
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.allow(fmt.Sprintf("ip-%d", i%20)) {
				allowedN.Add(1)
			}
		}()
	}
	wg.Wait()
	if l.Len() > 10 {
		t.Fatalf("tracked %d IPs past the cap", l.Len())
	}
	if allowedN.Load() > 10*5 {
		t.Fatalf("allowed %d, more than cap*burst", allowedN.Load())
	}
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		wantType string
		wantBody string
	}{
		{"default body", nil, "application/json; charset=utf-8", `{"error":"too many requests"}`},
		{"refresh envelope", []Option{WithDeniedResponse("application/json", []byte(`{"success":false,"message":"slow down"}`))},
			"application/json", `{"success":false,"message":"slow down"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTest(t, append([]Option{WithRate(0.001, 1)}, tt.opts...)...)
			var reached int
			h := httpmw.ClientIP(l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached++
			})))

			send := func(remote string) *httptest.ResponseRecorder {
				req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
				req.RemoteAddr = remote
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)
				return rec
			}

			if rec := send("203.0.113.1:1000"); rec.Code != http.StatusOK {
				t.Fatalf("first = %d", rec.Code)
			}
			rec := send("203.0.113.1:1001")
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("second = %d, want 429", rec.Code)
			}
			if rec.Header().Get("Content-Type") != tt.wantType || rec.Body.String() != tt.wantBody || rec.Header().Get("Retry-After") != "30" {
				t.Errorf("denied response = %q %q %q", rec.Header().Get("Content-Type"), rec.Body.String(), rec.Header().Get("Retry-After"))
			}
			if rec := send("203.0.113.2:1000"); rec.Code != http.StatusOK {
				t.Fatalf("other ip = %d", rec.Code)
			}
			if reached != 2 {
				t.Fatalf("handler reached %d times, want 2", reached)
			}
		})
	}
}
