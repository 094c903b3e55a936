package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/mdembed/internal/httpmw"
)

// visitor is one client's token bucket. logged is set after the first
// denial and resets when the entry expires and is re-created.
type visitor struct {
	limiter *rate.Limiter
	logged  bool
}

// IPLimiter keeps a token bucket per client IP. Idle buckets expire from a
// ttlcache after ttl; every request touches its entry.
type IPLimiter struct {
	// mu serializes admission so the capacity check and insert are atomic,
	// and guards visitor.logged and atCapacity.
	mu       sync.Mutex
	visitors *ttlcache.Cache[string, *visitor]

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	atCapacity  bool

	// OnFirstDenied fires once per visitor lifetime; OnDenied on every denial.
	OnFirstDenied func(ip string)
	OnDenied      func(ip string)
	// OnCapacity fires when a new IP is first turned away because the table
	// is full. It re-arms once the table drops below the cap.
	OnCapacity func()

	deniedContentType string
	deniedBody        []byte
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket size. WithRate(10, 50) allows 50
// requests at once, then 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle IP is remembered.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithOnFirstDenied is for logging: it fires once per visitor, not per request.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnFirstDenied = fn }
}

// WithOnDenied is for counters: it fires on every rejected request.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnDenied = fn }
}

// WithMaxVisitors caps how many IPs are tracked. New IPs past the cap are
// denied rather than evicting existing buckets. 0 disables the cap.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.OnCapacity = fn }
}

// WithDeniedResponse replaces the default 429 body. The refresh endpoint uses
// this so the browser script gets its usual {success:false} envelope.
func WithDeniedResponse(contentType string, body []byte) Option {
	return func(l *IPLimiter) {
		l.deniedContentType = contentType
		l.deniedBody = body
	}
}

// New builds a limiter and runs expiry until ctx is cancelled.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		perSecond:         10,
		burst:             30,
		ttl:               5 * time.Minute,
		maxVisitors:       100000,
		deniedContentType: "application/json; charset=utf-8",
		deniedBody:        []byte(`{"error":"too many requests"}`),
	}
	for _, o := range opts {
		o(l)
	}
	l.visitors = ttlcache.New(ttlcache.WithTTL[string, *visitor](l.ttl))

	go l.visitors.Start()
	go func() {
		<-ctx.Done()
		l.visitors.Stop()
	}()
	return l
}

type verdict int

const (
	allowed verdict = iota
	denied
	firstDenied
	full
)

func (l *IPLimiter) decide(ip string) verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	var v *visitor
	if item := l.visitors.Get(ip); item != nil {
		v = item.Value()
	} else {
		n := l.visitors.Len()
		if l.maxVisitors > 0 && n >= l.maxVisitors {
			if l.atCapacity {
				return denied
			}
			l.atCapacity = true
			return full
		}
		if n < l.maxVisitors {
			l.atCapacity = false
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors.Set(ip, v, ttlcache.DefaultTTL)
	}

	switch {
	case v.limiter.Allow():
		return allowed
	case !v.logged:
		v.logged = true
		return firstDenied
	default:
		return denied
	}
}

// allow reports whether ip may proceed. Hooks run after the lock is released
// since they may log or touch metrics.
func (l *IPLimiter) allow(ip string) bool {
	switch l.decide(ip) {
	case allowed:
		return true
	case full:
		if l.OnCapacity != nil {
			l.OnCapacity()
		}
	case firstDenied:
		if l.OnFirstDenied != nil {
			l.OnFirstDenied(ip)
		}
	}
	if l.OnDenied != nil {
		l.OnDenied(ip)
	}
	return false
}

// Len reports how many IPs are currently tracked.
func (l *IPLimiter) Len() int { return l.visitors.Len() }

// Middleware answers 429 for clients over their budget. It keys on the IP
// resolved by httpmw.ClientIPWithOptions, so it must run inside that.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(httpmw.ClientIPFromContext(r.Context())) {
			w.Header().Set("Content-Type", l.deniedContentType)
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// nothing about the limit, remaining budget or refill time
			_, _ = w.Write(l.deniedBody)
			return
		}
		next.ServeHTTP(w, r)
	})
}
