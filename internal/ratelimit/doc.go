// Package ratelimit is per-IP rate limiting middleware with background
// eviction of idle entries.
//
// It is in-memory and local to one instance. The public listener uses it to
// keep a single client from forcing a stream of cache misses (each one an
// upstream fetch plus a render call), and the refresh endpoint uses a tighter
// limiter so cache eviction cannot be used to hammer the upstreams.
//
// It does not protect against distributed attacks or bandwidth-bill attacks;
// request bodies are already accepted by the time this runs.
package ratelimit
