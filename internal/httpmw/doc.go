// Package httpmw holds the middleware for the public listener.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP resolution, rate limiting, otelhttp,
// asset headers, trace response headers, metrics and the request logger.
// Inside the router come compression, route annotation, the access log and
// the body size cap, since those need the matched chi route.
//
// Query strings, user agents and other client-controlled headers stay out of
// logs. Forwarded headers are honored only from trusted proxies.
package httpmw
