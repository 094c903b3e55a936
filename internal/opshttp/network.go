package opshttp

import (
	"net"
	"net/http"

	"github.com/keithlinneman/mdembed/internal/log"
)

// requireNonPublicNetwork rejects any request whose peer is not loopback, private or link-local,
// and any request that came through a proxy. The security group should already keep the public
// internet off this port; this covers a misconfigured group or a load balancer pointed at it.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			forbid(w, r, L, "malformed remote addr")
			return
		}
		ip := net.ParseIP(host)
		if ip == nil {
			forbid(w, r, L, "unparseable remote ip")
			return
		}
		if !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			forbid(w, r, L, "public remote ip")
			return
		}
		if r.Header.Get("X-Forwarded-For") != "" {
			forbid(w, r, L, "proxied request")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func forbid(w http.ResponseWriter, r *http.Request, L log.Logger, reason string) {
	L.Warn(r.Context(), "ops request rejected", "reason", reason, "url.path", r.URL.Path)
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}
