package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
)

const unknownIP = "unknown"

// clientIP resolves the visitor address: CF-Connecting-IP when the edge set
// it, then the first X-Forwarded-For hop, then the connection peer.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			hlog.FromRequest(r).Debug().
				Str("ip_prefix", truncate(ip, 8)).
				Msg("using X-Forwarded-For for client IP; header is spoofable")
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		hlog.FromRequest(r).Warn().Msg("no client address available, deduplicating as unknown")
		return unknownIP
	}
	return host
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
