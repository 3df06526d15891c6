package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// UnknownClient is the key used when no address information is available.
// All such requests share one low-cardinality bucket instead of bypassing
// the limiter.
const UnknownClient = "unknown"

// ClientIP resolves the most trustworthy client address from a request.
//
// Precedence, highest trust first:
//  1. The platform-injected forwarded header (trustedHeader) — only the
//     hosting edge infrastructure can set it, so its value is unspoofable
//     by the end client.
//  2. X-Real-IP.
//  3. The LAST hop of X-Forwarded-For. The first entry is attacker-
//     controlled (a client can prepend arbitrary text before the chain
//     reaches any trusted proxy); the last hop was appended by the
//     infrastructure closest to us.
//  4. The connection's remote address.
func ClientIP(r *http.Request, trustedHeader string) string {
	if trustedHeader != "" {
		if v := r.Header.Get(trustedHeader); v != "" {
			// Platform-set header: the first entry is the true client.
			return firstHop(v)
		}
	}

	if v := r.Header.Get("X-Real-IP"); v != "" {
		return strings.TrimSpace(v)
	}

	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if hop := lastHop(v); hop != "" {
			return hop
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return UnknownClient
}

func firstHop(chain string) string {
	for _, hop := range strings.Split(chain, ",") {
		if hop = strings.TrimSpace(hop); hop != "" {
			return hop
		}
	}
	return UnknownClient
}

func lastHop(chain string) string {
	hops := strings.Split(chain, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		if hop := strings.TrimSpace(hops[i]); hop != "" {
			return hop
		}
	}
	return ""
}
