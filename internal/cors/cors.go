// Package cors implements origin policy for browser requests: parsing the
// configured allow-list, matching inbound Origin headers against exact and
// single-level wildcard rules, and emitting the response headers.
package cors

import (
	"net/http"
	"strings"

	"github.com/habitgate/habitgate/internal/config"
)

// Rule is one parsed allow-list entry: either an exact origin
// ("https://habits.example.com") or a single-level wildcard
// ("https://*.vercel.app"). Immutable once parsed.
type Rule struct {
	raw string

	// Wildcard form only.
	wildcard     bool
	schemePrefix string // "https://"
	suffix       string // "vercel.app"
}

// wildcardMarker splits scheme from suffix in a wildcard rule.
const wildcardMarker = "://*."

// ParseAllowedOrigins parses a comma-separated allow-list into rules.
// Entries are trimmed; empty entries are dropped. An empty or absent input
// yields an empty slice, which downstream means "no restriction configured"
// (permissive), not "nothing allowed".
func ParseAllowedOrigins(raw string) []Rule {
	if raw == "" {
		return nil
	}

	var rules []Rule
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		rules = append(rules, parseRule(item))
	}
	return rules
}

func parseRule(item string) Rule {
	idx := strings.Index(item, wildcardMarker)
	if idx <= 0 {
		return Rule{raw: item}
	}
	return Rule{
		raw:          item,
		wildcard:     true,
		schemePrefix: item[:idx] + "://",
		suffix:       item[idx+len(wildcardMarker):],
	}
}

// String returns the rule as configured.
func (r Rule) String() string { return r.raw }

// Matches reports whether the candidate origin satisfies this rule.
//
// Exact rules compare case-sensitively against the full origin. Wildcard
// rules require the origin to carry exactly one DNS label between the scheme
// and the declared suffix: the bare apex ("https://vercel.app") does not
// match, nor do multi-level subdomains ("https://a.b.vercel.app") or crafted
// origins smuggling the suffix behind a path ("https://evil.com/.vercel.app").
func (r Rule) Matches(origin string) bool {
	if !r.wildcard {
		return origin == r.raw
	}

	if !strings.HasPrefix(origin, r.schemePrefix) {
		return false
	}
	rest := origin[len(r.schemePrefix):]

	if !strings.HasSuffix(rest, "."+r.suffix) {
		return false
	}
	label := rest[:len(rest)-len(r.suffix)-1]

	// Exactly one label: non-empty, no dot, no slash.
	return label != "" && !strings.ContainsAny(label, "./")
}

// OriginAllowed reports whether the origin passes policy. An empty rule set
// means no restriction is configured and every origin passes.
func OriginAllowed(origin string, rules []Rule) bool {
	if len(rules) == 0 {
		return true
	}
	for _, r := range rules {
		if r.Matches(origin) {
			return true
		}
	}
	return false
}

// AllowOrigin returns the value for the Access-Control-Allow-Origin header:
// the request origin itself when policy passes (reflect-on-allow, safe for
// credentialed CORS), or the literal "null" so the browser check fails
// closed. A wildcard "*" is never returned.
func AllowOrigin(origin string, rules []Rule) string {
	if OriginAllowed(origin, rules) {
		return origin
	}
	return "null"
}

// Policy is the immutable, per-config origin policy applied by the handlers.
// Rebuilt on config reload and swapped atomically by the server.
type Policy struct {
	rules  []Rule
	strict bool
}

// NewPolicy builds a Policy from configuration.
func NewPolicy(cfg config.CORSConfig) *Policy {
	return &Policy{
		rules:  ParseAllowedOrigins(cfg.AllowedOrigins),
		strict: cfg.Strict,
	}
}

// Strict reports whether disallowed origins are rejected with 403 instead of
// only receiving a "null" allow-origin.
func (p *Policy) Strict() bool { return p.strict }

// Allowed reports whether the request's Origin header passes policy.
func (p *Policy) Allowed(r *http.Request) bool {
	return OriginAllowed(r.Header.Get("Origin"), p.rules)
}

// SetHeaders writes the CORS response headers for the request. Vary: Origin
// is always set because the allow-origin value is per-request. A request
// without an Origin header is not browser-initiated, so no allow-origin
// header is emitted for it.
func (p *Policy) SetHeaders(w http.ResponseWriter, r *http.Request, allowMethods string) {
	h := w.Header()
	if origin := r.Header.Get("Origin"); origin != "" {
		h.Set("Access-Control-Allow-Origin", AllowOrigin(origin, p.rules))
	}
	h.Set("Access-Control-Allow-Methods", allowMethods)
	h.Set("Access-Control-Allow-Headers", "Content-Type, X-Sync-Key-Hash, X-Request-Id")
	h.Add("Vary", "Origin")
}
