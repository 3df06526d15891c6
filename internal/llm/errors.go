package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode"
)

// Kind is the closed classification of upstream failures. Status codes and
// free-text message matching are inherently fuzzy, so all of it lives in
// Classify rather than scattered across handlers.
type Kind int

const (
	// KindUpstream is any provider failure not otherwise classified.
	KindUpstream Kind = iota
	// KindQuota means the provider reported quota or rate-limit exhaustion.
	// The caller is expected to trip the quota breaker.
	KindQuota
	// KindTimeout means the call exceeded its hard per-call budget.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindQuota:
		return "quota"
	case KindTimeout:
		return "timeout"
	default:
		return "upstream"
	}
}

// UpstreamError is returned when the provider responds with a non-2xx status.
// Message holds the provider's error text and must be sanitized before it is
// echoed into any response.
type UpstreamError struct {
	StatusCode int
	Status     string // provider status token, e.g. RESOURCE_EXHAUSTED
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("upstream request failed: status %d (%s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream request failed: status %d: %s", e.StatusCode, e.Message)
}

// Classify maps an error from Generate onto a Kind.
func Classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}

	var ue *UpstreamError
	if errors.As(err, &ue) && ue != nil {
		if ue.StatusCode == 429 || ue.Status == "RESOURCE_EXHAUSTED" {
			return KindQuota
		}
		msg := strings.ToLower(ue.Message)
		if strings.Contains(msg, "resource_exhausted") ||
			strings.Contains(msg, "quota") ||
			strings.Contains(msg, "rate limit") {
			return KindQuota
		}
	}
	return KindUpstream
}

const maxDetailLen = 256

// SanitizeDetail bounds and cleans a provider error string so it can be
// echoed in a JSON error envelope: control characters and header/markup
// injection characters are dropped, newlines collapse to spaces, and the
// result is truncated. Raw provider text must never cross the trust boundary
// unsanitized.
func SanitizeDetail(s string) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= maxDetailLen {
			break
		}
		switch {
		case r == '\r' || r == '\n' || r == '\t':
			b.WriteByte(' ')
		case r == '<' || r == '>' || r == '&' || r == '"' || r == '\'' || r == '`':
			// skip
		case unicode.IsControl(r):
			// skip
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
