package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/habitgate/habitgate/internal/llm"
	"github.com/habitgate/habitgate/internal/memocache"
)

// analyzeRequest is the POST /api/analyze body. Both fields are required.
type analyzeRequest struct {
	Prompt            string `json:"prompt"`
	SystemInstruction string `json:"systemInstruction"`
}

// analyze serves POST /api/analyze: cache lookup → breaker check → upstream
// call → cache write. Identical in-flight prompts collapse onto a single
// upstream call, and total upstream concurrency is semaphore-bounded.
func (a *API) analyze(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}

	var req analyzeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if req.Prompt == "" || req.SystemInstruction == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "prompt and systemInstruction are required")
		return
	}

	fp := memocache.Fingerprint(a.llm.Model(), req.Prompt, req.SystemInstruction)

	if cached, hit := a.cache.Get(fp); hit {
		a.metrics.IncCacheHit()
		w.Header().Set(cacheHeader, "HIT")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(cached))
		return
	}
	a.metrics.IncCacheMiss()

	if ok, retryAfter := a.breaker.Allow(); !ok {
		a.metrics.IncBreakerBlocked()
		setRetryAfter(w, retryAfter)
		writeError(w, http.StatusTooManyRequests, "quota_cooldown", "upstream quota is exhausted, retry later")
		return
	}

	text, err := a.generate(r, fp, req)
	if err != nil {
		a.writeUpstreamError(w, r, err)
		return
	}

	// The cache write happens only after the upstream call fully resolved,
	// so a timed-out call can never publish a half-built entry.
	a.cache.Set(fp, text)
	a.breaker.Reset()

	w.Header().Set(cacheHeader, "MISS")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

// generate runs the upstream call under the concurrency semaphore, deduped
// by fingerprint so concurrent identical requests share one provider call.
// The shared call is detached from the initiating request's cancellation:
// one caller disconnecting must not fail every collapsed caller. The
// client's own per-call timeout still bounds the call.
func (a *API) generate(r *http.Request, fp string, req analyzeRequest) (string, error) {
	callCtx := context.WithoutCancel(r.Context())
	v, err, _ := a.sf.Do(fp, func() (any, error) {
		if err := a.sem.Acquire(callCtx, 1); err != nil {
			return nil, err
		}
		defer a.sem.Release(1)

		start := time.Now()
		text, err := a.llm.Generate(callCtx, req.Prompt, req.SystemInstruction)
		a.metrics.PromUpstreamDuration.Observe(time.Since(start).Seconds())
		return text, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *API) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	kind := llm.Classify(err)
	a.metrics.IncUpstreamError(kind.String())
	a.logger.Error("upstream call failed",
		"kind", kind.String(), "error", err,
		"request_id", r.Header.Get(requestIDHeader))

	switch kind {
	case llm.KindQuota:
		cooldown := a.snap.Load().cooldown
		a.breaker.Trip(cooldown)
		a.metrics.IncBreakerTrip()
		setRetryAfter(w, cooldown)
		writeError(w, http.StatusTooManyRequests, "upstream_quota", "upstream quota is exhausted, retry later")
	case llm.KindTimeout:
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream call timed out")
	default:
		writeError(w, http.StatusInternalServerError, "upstream_error", llm.SanitizeDetail(err.Error()))
	}
}
