// Package llm is the HTTP client for the upstream text-analysis provider,
// speaking a generateContent-style JSON API, plus the centralized classifier
// that maps provider failures onto a closed error-kind enum.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/habitgate/habitgate/internal/config"
)

// Client calls the provider's generateContent endpoint. Every call carries a
// hard timeout, distinct from the server's body-read timeout, so a stuck
// upstream always resolves to a terminal error.
type Client struct {
	baseURL string
	model   string
	apiKey  string
	timeout time.Duration

	httpClient *http.Client
	tracer     trace.Tracer
}

// NewClient builds a client from validated config.
func NewClient(cfg config.LLMConfig) *Client {
	timeout := config.MustParseDuration(cfg.Timeout, 25*time.Second)
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		apiKey:  cfg.APIKey.Value(),
		timeout: timeout,
		httpClient: &http.Client{
			// The context deadline is the real budget; this is a backstop.
			Timeout: timeout + 5*time.Second,
		},
		tracer: otel.Tracer("habitgate/llm"),
	}
}

// Model returns the configured model identifier, used in cache fingerprints.
func (c *Client) Model() string {
	return c.model
}

type generatePart struct {
	Text string `json:"text"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generateRequest struct {
	Contents          []generateContent `json:"contents"`
	SystemInstruction *generateContent  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content generateContent `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate sends prompt and system instruction to the provider and returns
// the first candidate's text. Failures come back as *UpstreamError or a
// wrapped transport error; callers classify with Classify.
func (c *Client) Generate(ctx context.Context, prompt, system string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "llm.generate",
		trace.WithAttributes(attribute.String("llm.model", c.model)))
	defer span.End()

	payload := generateRequest{
		Contents: []generateContent{{Parts: []generatePart{{Text: prompt}}}},
	}
	if system != "" {
		payload.SystemInstruction = &generateContent{Parts: []generatePart{{Text: system}}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "transport failure")
		return "", fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		span.SetStatus(codes.Error, "read failure")
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		uerr := &UpstreamError{StatusCode: resp.StatusCode}
		var parsed errorResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error.Message != "" {
			uerr.Status = parsed.Error.Status
			uerr.Message = parsed.Error.Message
		} else {
			uerr.Message = strings.TrimSpace(string(respBody))
		}
		span.SetStatus(codes.Error, uerr.Status)
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return "", uerr
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Message: "response carried no candidates"}
	}

	var text strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return text.String(), nil
}
