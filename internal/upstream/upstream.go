// Package upstream is the typed HTTP boundary to the model endpoint: the
// catalog listing and chat completion calls, with HTTP failures mapped into
// the broker error taxonomy.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	brokererrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/types"
)

// DefaultBaseURL is the default endpoint base.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Client is a thin typed client over the upstream HTTP API. It carries no
// credential; the secret for each call comes from the key pool.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an upstream client. Zero values fall back to defaults.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// CatalogEntry is one raw entry of the upstream model listing, before
// classification.
type CatalogEntry struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ContextLength int    `json:"context_length"`
	Pricing       struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
	TopProvider struct {
		Name       string   `json:"name"`
		Modalities []string `json:"modalities"`
	} `json:"top_provider"`
	SupportsTools bool `json:"supports_tools"`
}

type catalogResponse struct {
	Data []CatalogEntry `json:"data"`
}

// PromptPrice parses the per-token prompt price; malformed values read as 0.
func (e *CatalogEntry) PromptPrice() float64 {
	v, _ := strconv.ParseFloat(e.Pricing.Prompt, 64)
	return v
}

// CompletionPrice parses the per-token completion price.
func (e *CatalogEntry) CompletionPrice() float64 {
	v, _ := strconv.ParseFloat(e.Pricing.Completion, 64)
	return v
}

// HasModality reports whether the entry's top provider lists the modality.
func (e *CatalogEntry) HasModality(name string) bool {
	for _, m := range e.TopProvider.Modalities {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

// ListModels fetches the raw model catalog.
func (c *Client) ListModels(ctx context.Context, secret string) ([]CatalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	c.setHeaders(req, secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, brokererrors.NewUpstreamTransientError("", fmt.Sprintf("catalog request: %v", err), 0, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, brokererrors.NewUpstreamTransientError("", fmt.Sprintf("read catalog response: %v", err), 0, 0)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, MapError("", resp.StatusCode, resp.Header, body)
	}

	var out catalogResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return out.Data, nil
}

// ChatCompletion executes one chat completion attempt against a single model.
func (c *Client) ChatCompletion(ctx context.Context, secret string, req *types.ChatRequest) (*types.ChatResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	c.setHeaders(httpReq, secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, brokererrors.NewTimeoutError(fmt.Sprintf("completion request: %v", ctx.Err()))
		}
		return nil, brokererrors.NewUpstreamTransientError(req.Model, fmt.Sprintf("completion request: %v", err), 0, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, brokererrors.NewUpstreamTransientError(req.Model, fmt.Sprintf("read completion response: %v", err), 0, 0)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, MapError(req.Model, resp.StatusCode, resp.Header, body)
	}

	var out types.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	return &out, nil
}

func (c *Client) setHeaders(req *http.Request, secret string) {
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
}

type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// MapError converts a non-200 upstream response into the error taxonomy.
// 429, 408 and 5xx are transient; other 4xx reject the request for this
// model and the chain moves on.
func MapError(model string, statusCode int, header http.Header, body []byte) error {
	msg := upstreamMessage(statusCode, body)
	if brokererrors.IsRetryable(statusCode) {
		return brokererrors.NewUpstreamTransientError(model, msg, statusCode, parseRetryAfter(header))
	}
	return brokererrors.NewUpstreamRejectedError(model, msg, statusCode)
}

func upstreamMessage(statusCode int, body []byte) string {
	var parsed upstreamErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return fmt.Sprintf("upstream returned status %d", statusCode)
}

// parseRetryAfter reads the Retry-After header, which may be delta-seconds
// or an HTTP date. Returns 0 when absent or malformed.
func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
