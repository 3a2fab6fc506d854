package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codingauto/carpool-router/internal/domain"
	"github.com/codingauto/carpool-router/internal/errs"
)

// HTTPClient is a generic ProviderClient for a single back-end service
// type's chat-completions endpoint, grounded on the teacher's
// MessageHandler http.Client usage (long per-request timeout, bearer auth).
type HTTPClient struct {
	baseURL     string
	healthPath  string
	apiKey      string
	serviceType domain.ServiceType
	httpClient  *http.Client
}

// NewHTTPClient builds an HTTPClient for one provider endpoint.
func NewHTTPClient(serviceType domain.ServiceType, baseURL, healthPath, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:     baseURL,
		healthPath:  healthPath,
		apiKey:      apiKey,
		serviceType: serviceType,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type chatWireRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int64         `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatWireResponse struct {
	Content string `json:"content"`
	Usage   struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Send posts the request to the provider's chat endpoint, authenticating
// with the client's configured API key; no per-account key is used.
func (c *HTTPClient) Send(ctx context.Context, account *domain.Account, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(chatWireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderError, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderError, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindProviderTimeout, "request timed out", err)
		}
		return nil, errs.Wrap(errs.KindProviderError, "request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errs.New(errs.KindAuthenticationFailed, fmt.Sprintf("account %s rejected by %s", account.ID, c.serviceType))
	case http.StatusTooManyRequests:
		return nil, errs.New(errs.KindQuotaOnRemoteSide, fmt.Sprintf("account %s rate-limited by %s", account.ID, c.serviceType))
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return nil, errs.New(errs.KindProviderError, fmt.Sprintf("%s returned %d", c.serviceType, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, errs.New(errs.KindProviderError, fmt.Sprintf("%s returned %d", c.serviceType, resp.StatusCode))
	}

	var wire chatWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, errs.Wrap(errs.KindProviderError, "decode response", err)
	}

	return &ChatResponse{
		Content:        wire.Content,
		RequestTokens:  wire.Usage.PromptTokens,
		ResponseTokens: wire.Usage.CompletionTokens,
	}, nil
}

// HealthCheck probes the provider's health endpoint and times the round
// trip for the Pool Manager's response-time scoring component.
func (c *HTTPClient) HealthCheck(ctx context.Context, account *domain.Account) (bool, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return false, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return false, elapsed, err
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400, elapsed, nil
}

var _ ProviderClient = (*HTTPClient)(nil)
