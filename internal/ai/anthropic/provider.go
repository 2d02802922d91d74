package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/DukeRupert/fortuna/internal/ai"
	"github.com/DukeRupert/fortuna/internal/metrics"
)

const (
	// APIBaseURL is the base URL for the Anthropic API
	APIBaseURL = "https://api.anthropic.com/v1/messages"

	// APIVersion is the Anthropic API version
	APIVersion = "2023-06-01"

	// DefaultModel is the default Claude model to use
	DefaultModel = "claude-3-5-sonnet-20241022"

	// DefaultMaxTokens bounds the length of a reading
	DefaultMaxTokens = 1500

	// MaxImageSize is the maximum image size in bytes (5MB per Anthropic image limits)
	MaxImageSize = 5 * 1024 * 1024

	// Pricing in cents per 1M tokens for claude-3-5-sonnet
	PricingInputCents  = 300  // $3 per 1M input tokens
	PricingOutputCents = 1500 // $15 per 1M output tokens
)

// Config contains configuration for the Anthropic provider
type Config struct {
	APIKey         string
	Model          string
	BaseURL        string // Overrides APIBaseURL; used by tests
	ProviderConfig ai.ProviderConfig
}

// Provider implements ai.Provider using Anthropic's Messages API
type Provider struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a new Anthropic AI provider
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	// Set defaults
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = APIBaseURL
	}
	if config.ProviderConfig.MaxRetries == 0 {
		config.ProviderConfig.MaxRetries = 3
	}
	if config.ProviderConfig.RetryBaseDelay == 0 {
		config.ProviderConfig.RetryBaseDelay = 1 * time.Second
	}
	if config.ProviderConfig.RequestTimeout == 0 {
		config.ProviderConfig.RequestTimeout = 60 * time.Second
	}

	return &Provider{
		config: config,
		client: &http.Client{
			Timeout: config.ProviderConfig.RequestTimeout,
		},
		logger: logger,
	}, nil
}

// Generate runs one completion
func (p *Provider) Generate(ctx context.Context, params ai.GenerateParams) (*ai.Completion, error) {
	startTime := time.Now()

	if err := p.validateParams(params); err != nil {
		metrics.AICallFailed()
		return nil, ai.WrapError("generate", err)
	}

	body, err := p.buildRequestBody(params)
	if err != nil {
		metrics.AICallFailed()
		return nil, ai.WrapError("build request", err)
	}

	raw, err := p.executeWithRetry(ctx, body)
	if err != nil {
		metrics.AICallFailed()
		return nil, ai.WrapError("execute request", err)
	}

	completion, err := parseResponse(raw)
	if err != nil {
		metrics.AICallFailed()
		return nil, ai.WrapError("parse response", err)
	}

	completion.Usage.Model = p.config.Model
	completion.Usage.CostCents = p.calculateCost(completion.Usage.InputTokens, completion.Usage.OutputTokens)
	completion.Usage.Duration = time.Since(startTime)

	metrics.AICallSucceeded(
		completion.Usage.InputTokens,
		completion.Usage.OutputTokens,
		completion.Usage.CostCents,
		completion.Usage.Duration,
	)

	p.logger.Debug("ai completion",
		"feature", params.Feature,
		"model", p.config.Model,
		"input_tokens", completion.Usage.InputTokens,
		"output_tokens", completion.Usage.OutputTokens,
		"duration_ms", completion.Usage.Duration.Milliseconds(),
	)

	return completion, nil
}

// validateParams validates the completion parameters
func (p *Provider) validateParams(params ai.GenerateParams) error {
	if len(params.Messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", ai.EAIInvalidRequest)
	}
	last := params.Messages[len(params.Messages)-1]
	if last.Role != ai.RoleUser {
		return fmt.Errorf("%w: last message must be from the user", ai.EAIInvalidRequest)
	}
	for _, m := range params.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: invalid role %q", ai.EAIInvalidRequest, m.Role)
		}
	}

	if params.Image == nil {
		return nil
	}
	if len(params.Image.Data) == 0 {
		return fmt.Errorf("%w: empty image", ai.EAIInvalidRequest)
	}
	if len(params.Image.Data) > MaxImageSize {
		return fmt.Errorf("%w: image size %d exceeds maximum %d", ai.EAIInvalidRequest, len(params.Image.Data), MaxImageSize)
	}
	validTypes := map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/gif":  true,
		"image/webp": true,
	}
	if !validTypes[params.Image.ContentType] {
		return fmt.Errorf("%w: unsupported content type %s", ai.EAIInvalidRequest, params.Image.ContentType)
	}
	return nil
}

// buildRequestBody marshals the Messages API request. The image, if any, is
// attached to the final user message ahead of its text.
func (p *Provider) buildRequestBody(params ai.GenerateParams) ([]byte, error) {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	reqBody := apiRequest{
		Model:     p.config.Model,
		MaxTokens: maxTokens,
		System:    params.System,
		Messages:  make([]apiMessage, 0, len(params.Messages)),
	}

	for i, m := range params.Messages {
		msg := apiMessage{Role: string(m.Role)}
		if i == len(params.Messages)-1 && params.Image != nil {
			msg.Content = append(msg.Content, apiContent{
				Type: "image",
				Source: &apiImageSource{
					Type:      "base64",
					MediaType: params.Image.ContentType,
					Data:      base64.StdEncoding.EncodeToString(params.Image.Data),
				},
			})
		}
		msg.Content = append(msg.Content, apiContent{Type: "text", Text: m.Content})
		reqBody.Messages = append(reqBody.Messages, msg)
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return bodyBytes, nil
}

func (p *Provider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", APIVersion)

	return req, nil
}

// executeWithRetry executes the request with exponential backoff retry.
// A fresh request is built per attempt so the body is never reused.
func (p *Provider) executeWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	var lastErr error

	attempts := max(1, p.config.ProviderConfig.MaxRetries)
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := p.newRequest(ctx, body)
		if err != nil {
			return nil, err
		}

		resp, err := p.executeRequest(req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		// Only retry on retryable errors
		if !ai.IsRetryable(err) {
			return nil, err
		}

		// Don't retry if we've exhausted attempts
		if attempt >= attempts {
			break
		}

		// Calculate backoff delay (exponential: base * 2^(attempt-1))
		delay := p.config.ProviderConfig.RetryBaseDelay * time.Duration(1<<(attempt-1))
		p.logger.Info("Retrying AI request", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// executeRequest executes a single HTTP request and returns the raw body
func (p *Provider) executeRequest(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		// Network errors are typically retryable
		return nil, ai.EAIUnavailable
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode, bodyBytes)
	}

	return bodyBytes, nil
}

// mapHTTPError maps HTTP status codes to provider errors
func mapHTTPError(statusCode int, body []byte) error {
	errType := gjson.GetBytes(body, "error.type").String()
	message := gjson.GetBytes(body, "error.message").String()

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ai.EAIUnauthorized
	case http.StatusTooManyRequests:
		return ai.EAIRateLimit
	case http.StatusRequestTimeout:
		return ai.EAITimeout
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(message), "policy") {
			return fmt.Errorf("%w: %s", ai.EAIContentPolicy, message)
		}
		if errType == "invalid_request_error" {
			return fmt.Errorf("%w: %s", ai.EAIInvalidRequest, message)
		}
		return fmt.Errorf("bad request: %s", message)
	case http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, 529:
		return ai.EAIUnavailable
	default:
		return fmt.Errorf("API error (status %d): %s", statusCode, message)
	}
}

// parseResponse extracts the text blocks and token usage from a Messages API response
func parseResponse(body []byte) (*ai.Completion, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response is not valid JSON")
	}

	parsed := gjson.ParseBytes(body)

	var parts []string
	parsed.Get(`content.#(type=="text")#.text`).ForEach(func(_, value gjson.Result) bool {
		parts = append(parts, value.String())
		return true
	})

	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return nil, ai.EAIEmptyResponse
	}

	return &ai.Completion{
		Text:       text,
		StopReason: parsed.Get("stop_reason").String(),
		Usage: ai.UsageInfo{
			InputTokens:  int(parsed.Get("usage.input_tokens").Int()),
			OutputTokens: int(parsed.Get("usage.output_tokens").Int()),
		},
	}, nil
}

// calculateCost calculates the cost in cents for the given token usage
func (p *Provider) calculateCost(inputTokens, outputTokens int) int {
	inputCost := (inputTokens * PricingInputCents) / 1_000_000
	outputCost := (outputTokens * PricingOutputCents) / 1_000_000
	return inputCost + outputCost
}

// API request types

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *apiImageSource `json:"source,omitempty"`
}

type apiImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}
