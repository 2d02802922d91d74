package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider generates fortune text from a large language model.
type Provider interface {
	// Generate runs one completion for the given conversation.
	Generate(ctx context.Context, params GenerateParams) (*Completion, error)
}

// GenerateParams contains the inputs of one completion.
type GenerateParams struct {
	System    string    // System prompt (persona and output rules)
	Messages  []Message // Conversation, oldest first; the last message is from the user
	Image     *Image    // Optional image attached to the last user message
	MaxTokens int       // Maximum output tokens; provider default when zero
	Feature   string    // Billable feature, for logging and metrics
}

// Message is one conversation turn.
type Message struct {
	Role    Role
	Content string
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid checks if the role is valid
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Image is an inline image sent with the prompt.
type Image struct {
	Data        []byte
	ContentType string // e.g. "image/jpeg"
}

// Completion is the generated text and its cost.
type Completion struct {
	Text       string
	StopReason string
	Usage      UsageInfo
}

// UsageInfo tracks API usage for billing and monitoring
type UsageInfo struct {
	Model        string        // AI model used
	InputTokens  int           // Tokens in the request
	OutputTokens int           // Tokens in the response
	CostCents    int           // Estimated cost in cents
	Duration     time.Duration // Request duration
}

// ProviderConfig contains common configuration for AI providers
type ProviderConfig struct {
	MaxRetries     int           // Maximum retry attempts for transient errors
	RetryBaseDelay time.Duration // Base delay for exponential backoff
	RequestTimeout time.Duration // Timeout for individual requests
}

// Error codes for AI provider operations
var (
	// EAIRateLimit indicates the API rate limit has been exceeded
	EAIRateLimit = errors.New("ai provider rate limit exceeded")

	// EAIInvalidRequest indicates the prompt or attached image was rejected
	EAIInvalidRequest = errors.New("invalid ai request")

	// EAIContentPolicy indicates the input violates content policy
	EAIContentPolicy = errors.New("input violates content policy")

	// EAITimeout indicates the request timed out
	EAITimeout = errors.New("ai request timed out")

	// EAIUnavailable indicates the AI service is temporarily unavailable
	EAIUnavailable = errors.New("ai service temporarily unavailable")

	// EAIUnauthorized indicates invalid API credentials
	EAIUnauthorized = errors.New("ai provider authentication failed")

	// EAIEmptyResponse indicates the model returned no text
	EAIEmptyResponse = errors.New("ai response contained no text")
)

// IsRetryable returns true if the error is a transient error that can be retried
func IsRetryable(err error) bool {
	return errors.Is(err, EAIRateLimit) ||
		errors.Is(err, EAITimeout) ||
		errors.Is(err, EAIUnavailable)
}

// WrapError wraps an error with context about the AI operation
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ai %s: %w", operation, err)
}
