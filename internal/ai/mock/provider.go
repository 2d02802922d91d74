package mock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/fortuna/internal/ai"
)

// Provider is a mock AI provider for testing and development
type Provider struct {
	logger *slog.Logger

	mu sync.Mutex

	// Configurable responses for testing
	Response *ai.Completion
	Error    error

	// Call tracking for testing
	Calls      int
	LastParams ai.GenerateParams
}

// New creates a new mock AI provider
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger: logger,
	}
}

// Generate returns a canned reading
func (p *Provider) Generate(ctx context.Context, params ai.GenerateParams) (*ai.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls++
	p.LastParams = params

	// If a custom response or error is set, use it
	if p.Error != nil {
		return nil, p.Error
	}
	if p.Response != nil {
		return p.Response, nil
	}

	prompt := ""
	if n := len(params.Messages); n > 0 {
		prompt = params.Messages[n-1].Content
	}
	if len(prompt) > 60 {
		prompt = prompt[:60] + "..."
	}

	return &ai.Completion{
		Text: fmt.Sprintf("The signs are favourable. Patience will carry you further than haste this month. (%s reading for: %q)",
			params.Feature, prompt),
		StopReason: "end_turn",
		Usage: ai.UsageInfo{
			Model:        "mock-ai-v1",
			InputTokens:  420,
			OutputTokens: 180,
			CostCents:    1,
			Duration:     50 * time.Millisecond,
		},
	}, nil
}

// CallCount returns the number of Generate calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls
}
