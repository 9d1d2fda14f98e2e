package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/steward-ai/steward/pkg/models"
)

// MockLLMProvider is a deterministic offline LLM used when no real
// provider is configured or when the mock interlock is engaged. The
// "Mock" in the type name is load-bearing: the registry's mixing
// interlock classifies providers by it.
type MockLLMProvider struct {
	model string
	calls atomic.Int64

	// Respond overrides the canned response when set.
	Respond func(req models.StructuredRequest) (json.RawMessage, error)
}

// NewMockLLMProvider creates a mock provider with a fixed model label.
func NewMockLLMProvider() *MockLLMProvider {
	return &MockLLMProvider{model: "mock-llm"}
}

// ModelName returns the mock model label.
func (p *MockLLMProvider) ModelName() string { return p.model }

// Calls returns how many structured calls the mock has served.
func (p *MockLLMProvider) Calls() int64 { return p.calls.Load() }

// CallStructured returns a canned JSON object echoing the request, or
// the output of the Respond hook when one is installed.
func (p *MockLLMProvider) CallStructured(ctx context.Context, req models.StructuredRequest) (*models.StructuredResponse, models.TokenCounts, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.TokenCounts{}, err
	}
	p.calls.Add(1)

	var raw json.RawMessage
	if p.Respond != nil {
		out, err := p.Respond(req)
		if err != nil {
			return nil, models.TokenCounts{}, err
		}
		raw = out
	} else {
		payload := map[string]any{
			"mock":    true,
			"handler": req.HandlerName,
		}
		if len(req.Messages) > 0 {
			payload["last_message"] = req.Messages[len(req.Messages)-1].Content
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, models.TokenCounts{}, fmt.Errorf("mock response encoding failed: %w", err)
		}
		raw = encoded
	}

	inTokens := 0
	for _, m := range req.Messages {
		inTokens += len(m.Content) / 4
	}
	return &models.StructuredResponse{Raw: raw, Model: p.model},
		models.TokenCounts{Input: inTokens, Output: len(raw) / 4}, nil
}
