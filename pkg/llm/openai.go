package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/steward-ai/steward/pkg/models"
)

// ErrMockModeActive is returned by NewOpenAIProvider when mock mode is
// in force. The real client must never be instantiated in mock mode.
var ErrMockModeActive = errors.New("refusing to construct real LLM client: mock LLM mode is active (MOCK_LLM or --mock-llm)")

// MockModeActive reports whether the process was started with the mock
// LLM interlock engaged, via the MOCK_LLM environment variable or the
// --mock-llm process argument.
func MockModeActive() bool {
	if os.Getenv("MOCK_LLM") != "" {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--mock-llm" {
			return true
		}
	}
	return false
}

// OpenAIConfig configures one OpenAI-compatible provider instance.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIProvider calls an OpenAI-compatible chat completions API and
// returns structured JSON responses.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	timeout    time.Duration
	maxRetries int
}

// NewOpenAIProvider creates a real LLM provider. Construction aborts
// with ErrMockModeActive when the mock interlock is engaged.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if MockModeActive() {
		return nil, ErrMockModeActive
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider requires an api key")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	slog.Info("LLM client configured", "model", cfg.Model, "base_url", clientCfg.BaseURL)

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// ModelName returns the configured model identifier.
func (p *OpenAIProvider) ModelName() string { return p.model }

// CallStructured performs a structured-output chat completion. Rate
// limits and connection errors are retried with exponential backoff
// (base 1 s, cap 30 s, at most maxRetries attempts); timeouts are not
// retried here so the bus can fast-fail the caller.
func (p *OpenAIProvider) CallStructured(ctx context.Context, req models.StructuredRequest) (*models.StructuredResponse, models.TokenCounts, error) {
	chatMessages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    chatMessages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, models.TokenCounts{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		resp, err := p.client.CreateChatCompletion(callCtx, chatReq)
		cancel()
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, models.TokenCounts{}, fmt.Errorf("empty completion from model %s", p.model)
			}
			content := resp.Choices[0].Message.Content
			if !json.Valid([]byte(content)) {
				return nil, models.TokenCounts{}, fmt.Errorf("model %s returned non-JSON structured response", p.model)
			}
			return &models.StructuredResponse{
					Raw:   json.RawMessage(content),
					Model: resp.Model,
				}, models.TokenCounts{
					Input:  resp.Usage.PromptTokens,
					Output: resp.Usage.CompletionTokens,
				}, nil
		}

		lastErr = err
		if !retryableAPIError(err) {
			break
		}
		slog.Warn("Retryable LLM API error",
			"model", p.model, "attempt", attempt+1, "error", err)
	}
	return nil, models.TokenCounts{}, lastErr
}

// retryableAPIError reports whether the client should retry in place:
// rate limits and transient server errors only. Timeouts propagate
// upward for the bus's fast-fail handling.
func retryableAPIError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Connection-level failures have no API error envelope.
	return true
}
