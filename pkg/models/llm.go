package models

import "encoding/json"

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	// RoleSystem is the system prompt role
	RoleSystem MessageRole = "system"
	// RoleUser is the user role
	RoleUser MessageRole = "user"
	// RoleAssistant is the model role
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is one message in an LLM conversation.
type ChatMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// StructuredRequest is a structured-output LLM call. The provider must
// return JSON that unmarshals into the caller's response model.
type StructuredRequest struct {
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
	HandlerName string        `json:"handler_name"`
}

// StructuredResponse carries the raw JSON payload returned by a provider.
// Decode populates the caller's response model from it.
type StructuredResponse struct {
	Raw   json.RawMessage `json:"raw"`
	Model string          `json:"model"`
}

// Decode unmarshals the raw structured payload into out.
func (r *StructuredResponse) Decode(out any) error {
	return json.Unmarshal(r.Raw, out)
}

// TokenCounts is the raw token accounting reported by a provider.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Total returns input plus output tokens.
func (t TokenCounts) Total() int { return t.Input + t.Output }

// ResourceUsage is the per-call telemetry computed by the LLM bus.
type ResourceUsage struct {
	TokensTotal  int     `json:"tokens_total"`
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	CostCents    float64 `json:"cost_cents"`
	CarbonGrams  float64 `json:"carbon_grams"`
	EnergyKWh    float64 `json:"energy_kwh"`
	LatencyMS    int64   `json:"latency_ms"`
	Model        string  `json:"model"`
}
